// Package notifier implements spec.md §4.5: the DNS-provider,
// webhook, and subprocess publishers that a mapping supervisor calls
// on each confirmed address change.
package notifier

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hlandau/nat2/internal/config"
	"github.com/hlandau/nat2/internal/mapping"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("nat2.notifier")

// debugTrace is toggled by the CLI's --debug flag; when set, notifier
// implementations log the outbound request they're about to make
// before making it.
var debugTrace bool

// SetDebugTrace enables or disables verbose per-request notifier
// trace logging, per spec.md §6's `--debug` flag.
func SetDebugTrace(v bool) { debugTrace = v }

func traceRequest(format string, args ...any) {
	if debugTrace {
		log.Debugf(format, args...)
	}
}

// Notifier is implemented by every notifier kind.
type Notifier interface {
	// Kind is the static type tag: "dnspod", "alidns", "cf", "http", or
	// "script".
	Kind() string
	// Name is the configured instance name.
	Name() string
	// Validate is called once at startup per (notifier, metadata) pair.
	Validate(md config.Metadata) error
	// Publish is called on each confirmed address change.
	Publish(addr mapping.MappedAddress, md config.Metadata) error
}

// FormatValue substitutes `{ip}` and `{port}` tokens in template with
// addr's components. Substitution is idempotent once both tokens are
// gone, since each token is replaced exactly once per occurrence and
// neither a dotted IPv4 nor a decimal port can itself contain `{ip}`
// or `{port}`.
func FormatValue(template string, addr mapping.MappedAddress) string {
	s := strings.ReplaceAll(template, "{ip}", addr.IP.String())
	s = strings.ReplaceAll(s, "{port}", strconv.Itoa(int(addr.Port)))
	return s
}

// SplitDomain splits domain into its second-level domain and
// subdomain: the last two non-empty labels form the SLD, everything
// before them is the subdomain. A single trailing dot is tolerated.
// Returns false if domain has fewer than two non-empty labels.
func SplitDomain(domain string) (sld string, subdomain string, ok bool) {
	d := strings.TrimSuffix(domain, ".")
	labels := strings.Split(d, ".")
	if len(labels) < 2 || labels[len(labels)-1] == "" || labels[len(labels)-2] == "" {
		return "", "", false
	}
	sld = strings.Join(labels[len(labels)-2:], ".")
	subdomain = strings.Join(labels[:len(labels)-2], ".")
	return sld, subdomain, true
}

// ValidateDNSMetadata implements the validation rule shared by every
// DNS-provider notifier: domain and record type are required, and
// SVCB/HTTPS/URI record types additionally require a priority.
func ValidateDNSMetadata(md config.Metadata) error {
	if md.Domain == nil || *md.Domain == "" {
		return fmt.Errorf("notifier: missing field `domain`")
	}
	if md.Kind == nil || *md.Kind == "" {
		return fmt.Errorf("notifier: missing field `type`")
	}
	switch strings.ToLower(*md.Kind) {
	case "svcb", "https", "uri":
		if md.Priority == nil {
			return fmt.Errorf("notifier: missing field `priority`")
		}
	}
	if _, _, ok := SplitDomain(*md.Domain); !ok {
		return fmt.Errorf("notifier: domain %q has fewer than two labels", *md.Domain)
	}
	return nil
}
