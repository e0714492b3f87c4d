package notifier

import (
	"bytes"
	"fmt"
	"os/exec"

	"github.com/hlandau/nat2/internal/config"
	"github.com/hlandau/nat2/internal/mapping"
)

// Script invokes a local executable with the configured arguments,
// plus the token-substituted metadata value as a trailing argument
// when non-empty.
type Script struct {
	name string
	path string
	args []string
}

var _ Notifier = (*Script)(nil)

// NewScript constructs a script notifier instance.
func NewScript(name string, cfg config.Script) *Script {
	return &Script{name: name, path: cfg.Path, args: cfg.Args}
}

func (s *Script) Kind() string { return "script" }
func (s *Script) Name() string { return s.name }

func (s *Script) Validate(md config.Metadata) error { return nil }

func (s *Script) Publish(addr mapping.MappedAddress, md config.Metadata) error {
	args := append([]string{}, s.args...)
	if md.Value != "" {
		args = append(args, FormatValue(md.Value, addr))
	}

	cmd := exec.Command(s.path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if stderr.Len() > 0 {
		return fmt.Errorf("script: %s", stderr.String())
	}
	return fmt.Errorf("script: %w", err)
}
