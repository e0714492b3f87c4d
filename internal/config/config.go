// Package config loads the JSON configuration file described in
// spec.md §6: the TCP/UDP mapper pools, the UPnP toggle, the mapping
// table, and the per-kind notifier instance tables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the top-level configuration document.
type Config struct {
	Tcp  *Tcp                    `json:"tcp,omitempty"`
	Udp  *Udp                    `json:"udp,omitempty"`
	UPnP *bool                   `json:"upnp,omitempty"`
	Map  map[string][]Metadata   `json:"map"`

	DnsPod     map[string]DnsPod     `json:"dnspod,omitempty"`
	AliDNS     map[string]AliDNS     `json:"alidns,omitempty"`
	Cloudflare map[string]Cloudflare `json:"cf,omitempty"`
	Http       map[string]Http       `json:"http,omitempty"`
	Script     map[string]Script     `json:"script,omitempty"`
}

// Tcp configures the TCP keepalive+STUN mapper, shared by every
// mapping URL whose scheme is `tcp`, `tcp+upnp` or `upnp+tcp`.
type Tcp struct {
	Stun         []string `json:"stun,omitempty"`
	Keepalive    string   `json:"keepalive,omitempty"`
	Interval     *uint64  `json:"interval,omitempty"`
	StunInterval *uint64  `json:"stun_interval,omitempty"`
}

// Udp configures the UDP STUN mapper, shared by every mapping URL
// whose scheme is `udp`, `udp+upnp` or `upnp+udp`.
type Udp struct {
	Stun     []string `json:"stun,omitempty"`
	Interval *uint64  `json:"interval,omitempty"`
}

// Metadata describes one notifier delivery: which notifier instance
// to call, what value template to render, and the DNS record shape
// when the referenced notifier is DNS-flavored.
type Metadata struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   *string `json:"domain,omitempty"`
	Kind     *string `json:"type,omitempty"`
	Priority *uint16 `json:"priority,omitempty"`
	TTL      *uint32 `json:"ttl,omitempty"`
	RID      *string `json:"rid,omitempty"`
	Proxied  *bool   `json:"proxied,omitempty"`
}

// DnsPod holds credentials for one DNSPod notifier instance.
type DnsPod struct {
	SecretID  string `json:"secret_id"`
	SecretKey string `json:"secret_key"`
}

// AliDNS holds credentials for one AliDNS notifier instance. URL
// defaults to the public endpoint when empty.
type AliDNS struct {
	SecretID  string `json:"secret_id"`
	SecretKey string `json:"secret_key"`
	URL       string `json:"url,omitempty"`
}

// Cloudflare holds credentials for one Cloudflare notifier instance.
type Cloudflare struct {
	Token string `json:"token"`
}

// Http configures one generic webhook notifier instance.
type Http struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Body    *string           `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Script configures one subprocess notifier instance.
type Script struct {
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// UPnPEnabled reports whether UPnP mapping is requested, defaulting
// to true when the field is absent.
func (c *Config) UPnPEnabled() bool {
	if c.UPnP == nil {
		return true
	}
	return *c.UPnP
}
