// Package urlfilter guards outbound requests to verifier-supplied URLs
// (request_uri, response_uri) against server-side request forgery.
package urlfilter

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrBlocked is returned for URLs rejected by the filter
var ErrBlocked = errors.New("url blocked")

// Config configures the URL filter.
type Config struct {
	// Enabled turns filtering on/off.
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`

	// RequireHTTPS rejects every URL that is not https.
	RequireHTTPS bool `yaml:"require_https" envconfig:"REQUIRE_HTTPS"`

	// BlockLoopback blocks 127.0.0.0/8, ::1 and localhost hostnames.
	BlockLoopback bool `yaml:"block_loopback" envconfig:"BLOCK_LOOPBACK"`

	// BlockRFC1918 blocks 10/8, 172.16/12 and 192.168/16.
	// DNS rebinding can bypass this.
	BlockRFC1918 bool `yaml:"block_rfc1918" envconfig:"BLOCK_RFC1918"`

	// BlockLinkLocal blocks 169.254.0.0/16 and fe80::/10 (cloud metadata).
	BlockLinkLocal bool `yaml:"block_link_local" envconfig:"BLOCK_LINK_LOCAL"`

	// BlockedHosts are additional blocked hostnames (case-insensitive).
	BlockedHosts []string `yaml:"blocked_hosts" envconfig:"BLOCKED_HOSTS"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		RequireHTTPS:   true,
		BlockLoopback:  true,
		BlockRFC1918:   true,
		BlockLinkLocal: true,
		BlockedHosts:   []string{"metadata.google.internal"},
	}
}

// Filter validates outbound URLs
type Filter struct {
	cfg Config
}

// New creates a filter
func New(cfg Config) *Filter {
	return &Filter{cfg: cfg}
}

// IsAllowed returns nil if the URL passes the filter, or an error wrapping
// ErrBlocked describing why not.
func (f *Filter) IsAllowed(rawURL string) error {
	if f == nil || !f.cfg.Enabled {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL: %v", ErrBlocked, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: only HTTP(S) URLs allowed, got %q", ErrBlocked, scheme)
	}
	if f.cfg.RequireHTTPS && scheme != "https" {
		return fmt.Errorf("%w: HTTPS required", ErrBlocked)
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("%w: empty host", ErrBlocked)
	}

	for _, blocked := range f.cfg.BlockedHosts {
		if strings.EqualFold(hostname, blocked) {
			return fmt.Errorf("%w: host %q is blocked", ErrBlocked, hostname)
		}
	}

	ip := net.ParseIP(hostname)
	switch {
	case ip == nil:
		if f.cfg.BlockLoopback && isLocalhostName(hostname) {
			return fmt.Errorf("%w: localhost is blocked", ErrBlocked)
		}
	case f.cfg.BlockLoopback && ip.IsLoopback():
		return fmt.Errorf("%w: loopback addresses are blocked", ErrBlocked)
	case f.cfg.BlockLinkLocal && ip.IsLinkLocalUnicast():
		return fmt.Errorf("%w: link-local addresses are blocked", ErrBlocked)
	case f.cfg.BlockRFC1918 && isRFC1918(ip):
		return fmt.Errorf("%w: private addresses are blocked", ErrBlocked)
	}

	return nil
}

func isRFC1918(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	switch {
	case ip4[0] == 10:
		return true
	case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
		return true
	case ip4[0] == 192 && ip4[1] == 168:
		return true
	}
	return false
}

func isLocalhostName(hostname string) bool {
	h := strings.ToLower(strings.TrimSuffix(hostname, "."))
	return h == "localhost" ||
		h == "localhost.localdomain" ||
		strings.HasSuffix(h, ".localhost")
}
