package tools

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// URLPolicy restricts which URLs the network tools may reach.
type URLPolicy struct {
	AllowedDomains []string `mapstructure:"allowed_domains" json:"allowed_domains"`
	BlockedDomains []string `mapstructure:"blocked_domains" json:"blocked_domains"`
	AllowLocalhost bool     `mapstructure:"allow_localhost" json:"allow_localhost"`
}

// Validate parses raw and checks it against the policy. Only http and https
// URLs are accepted.
func (p URLPolicy) Validate(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %s", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("URL has no host: %s", raw)
	}

	if isLocalHost(host) && !p.AllowLocalhost {
		return nil, fmt.Errorf("localhost URLs are not allowed")
	}
	if len(p.AllowedDomains) > 0 && !matchAny(host, p.AllowedDomains) {
		return nil, fmt.Errorf("domain not in allowed list: %s", host)
	}
	if matchAny(host, p.BlockedDomains) {
		return nil, fmt.Errorf("domain is blocked: %s", host)
	}
	return u, nil
}

func isLocalHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified() || ip.IsPrivate() || ip.IsLinkLocalUnicast())
}

func matchAny(host string, patterns []string) bool {
	for _, pattern := range patterns {
		if matchDomain(host, strings.ToLower(strings.TrimSpace(pattern))) {
			return true
		}
	}
	return false
}

// matchDomain supports exact names, "*.example.com" and ".example.com".
func matchDomain(host, pattern string) bool {
	if pattern == "" {
		return false
	}
	if host == pattern {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[2:]
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	if strings.HasPrefix(pattern, ".") {
		return host == pattern[1:] || strings.HasSuffix(host, pattern)
	}
	return false
}
