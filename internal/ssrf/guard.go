// Package ssrf vets outbound URLs before the proxy dials them. The
// guard resolves hostnames itself and hands the pinned IPs back to the
// HTTP client, so a hostname cannot re-resolve to an internal address
// between validation and dial.
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.google.com":      true,
	"kubernetes.default.svc":   true,
}

var blockedCIDRs = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var blockedNets []*net.IPNet

func init() {
	for _, cidr := range blockedCIDRs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("ssrf: bad cidr " + cidr)
		}
		blockedNets = append(blockedNets, n)
	}
}

// Resolver is the DNS dependency, swappable in tests.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type Guard struct {
	resolver Resolver
}

func NewGuard() *Guard {
	return &Guard{resolver: net.DefaultResolver}
}

func NewGuardWithResolver(r Resolver) *Guard {
	return &Guard{resolver: r}
}

// ValidateURL runs the full check including DNS resolution. On success
// it returns every resolved IP so the dialer can pin to them.
func (g *Guard) ValidateURL(ctx context.Context, raw string) (bool, string, []net.IP) {
	ok, reason, host := checkStatic(raw)
	if !ok {
		return false, reason, nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return false, fmt.Sprintf("Blocked IP: %s", ip), nil
		}
		return true, "", []net.IP{ip}
	}

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return false, fmt.Sprintf("DNS failed: %s", host), nil
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if isBlockedIP(addr.IP) {
			return false, fmt.Sprintf("Resolved to blocked IP: %s", addr.IP), nil
		}
		ips = append(ips, addr.IP)
	}
	return true, "", ips
}

// ValidateURLBasic is the synchronous scheme/hostname/literal-IP check
// without DNS. Used where resolution would add unwanted latency.
func (g *Guard) ValidateURLBasic(raw string) (bool, string) {
	ok, reason, host := checkStatic(raw)
	if !ok {
		return false, reason
	}
	if ip := net.ParseIP(host); ip != nil && isBlockedIP(ip) {
		return false, fmt.Sprintf("Blocked IP: %s", ip)
	}
	return true, ""
}

func checkStatic(raw string) (bool, string, string) {
	u, err := url.Parse(raw)
	if err != nil {
		return false, "Invalid URL", ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false, fmt.Sprintf("Blocked scheme: %s", scheme), ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false, "No hostname", ""
	}
	if blockedHostnames[host] || strings.HasSuffix(host, ".localhost") {
		return false, fmt.Sprintf("Blocked hostname: %s", host), ""
	}
	return true, "", host
}

func isBlockedIP(ip net.IP) bool {
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
