// Package ssrf rejects fetch targets that point at loopback, private,
// link-local or metadata addresses.
package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// ErrBlocked is returned for hosts that resolve to internal addresses.
var ErrBlocked = errors.New("blocked internal address")

// BlockedError names the host and why it was refused.
type BlockedError struct {
	Host   string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%v: %s (%s)", ErrBlocked, e.Host, e.Reason)
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }

// SecurityViolation marks the error for the tool router.
func (e *BlockedError) SecurityViolation() bool { return true }

var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

var blockedSuffixes = []string{".localhost", ".local", ".internal"}

// cgnat and 0.0.0.0/8 are not covered by netip's predicates.
var extraPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("64:ff9b::/96"),
}

// LookupFunc resolves a hostname.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Guard checks hosts before a request is made.
type Guard struct {
	// Lookup resolves names. Default: net.DefaultResolver.
	Lookup LookupFunc
}

// Check fails with a *BlockedError when host is a blocked name, an
// internal address literal, or a name resolving to one. Resolution
// failures are returned as plain errors.
func (g Guard) Check(ctx context.Context, host string) error {
	name := normalize(host)
	if name == "" {
		return &BlockedError{Host: host, Reason: "empty host"}
	}
	if IsBlockedHostname(name) {
		return &BlockedError{Host: host, Reason: "internal hostname"}
	}
	if addr, ok := ParseAddr(name); ok {
		if IsInternal(addr) {
			return &BlockedError{Host: host, Reason: "internal address " + addr.String()}
		}
		return nil
	}

	lookup := g.Lookup
	if lookup == nil {
		lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		}
	}
	addrs, err := lookup(ctx, name)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("resolve %s: no addresses", host)
	}
	for _, addr := range addrs {
		if IsInternal(addr) {
			return &BlockedError{Host: host, Reason: "resolves to internal address " + addr.Unmap().String()}
		}
	}
	return nil
}

// IsBlockedHostname reports names that always denote local or metadata
// services.
func IsBlockedHostname(host string) bool {
	name := normalize(host)
	if blockedHostnames[name] {
		return true
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// IsInternal reports loopback, private, link-local, unspecified,
// multicast and carrier-grade NAT addresses. IPv4-mapped IPv6 addresses
// are judged by their IPv4 part.
func IsInternal(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() {
		return true
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() || addr.IsMulticast() {
		return true
	}
	for _, p := range extraPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ParseAddr parses an address literal, including the shorthand IPv4 forms
// browsers accept: "2130706433", "0x7f.1", "0177.0.0.1".
func ParseAddr(host string) (netip.Addr, bool) {
	name := normalize(host)
	if addr, err := netip.ParseAddr(name); err == nil {
		return addr.WithZone(""), true
	}
	return parseLegacyIPv4(name)
}

// parseLegacyIPv4 follows inet_aton: one to four parts, each decimal,
// octal (leading 0) or hex (leading 0x), the last part filling the
// remaining bytes.
func parseLegacyIPv4(s string) (netip.Addr, bool) {
	if s == "" || strings.Trim(s, "0123456789abcdefx.") != "" {
		return netip.Addr{}, false
	}
	parts := strings.Split(s, ".")
	if len(parts) > 4 {
		return netip.Addr{}, false
	}
	values := make([]uint64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 0, 32)
		if err != nil {
			return netip.Addr{}, false
		}
		values[i] = v
	}
	var out uint64
	for i, v := range values[:len(values)-1] {
		if v > 0xff {
			return netip.Addr{}, false
		}
		out |= v << (24 - 8*i)
	}
	last := values[len(values)-1]
	if last >= 1<<(8*(5-len(values))) {
		return netip.Addr{}, false
	}
	out |= last
	return netip.AddrFrom4([4]byte{byte(out >> 24), byte(out >> 16), byte(out >> 8), byte(out)}), true
}

func normalize(host string) string {
	name := strings.ToLower(strings.TrimSpace(host))
	name = strings.TrimSuffix(name, ".")
	if strings.HasPrefix(name, "[") && strings.HasSuffix(name, "]") {
		name = name[1 : len(name)-1]
	}
	return name
}
