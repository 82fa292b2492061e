package clientip

import (
	"net"
	"net/netip"
	"strings"
)

// Sentinel is the key used when no address can be determined.
const Sentinel = "0.0.0.0"

// Family classifies a normalized address.
type Family int

const (
	// FamilyUnknown means the input could not be parsed.
	FamilyUnknown Family = iota

	// FamilyIPv4 is a public IPv4 address.
	FamilyIPv4

	// FamilyIPv6 is a public IPv6 address.
	FamilyIPv6

	// FamilyLocalhost covers loopback, private, link-local and unique-local
	// addresses of either family.
	FamilyLocalhost
)

// String returns the family name used in logs and JSON.
func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	case FamilyLocalhost:
		return "localhost"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f Family) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// Info is the result of resolving or normalizing an address.
type Info struct {
	// Original is the raw value as received.
	Original string `json:"original"`

	// Normalized is the canonical key. Never empty.
	Normalized string `json:"normalized"`

	// Family classifies Normalized.
	Family Family `json:"family"`

	// IsValid reports whether Normalized is usable as a rate-limit key.
	IsValid bool `json:"is_valid"`

	// Source names the extractor that produced Original.
	Source string `json:"source,omitempty"`
}

// Normalize canonicalizes raw into an Info. It never fails and is idempotent:
// Normalize(Normalize(x).Normalized) yields the same Normalized value.
func Normalize(raw string, opts Options) Info {
	info := Info{
		Original:   raw,
		Normalized: Sentinel,
		Family:     FamilyUnknown,
	}

	addr, ok := parseAddr(raw)
	if !ok || addr.IsUnspecified() {
		return info
	}

	if opts.MapIPv4MappedIPv6 {
		addr = collapseEmbeddedIPv4(addr, raw)
	}

	switch {
	case addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast():
		info.Family = FamilyLocalhost
	case addr.Is4():
		info.Family = FamilyIPv4
	default:
		info.Family = FamilyIPv6
	}

	if addr.Is4() {
		info.Normalized = addr.String()
	} else {
		info.Normalized = addr.StringExpanded()
	}

	info.IsValid = info.Family != FamilyLocalhost || opts.AllowLocalhost
	return info
}

// parseAddr strips the decorations a header value may carry (quotes, brackets,
// ports, zones) and parses what remains.
func parseAddr(raw string) (netip.Addr, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Trim(s, `"`)
	if s == "" {
		return netip.Addr{}, false
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	} else {
		s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}

	return addr.WithZone(""), true
}

// collapseEmbeddedIPv4 unmaps ::ffff:a.b.c.d and converts the IPv4-compatible
// form ::a.b.c.d. The compatible form is only recognized when written with a
// dotted quad, so ::1 and friends stay IPv6.
func collapseEmbeddedIPv4(addr netip.Addr, raw string) netip.Addr {
	if addr.Is4In6() {
		return addr.Unmap()
	}

	if !addr.Is6() || !strings.Contains(raw, ".") {
		return addr
	}

	b := addr.As16()
	for _, octet := range b[:12] {
		if octet != 0 {
			return addr
		}
	}

	return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]})
}
