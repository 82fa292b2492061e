// Package clientip resolves and normalizes the client address of an HTTP
// request so it can be used as a stable usage-limit key.
//
// # Resolution Order
//
// The resolver tries candidate sources in a fixed order and never fails:
//
//  1. Forwarding headers, only when proxy trust is enabled. The left-most
//     X-Forwarded-For entry comes first, then RFC 7239 Forwarded, then the
//     single-value headers set by common reverse proxies and CDNs.
//  2. The transport peer address (http.Request.RemoteAddr).
//  3. Platform headers that carry an address already resolved upstream.
//  4. Outside production, a configured loopback fallback.
//  5. The sentinel "0.0.0.0".
//
// The first valid candidate wins. When no candidate is valid, the first
// parseable one is returned with IsValid false, so every caller still gets
// a usable key.
//
// # Normalization
//
// Normalize is idempotent. IPv4 is kept in dotted-quad form; IPv6 is expanded
// to eight four-digit groups. IPv4-mapped (::ffff:a.b.c.d) and IPv4-compatible
// (::a.b.c.d) addresses collapse to IPv4 when MapIPv4MappedIPv6 is set, so a
// dual-stack client cannot double its quota by switching families.
//
// # Trust
//
// Forwarding headers are client controlled unless the edge proxy overwrites
// them. The resolver cannot verify them; deployments that are not behind a
// trusted proxy must disable TrustProxy.
package clientip
