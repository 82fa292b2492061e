package clientip

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
)

// Options controls resolution and normalization.
type Options struct {
	// TrustProxy enables forwarding headers. Disable when not behind a proxy
	// that overwrites them.
	TrustProxy bool

	// MapIPv4MappedIPv6 collapses IPv4-mapped and IPv4-compatible IPv6
	// addresses to IPv4.
	MapIPv4MappedIPv6 bool

	// AllowLocalhost marks loopback and private addresses as valid keys.
	AllowLocalhost bool

	// Production disables the development fallback address.
	Production bool

	// DevFallbackIP is used outside production when nothing else resolves.
	// Default: 127.0.0.1
	DevFallbackIP string
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		TrustProxy:        true,
		MapIPv4MappedIPv6: true,
		DevFallbackIP:     "127.0.0.1",
	}
}

// Extractor pulls a candidate address out of request headers.
type Extractor struct {
	// Name identifies the source in Info.Source and logs.
	Name string

	// Extract returns the raw candidate and whether one was present.
	Extract func(http.Header) (string, bool)
}

// HeaderExtractor returns an extractor for a header whose value is a single
// address or a comma-separated chain. The left-most entry is the originating
// client.
func HeaderExtractor(header string) Extractor {
	return Extractor{
		Name: header,
		Extract: func(h http.Header) (string, bool) {
			v := h.Get(header)
			if v == "" {
				return "", false
			}
			first, _, _ := strings.Cut(v, ",")
			first = strings.TrimSpace(first)
			return first, first != ""
		},
	}
}

// ForwardedExtractor reads the first for= parameter of an RFC 7239
// Forwarded header.
func ForwardedExtractor() Extractor {
	return Extractor{
		Name: "Forwarded",
		Extract: func(h http.Header) (string, bool) {
			v := h.Get("Forwarded")
			if v == "" {
				return "", false
			}
			first, _, _ := strings.Cut(v, ",")
			for _, pair := range strings.Split(first, ";") {
				k, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
				if ok && strings.EqualFold(k, "for") {
					val = strings.Trim(strings.TrimSpace(val), `"`)
					return val, val != ""
				}
			}
			return "", false
		},
	}
}

// ProxyExtractors is the priority order for forwarding headers.
func ProxyExtractors() []Extractor {
	return []Extractor{
		HeaderExtractor("X-Forwarded-For"),
		ForwardedExtractor(),
		HeaderExtractor("X-Real-IP"),
		HeaderExtractor("CF-Connecting-IP"),
		HeaderExtractor("True-Client-IP"),
		HeaderExtractor("Fastly-Client-IP"),
		HeaderExtractor("X-Client-IP"),
		HeaderExtractor("X-Cluster-Client-IP"),
	}
}

// UpstreamExtractors read platform headers that imply the address was
// resolved before the request reached us. They are as forgeable as any
// other header, so Resolve consults them only behind a trusted proxy.
func UpstreamExtractors() []Extractor {
	return []Extractor{
		HeaderExtractor("X-Vercel-Forwarded-For"),
		HeaderExtractor("Fly-Client-IP"),
		HeaderExtractor("X-Appengine-User-Ip"),
	}
}

// Source names for candidates that do not come from headers.
const (
	SourceRemoteAddr  = "remote_addr"
	SourceDevFallback = "dev_fallback"
	SourceSentinel    = "sentinel"
)

// Resolver derives the usage key for a request.
// It is safe for concurrent use; options may be swapped at runtime.
type Resolver struct {
	opts     atomic.Pointer[Options]
	proxy    []Extractor
	upstream []Extractor
	logger   *slog.Logger
}

// NewResolver creates a resolver with the default extractor chains.
func NewResolver(opts Options) *Resolver {
	return NewResolverWithExtractors(opts, ProxyExtractors(), UpstreamExtractors())
}

// NewResolverWithExtractors creates a resolver with custom extractor chains.
func NewResolverWithExtractors(opts Options, proxy, upstream []Extractor) *Resolver {
	r := &Resolver{
		proxy:    proxy,
		upstream: upstream,
		logger:   slog.Default().With("component", "clientip"),
	}
	r.SetOptions(opts)
	return r
}

// SetOptions replaces the resolver's options.
func (r *Resolver) SetOptions(opts Options) {
	if opts.DevFallbackIP == "" {
		opts.DevFallbackIP = "127.0.0.1"
	}
	r.opts.Store(&opts)
}

// Options returns the current options.
func (r *Resolver) Options() Options {
	return *r.opts.Load()
}

// Resolve returns the best client address for headers and the transport
// peer address. It never fails.
//
// With TrustProxy set, the first valid forwarding header wins. Otherwise a
// parseable peer address is used as is, valid or not. Platform headers are
// read only behind a trusted proxy and only when there is no peer address.
// Outside production the dev fallback comes next. An invalid but parseable
// header is returned only when nothing better exists.
func (r *Resolver) Resolve(headers http.Header, remoteAddr string) Info {
	opts := r.Options()
	trusted := opts.TrustProxy && headers != nil

	var firstParseable *Info
	pick := func(extractors []Extractor) (Info, bool) {
		for _, e := range extractors {
			raw, ok := e.Extract(headers)
			if !ok {
				continue
			}
			info := Normalize(raw, opts)
			info.Source = e.Name
			if info.IsValid {
				return info, true
			}
			if firstParseable == nil && info.Family != FamilyUnknown {
				firstParseable = &info
			}
		}
		return Info{}, false
	}

	if trusted {
		if info, ok := pick(r.proxy); ok {
			return info
		}
	}

	if remoteAddr != "" {
		if info := Normalize(remoteAddr, opts); info.Family != FamilyUnknown {
			info.Source = SourceRemoteAddr
			return info
		}
	}

	if trusted {
		if info, ok := pick(r.upstream); ok {
			return info
		}
	}

	if !opts.Production {
		info := Normalize(opts.DevFallbackIP, opts)
		info.Source = SourceDevFallback
		if info.IsValid || (firstParseable == nil && info.Family != FamilyUnknown) {
			return info
		}
	}

	if firstParseable != nil {
		r.logger.Debug("no valid client address, using first parseable header",
			"source", firstParseable.Source,
			"family", firstParseable.Family.String(),
		)
		return *firstParseable
	}

	return Info{
		Normalized: Sentinel,
		Family:     FamilyUnknown,
		Source:     SourceSentinel,
	}
}

// ResolveRequest resolves the client address of req.
func (r *Resolver) ResolveRequest(req *http.Request) Info {
	return r.Resolve(req.Header, req.RemoteAddr)
}

type contextKey struct{}

// NewContext returns a context carrying info.
func NewContext(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, contextKey{}, info)
}

// FromContext returns the Info stored by NewContext.
func FromContext(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(contextKey{}).(Info)
	return info, ok
}
