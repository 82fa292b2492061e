package logging

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"regexp"
	"strings"
)

// Redactor masks client addresses and credentials in log output.
type Redactor struct {
	patterns []redactPattern
}

// redactPattern contains a compiled regex and its replacement.
type redactPattern struct {
	name    string
	regex   *regexp.Regexp
	replace func(string) string
}

// Pattern names.
const (
	PatternIPv4        = "ipv4"
	PatternIPv6        = "ipv6"
	PatternBearerToken = "bearer_token"
	PatternPassword    = "password"
	PatternURLPassword = "url_password"
	PatternAPIKey      = "api_key"
)

// NewRedactor creates a Redactor with the built-in patterns.
func NewRedactor() *Redactor {
	literal := func(s string) func(string) string {
		return func(string) string { return s }
	}

	passwordRe := regexp.MustCompile(`(?i)(password|passwd|pwd)[:=]\s*\S+`)
	urlPasswordRe := regexp.MustCompile(`(://[^:/@\s]*:)[^@/\s]+@`)

	return &Redactor{patterns: []redactPattern{
		{
			name:  PatternURLPassword,
			regex: urlPasswordRe,
			replace: func(m string) string {
				return urlPasswordRe.ReplaceAllString(m, "${1}***@")
			},
		},
		{
			name:    PatternBearerToken,
			regex:   regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-._~+/]+=*`),
			replace: literal("Bearer ***"),
		},
		{
			name:  PatternPassword,
			regex: passwordRe,
			replace: func(m string) string {
				return passwordRe.ReplaceAllString(m, "$1: ***")
			},
		},
		{
			name:    PatternAPIKey,
			regex:   regexp.MustCompile(`(sk-[a-zA-Z0-9]+|api[-_]?key[-_:=]\s*[a-zA-Z0-9]+)`),
			replace: literal("sk-***"),
		},
		{
			name:    PatternIPv6,
			regex:   regexp.MustCompile(`[0-9a-fA-F]{0,4}(?::[0-9a-fA-F]{0,4}){2,7}`),
			replace: redactIPv6Match,
		},
		{
			name:    PatternIPv4,
			regex:   regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			replace: RedactIP,
		},
	}}
}

// RedactString masks every pattern match in value.
func (r *Redactor) RedactString(value string) string {
	if value == "" {
		return value
	}
	for _, p := range r.patterns {
		value = p.regex.ReplaceAllStringFunc(value, p.replace)
	}
	return value
}

// RedactAttr returns a with its value masked. Values under credential keys
// are hidden entirely; values under address keys keep their leading part.
func (r *Redactor) RedactAttr(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()

	switch a.Value.Kind() {
	case slog.KindGroup:
		group := a.Value.Group()
		redacted := make([]slog.Attr, len(group))
		for i, ga := range group {
			redacted[i] = r.RedactAttr(ga)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(redacted...)}

	case slog.KindString:
		v := a.Value.String()
		switch {
		case isSensitiveKey(a.Key):
			return slog.String(a.Key, RedactSecret(v))
		case isAddressKey(a.Key):
			if masked := RedactIP(v); masked != v {
				return slog.String(a.Key, masked)
			}
			return slog.String(a.Key, r.RedactString(v))
		default:
			return slog.String(a.Key, r.RedactString(v))
		}

	case slog.KindAny:
		// Errors from the network layer carry peer addresses.
		if err, ok := a.Value.Any().(error); ok && err != nil {
			return slog.String(a.Key, r.RedactString(err.Error()))
		}
	}

	return a
}

func isSensitiveKey(key string) bool {
	lowerKey := strings.ToLower(key)

	sensitiveKeys := []string{
		"password", "passwd", "pwd",
		"secret", "token", "api_key", "apikey",
		"authorization", "cookie",
	}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

func isAddressKey(key string) bool {
	switch strings.ToLower(key) {
	case "ip", "client_ip", "remote_addr", "remote_ip", "ip_address", "original", "normalized":
		return true
	}
	return false
}

// RedactSecret hides a credential, keeping at most a four character prefix.
func RedactSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return "***"
	}
	return v[:4] + "***"
}

// RedactIP masks an address: IPv4 keeps its first octet and IPv6 its first
// group. A port is dropped. Values that are not addresses are returned
// unchanged.
func RedactIP(value string) string {
	host := value
	if h, _, err := net.SplitHostPort(value); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if h, _, ok := strings.Cut(host, "%"); ok {
		host = h
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return value
	}

	if addr.Is4() {
		first, _, _ := strings.Cut(addr.String(), ".")
		return first + ".*.*.*"
	}

	first, _, _ := strings.Cut(addr.StringExpanded(), ":")
	return first + ":*:*:*:*:*:*:*"
}

// redactIPv6Match masks a regex candidate only if it parses as IPv6, so
// clock times and similar colon-separated text pass through.
func redactIPv6Match(m string) string {
	addr, err := netip.ParseAddr(m)
	if err != nil || !addr.Is6() || addr.Is4In6() {
		return m
	}
	return RedactIP(m)
}

// RedactingHandler masks attributes and messages before passing records on.
type RedactingHandler struct {
	next     slog.Handler
	redactor *Redactor
}

// NewRedactingHandler wraps next.
func NewRedactingHandler(next slog.Handler, r *Redactor) *RedactingHandler {
	return &RedactingHandler{next: next, redactor: r}
}

// Enabled implements slog.Handler.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, h.redactor.RedactString(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactor.RedactAttr(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

// WithAttrs implements slog.Handler.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactor.RedactAttr(a)
	}
	return &RedactingHandler{next: h.next.WithAttrs(redacted), redactor: h.redactor}
}

// WithGroup implements slog.Handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{next: h.next.WithGroup(name), redactor: h.redactor}
}
