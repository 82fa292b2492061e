package clientip

import (
	"context"
	"net/http"
	"testing"
)

// ============================================================================
// Normalize
// ============================================================================

func TestNormalize(t *testing.T) {
	opts := Options{MapIPv4MappedIPv6: true}

	tests := []struct {
		name       string
		raw        string
		opts       Options
		normalized string
		family     Family
		valid      bool
	}{
		{"public ipv4", "203.0.113.5", opts, "203.0.113.5", FamilyIPv4, true},
		{"ipv4 with port", "203.0.113.5:443", opts, "203.0.113.5", FamilyIPv4, true},
		{"ipv4 whitespace", "  203.0.113.5 ", opts, "203.0.113.5", FamilyIPv4, true},
		{"mapped ipv6 collapsed", "::ffff:203.0.113.5", opts, "203.0.113.5", FamilyIPv4, true},
		{"compatible ipv6 collapsed", "::203.0.113.5", opts, "203.0.113.5", FamilyIPv4, true},
		{"mapped ipv6 kept", "::ffff:203.0.113.5", Options{}, "0000:0000:0000:0000:0000:ffff:cb00:7105", FamilyIPv6, true},
		{"compressed ipv6 expanded", "2001:DB8::1", opts, "2001:0db8:0000:0000:0000:0000:0000:0001", FamilyIPv6, true},
		{"bracketed ipv6 with port", "[2001:db8::1]:8080", opts, "2001:0db8:0000:0000:0000:0000:0000:0001", FamilyIPv6, true},
		{"ipv6 with zone", "fe80::1%eth0", opts, "fe80:0000:0000:0000:0000:0000:0000:0001", FamilyLocalhost, false},
		{"loopback v4", "127.0.0.1", opts, "127.0.0.1", FamilyLocalhost, false},
		{"loopback v4 allowed", "127.0.0.1", Options{AllowLocalhost: true}, "127.0.0.1", FamilyLocalhost, true},
		{"private 10/8", "10.1.2.3", opts, "10.1.2.3", FamilyLocalhost, false},
		{"private 172.16/12", "172.20.0.1", opts, "172.20.0.1", FamilyLocalhost, false},
		{"public 172.32", "172.32.0.1", opts, "172.32.0.1", FamilyIPv4, true},
		{"private 192.168/16", "192.168.1.1", opts, "192.168.1.1", FamilyLocalhost, false},
		{"loopback v6", "::1", opts, "0000:0000:0000:0000:0000:0000:0000:0001", FamilyLocalhost, false},
		{"unique local fd00", "fd12:3456::1", opts, "fd12:3456:0000:0000:0000:0000:0000:0001", FamilyLocalhost, false},
		{"unique local fc00", "fc00::1", opts, "fc00:0000:0000:0000:0000:0000:0000:0001", FamilyLocalhost, false},
		{"malformed", "not-an-ip", opts, Sentinel, FamilyUnknown, false},
		{"empty", "", opts, Sentinel, FamilyUnknown, false},
		{"out of range octet", "256.1.1.1", opts, Sentinel, FamilyUnknown, false},
		{"unspecified", "0.0.0.0", opts, Sentinel, FamilyUnknown, false},
		{"quoted", `"203.0.113.5"`, opts, "203.0.113.5", FamilyIPv4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := Normalize(tt.raw, tt.opts)
			if info.Normalized != tt.normalized {
				t.Errorf("Expected normalized %q, got %q", tt.normalized, info.Normalized)
			}
			if info.Family != tt.family {
				t.Errorf("Expected family %s, got %s", tt.family, info.Family)
			}
			if info.IsValid != tt.valid {
				t.Errorf("Expected valid %v, got %v", tt.valid, info.IsValid)
			}
			if info.Original != tt.raw {
				t.Errorf("Expected original %q, got %q", tt.raw, info.Original)
			}
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"203.0.113.5",
		"::ffff:203.0.113.5",
		"::203.0.113.5",
		"2001:db8::1",
		"[2001:db8::1]:443",
		"fe80::1%eth0",
		"::1",
		"10.0.0.1",
		"not-an-ip",
		"",
	}

	for _, mapped := range []bool{true, false} {
		opts := Options{MapIPv4MappedIPv6: mapped}
		for _, in := range inputs {
			first := Normalize(in, opts)
			second := Normalize(first.Normalized, opts)
			if first.Normalized != second.Normalized {
				t.Errorf("Normalize not idempotent for %q (map=%v): %q then %q",
					in, mapped, first.Normalized, second.Normalized)
			}
			if first.Family != second.Family {
				t.Errorf("Family changed for %q (map=%v): %s then %s",
					in, mapped, first.Family, second.Family)
			}
		}
	}
}

// ============================================================================
// Extractors
// ============================================================================

func TestHeaderExtractor_FirstEntry(t *testing.T) {
	h := http.Header{}
	h.Set("X-Forwarded-For", " 203.0.113.5 , 10.0.0.1, 10.0.0.2")

	raw, ok := HeaderExtractor("X-Forwarded-For").Extract(h)
	if !ok {
		t.Fatal("Expected a value")
	}
	if raw != "203.0.113.5" {
		t.Errorf("Expected 203.0.113.5, got %q", raw)
	}

	if _, ok := HeaderExtractor("X-Real-IP").Extract(h); ok {
		t.Error("Expected no value for absent header")
	}
}

func TestForwardedExtractor(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"for=192.0.2.60;proto=http;by=203.0.113.43", "192.0.2.60", true},
		{`For="[2001:db8:cafe::17]:4711"`, "[2001:db8:cafe::17]:4711", true},
		{"for=192.0.2.43, for=198.51.100.17", "192.0.2.43", true},
		{"proto=https", "", false},
	}

	for _, tt := range tests {
		h := http.Header{}
		h.Set("Forwarded", tt.header)
		got, ok := ForwardedExtractor().Extract(h)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Forwarded %q: expected (%q, %v), got (%q, %v)", tt.header, tt.want, tt.ok, got, ok)
		}
	}
}

// ============================================================================
// Resolver
// ============================================================================

func TestResolver_Priority(t *testing.T) {
	r := NewResolver(Options{TrustProxy: true, MapIPv4MappedIPv6: true, Production: true})

	h := http.Header{}
	h.Set("X-Real-IP", "198.51.100.7")
	h.Set("X-Forwarded-For", "203.0.113.5, 198.51.100.1")
	h.Set("CF-Connecting-IP", "192.0.2.1")

	info := r.Resolve(h, "192.0.2.200:5555")
	if info.Normalized != "203.0.113.5" {
		t.Errorf("Expected X-Forwarded-For to win, got %s", info.Normalized)
	}
	if info.Source != "X-Forwarded-For" {
		t.Errorf("Expected source X-Forwarded-For, got %s", info.Source)
	}

	h.Del("X-Forwarded-For")
	info = r.Resolve(h, "192.0.2.200:5555")
	if info.Normalized != "198.51.100.7" {
		t.Errorf("Expected X-Real-IP to win, got %s", info.Normalized)
	}
}

func TestResolver_SkipsInvalidHeader(t *testing.T) {
	r := NewResolver(Options{TrustProxy: true, Production: true})

	h := http.Header{}
	h.Set("X-Forwarded-For", "garbage")
	h.Set("X-Real-IP", "10.0.0.5")

	info := r.Resolve(h, "203.0.113.9:1234")
	if info.Normalized != "203.0.113.9" {
		t.Errorf("Expected peer address, got %s", info.Normalized)
	}
	if info.Source != SourceRemoteAddr {
		t.Errorf("Expected source %s, got %s", SourceRemoteAddr, info.Source)
	}
}

func TestResolver_ProxyTrustDisabled(t *testing.T) {
	r := NewResolver(Options{TrustProxy: false, Production: true})

	h := http.Header{}
	h.Set("X-Forwarded-For", "203.0.113.5")

	info := r.Resolve(h, "198.51.100.20:4000")
	if info.Normalized != "198.51.100.20" {
		t.Errorf("Expected forwarding header to be ignored, got %s", info.Normalized)
	}
}

func TestResolver_UpstreamHeader(t *testing.T) {
	r := NewResolver(Options{TrustProxy: true, Production: true})

	h := http.Header{}
	h.Set("X-Vercel-Forwarded-For", "203.0.113.77")

	info := r.Resolve(h, "")
	if info.Normalized != "203.0.113.77" {
		t.Errorf("Expected upstream header, got %s", info.Normalized)
	}
}

func TestResolver_FirstParseableWhenNoneValid(t *testing.T) {
	r := NewResolver(Options{TrustProxy: true, Production: true})

	h := http.Header{}
	h.Set("X-Forwarded-For", "10.0.0.5")

	info := r.Resolve(h, "")
	if info.Normalized != "10.0.0.5" {
		t.Errorf("Expected first parseable candidate, got %s", info.Normalized)
	}
	if info.IsValid {
		t.Error("Expected IsValid false for private address")
	}
	if info.Family != FamilyLocalhost {
		t.Errorf("Expected localhost family, got %s", info.Family)
	}
}

func TestResolver_PeerBeatsPlatformHeaders(t *testing.T) {
	tests := []struct {
		name       string
		opts       Options
		headers    map[string]string
		remoteAddr string
		want       string
		wantSource string
	}{
		{
			name:       "private peer without proxy trust",
			opts:       Options{Production: true},
			headers:    map[string]string{"Fly-Client-IP": "198.51.100.1"},
			remoteAddr: "10.0.0.7:5000",
			want:       "10.0.0.7",
			wantSource: SourceRemoteAddr,
		},
		{
			name:       "private peer behind trusted proxy",
			opts:       Options{TrustProxy: true, Production: true},
			headers:    map[string]string{"X-Vercel-Forwarded-For": "198.51.100.1"},
			remoteAddr: "10.0.0.7:5000",
			want:       "10.0.0.7",
			wantSource: SourceRemoteAddr,
		},
		{
			name:       "invalid forwarding header falls to peer",
			opts:       Options{TrustProxy: true, Production: true},
			headers:    map[string]string{"X-Forwarded-For": "10.0.0.5", "X-Appengine-User-Ip": "198.51.100.1"},
			remoteAddr: "127.0.0.1:9000",
			want:       "127.0.0.1",
			wantSource: SourceRemoteAddr,
		},
		{
			name:       "platform header ignored without proxy trust",
			opts:       Options{Production: true},
			headers:    map[string]string{"Fly-Client-IP": "198.51.100.1"},
			want:       Sentinel,
			wantSource: SourceSentinel,
		},
		{
			name:       "platform header without peer behind trusted proxy",
			opts:       Options{TrustProxy: true, Production: true},
			headers:    map[string]string{"Fly-Client-IP": "198.51.100.1"},
			want:       "198.51.100.1",
			wantSource: "Fly-Client-IP",
		},
		{
			name:       "unparseable peer counts as absent",
			opts:       Options{TrustProxy: true, Production: true},
			headers:    map[string]string{"Fly-Client-IP": "198.51.100.1"},
			remoteAddr: "not-an-address",
			want:       "198.51.100.1",
			wantSource: "Fly-Client-IP",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(tt.opts)
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}

			info := r.Resolve(h, tt.remoteAddr)
			if info.Normalized != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, info.Normalized)
			}
			if info.Source != tt.wantSource {
				t.Errorf("Expected source %s, got %s", tt.wantSource, info.Source)
			}
		})
	}
}

func TestResolver_RotatedPlatformHeaderKeepsKey(t *testing.T) {
	r := NewResolver(Options{Production: true})

	keys := map[string]bool{}
	for _, spoofed := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3"} {
		h := http.Header{}
		h.Set("Fly-Client-IP", spoofed)
		keys[r.Resolve(h, "10.0.0.7:5000").Normalized] = true
	}

	if len(keys) != 1 || !keys["10.0.0.7"] {
		t.Errorf("Expected every request to share the peer key, got %v", keys)
	}
}

func TestResolver_DevFallback(t *testing.T) {
	r := NewResolver(Options{AllowLocalhost: true})

	info := r.Resolve(http.Header{}, "")
	if info.Normalized != "127.0.0.1" {
		t.Errorf("Expected dev fallback, got %s", info.Normalized)
	}
	if info.Source != SourceDevFallback {
		t.Errorf("Expected source %s, got %s", SourceDevFallback, info.Source)
	}
}

func TestResolver_Sentinel(t *testing.T) {
	r := NewResolver(Options{Production: true})

	info := r.Resolve(nil, "")
	if info.Normalized != Sentinel {
		t.Errorf("Expected sentinel, got %s", info.Normalized)
	}
	if info.IsValid {
		t.Error("Expected sentinel to be invalid")
	}
	if info.Source != SourceSentinel {
		t.Errorf("Expected source %s, got %s", SourceSentinel, info.Source)
	}
}

func TestResolver_SetOptions(t *testing.T) {
	r := NewResolver(Options{TrustProxy: true, Production: true})

	h := http.Header{}
	h.Set("X-Forwarded-For", "203.0.113.5")

	if got := r.Resolve(h, "198.51.100.1:1").Normalized; got != "203.0.113.5" {
		t.Errorf("Expected header address, got %s", got)
	}

	r.SetOptions(Options{TrustProxy: false, Production: true})
	if got := r.Resolve(h, "198.51.100.1:1").Normalized; got != "198.51.100.1" {
		t.Errorf("Expected peer address after disabling trust, got %s", got)
	}
	if r.Options().DevFallbackIP != "127.0.0.1" {
		t.Errorf("Expected default dev fallback, got %s", r.Options().DevFallbackIP)
	}
}

func TestResolver_CustomExtractors(t *testing.T) {
	custom := []Extractor{HeaderExtractor("X-Edge-Client")}
	r := NewResolverWithExtractors(Options{TrustProxy: true, Production: true}, custom, nil)

	h := http.Header{}
	h.Set("X-Edge-Client", "203.0.113.8")
	h.Set("X-Forwarded-For", "198.51.100.8")

	if got := r.Resolve(h, "").Normalized; got != "203.0.113.8" {
		t.Errorf("Expected custom extractor, got %s", got)
	}
}

func TestResolveRequestAndContext(t *testing.T) {
	r := NewResolver(DefaultOptions())

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::ffff:203.0.113.5]:443"

	info := r.ResolveRequest(req)
	if info.Normalized != "203.0.113.5" {
		t.Errorf("Expected mapped peer address to collapse, got %s", info.Normalized)
	}

	ctx := NewContext(context.Background(), info)
	got, ok := FromContext(ctx)
	if !ok || got.Normalized != info.Normalized {
		t.Errorf("Expected info from context, got %+v", got)
	}

	if _, ok := FromContext(context.Background()); ok {
		t.Error("Expected no info in empty context")
	}
}
