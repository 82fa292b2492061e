package middleware

import (
	"net/http"

	"mercator-hq/ipquota/pkg/clientip"
	"mercator-hq/ipquota/pkg/telemetry/logging"
)

// ClientIPMiddleware resolves the client address once per request and stores
// it in the context for handlers (clientip.FromContext) and for log records
// (client_ip field).
func ClientIPMiddleware(resolver *clientip.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := resolver.ResolveRequest(r)

			ctx := clientip.NewContext(r.Context(), info)
			ctx = logging.WithClientIP(ctx, info.Normalized)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
