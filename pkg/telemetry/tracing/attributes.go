package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by the HTTP layer and the usage service.
const (
	AttrHTTPMethod     = "http.method"
	AttrHTTPRoute      = "http.route"
	AttrHTTPStatusCode = "http.status_code"

	AttrRequestID  = "ipquota.request_id"
	AttrIPSource   = "ipquota.ip.source"
	AttrIPSentinel = "ipquota.ip.sentinel"

	AttrUsageCount     = "ipquota.usage.count"
	AttrUsageRemaining = "ipquota.usage.remaining"
	AttrUsageAllowed   = "ipquota.usage.allowed"

	AttrErrorMessage = "error.message"
)

// SetQuotaAttributes records a quota decision on span.
func SetQuotaAttributes(span trace.Span, count, remaining int64, allowed bool) {
	span.SetAttributes(
		attribute.Int64(AttrUsageCount, count),
		attribute.Int64(AttrUsageRemaining, remaining),
		attribute.Bool(AttrUsageAllowed, allowed),
	)
}

// SetClientAttributes records how the client address was resolved. The
// address itself is not recorded.
func SetClientAttributes(span trace.Span, source string, sentinel bool) {
	span.SetAttributes(
		attribute.String(AttrIPSource, source),
		attribute.Bool(AttrIPSentinel, sentinel),
	)
}
