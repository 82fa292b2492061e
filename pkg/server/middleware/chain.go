package middleware

import "net/http"

// Chain wraps h so that the first middleware is outermost:
//
//	Chain(h, a, b) == a(b(h))
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
