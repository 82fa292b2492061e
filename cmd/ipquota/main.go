// ipquota serves and administers a per-client-IP usage quota: a fixed number
// of uses per client address in a sliding window anchored at first use.
//
// Usage:
//
//	# Start the HTTP server
//	ipquota serve --config config.yaml
//
//	# Inspect and adjust a client's usage
//	ipquota usage check 203.0.113.5
//	ipquota usage reset 203.0.113.5
//
//	# Show how a request's client address resolves
//	ipquota ip resolve --header "X-Forwarded-For: 203.0.113.5, 10.0.0.1"
//
//	# Validate configuration
//	ipquota validate --config config.yaml
package main

func main() {
	Execute()
}
