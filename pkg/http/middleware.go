// Package http provides HTTP middleware for the gateway's MCP endpoint.
package http

import (
	"net"
	"net/http"
	"strings"

	"github.com/txn2/query-gateway/pkg/auth"
)

// AuthMiddleware extracts a delegation token from the request headers and
// adds it to the request context. A request without one passes through
// and authenticates with its password. When requireAuth is set such
// requests get 401 instead.
func AuthMiddleware(requireAuth bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" && requireAuth {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "Unauthorized: missing delegation token", http.StatusUnauthorized)
				return
			}
			if token != "" {
				r = r.WithContext(auth.WithToken(r.Context(), token))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken returns the Authorization bearer token, or the
// X-Delegation-Token header when there is none.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-Delegation-Token")
}

// ClientAddress records the caller's IP in the request context so proxy
// rules can match on it. With trustForwarded set the first
// X-Forwarded-For entry wins over the socket address.
func ClientAddress(trustForwarded bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := remoteIP(r.RemoteAddr)
			if trustForwarded {
				if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
					first, _, _ := strings.Cut(fwd, ",")
					addr = strings.TrimSpace(first)
				}
			}
			if addr != "" {
				r = r.WithContext(auth.WithClientAddress(r.Context(), addr))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// Chain applies middleware so the first one listed runs first.
func Chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
