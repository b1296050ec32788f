package api

import (
	"net/http"
	"strings"
)

// isPublic lists the unauthenticated surface: login, liveness, metrics,
// the payment poll page, static images and the route index.
func isPublic(r *http.Request) bool {
	p := r.URL.Path
	switch {
	case p == "/login" && r.Method == http.MethodPost:
		return true
	case (p == "/health" || p == "/metrics" || p == "/docs") && r.Method == http.MethodGet:
		return true
	case strings.HasPrefix(p, "/images/") && r.Method == http.MethodGet:
		return true
	case strings.HasPrefix(p, "/payments/") && r.Method == http.MethodGet && p != "/payments/fee":
		return true
	}
	return false
}
