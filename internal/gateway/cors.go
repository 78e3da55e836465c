// ABOUTME: CORS middleware so browser clients on other origins can call
// ABOUTME: the API. Allowed origins come from server config, default all.

package gateway

import "net/http"

// corsMiddleware sets the Access-Control headers on cross-origin requests
// and short-circuits OPTIONS preflights.
func (g *Gateway) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			if allow := g.allowOrigin(origin); allow != "" {
				w.Header().Set("Access-Control-Allow-Origin", allow)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allowOrigin returns the Access-Control-Allow-Origin value for a request
// origin, or empty when the origin is not allowed. An unset list allows
// every origin.
func (g *Gateway) allowOrigin(origin string) string {
	origins := g.config.Server.AllowedOrigins
	if len(origins) == 0 {
		return "*"
	}
	for _, allowed := range origins {
		if allowed == "*" {
			return "*"
		}
		if allowed == origin {
			return origin
		}
	}
	return ""
}
