package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CORSOptions defines configuration for CORS.
type CORSOptions struct {
	// AllowedOrigins lists exact origins; "*" admits any
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	// MaxAge lets browsers cache a preflight answer
	MaxAge time.Duration
}

// defaultCORSOptions allows any origin to read the public endpoints.
func defaultCORSOptions() *CORSOptions {
	return &CORSOptions{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept", "Origin", "Cache-Control", "X-Requested-With", RequestIDHeader},
		MaxAge:         10 * time.Minute,
	}
}

// CORSWithOptions creates a CORS middleware with the provided configuration.
// A nil options uses the defaults; an empty CORSOptions{} sets no headers.
//
// Requests without an Origin header pass through untouched. Preflights
// (OPTIONS carrying Access-Control-Request-Method) are answered with 204 and
// never reach next.
func CORSWithOptions(options *CORSOptions) func(http.Handler) http.Handler {
	if options == nil {
		options = defaultCORSOptions()
	}
	anyOrigin := slices.Contains(options.AllowedOrigins, "*")
	methods := strings.Join(options.AllowedMethods, ",")
	headers := strings.Join(options.AllowedHeaders, ",")

	allowed := func(origin string) bool {
		if anyOrigin {
			return true
		}
		return slices.ContainsFunc(options.AllowedOrigins, func(o string) bool {
			return strings.EqualFold(o, origin)
		})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if origin == "" || len(options.AllowedOrigins) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			if allowed(origin) {
				if anyOrigin && !options.AllowCredentials {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
				}
				if options.AllowCredentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
				if preflight {
					if methods != "" {
						h.Set("Access-Control-Allow-Methods", methods)
					}
					if headers != "" {
						h.Set("Access-Control-Allow-Headers", headers)
					}
					if options.MaxAge > 0 {
						h.Set("Access-Control-Max-Age", strconv.Itoa(int(options.MaxAge.Seconds())))
					}
				} else {
					h.Set("Access-Control-Expose-Headers", RequestIDHeader)
				}
			}

			if preflight {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
