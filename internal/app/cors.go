package app

import (
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/rs/cors"
)

// corsMaxAge is how long browsers may cache a preflight answer, in seconds.
const corsMaxAge = 600

// newCORS wraps the JSON endpoints with cross-origin handling. Origins in the
// allow list match exactly ("*" admits any origin). Patterns are host globs
// such as "*.lovable.app" and only admit https origins.
func newCORS(origins, patterns []string, next http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowOriginFunc:  originMatcher(origins, patterns),
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           corsMaxAge,
	}).Handler(next)
}

func originMatcher(origins, patterns []string) func(string) bool {
	return func(origin string) bool {
		if slices.Contains(origins, origin) || slices.Contains(origins, "*") {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return false
		}
		host := strings.ToLower(u.Host)
		for _, p := range patterns {
			if ok, _ := path.Match(strings.ToLower(p), host); ok {
				return true
			}
		}
		return false
	}
}
