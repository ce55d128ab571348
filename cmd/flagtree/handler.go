package main

import (
	"fmt"
	"net/http"

	"github.com/matt-riley/flagtree/internal/config"
	"github.com/matt-riley/flagtree/internal/middleware"
)

// newHTTPHandler exposes /v1/ behind bearer auth when a validator is set,
// and /healthz and /metrics without it. Nothing else is routed.
func newHTTPHandler(apiHandler http.Handler, validator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protected := apiHandler
	if validator != nil {
		protected = middleware.HTTPBearerAuthMiddleware(validator, opts...)(apiHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", protected)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}

// readOnly rejects every method that could change state.
func readOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// newTokenValidator returns nil when API_TOKEN_HASH is unset.
func newTokenValidator(cfg config.Config) (middleware.TokenValidator, error) {
	if !cfg.AuthEnabled() {
		return nil, nil
	}
	validator, err := middleware.NewTokenHash(cfg.APITokenHash)
	if err != nil {
		return nil, fmt.Errorf("API_TOKEN_HASH: %w", err)
	}
	return validator, nil
}
