package server

import (
	"errors"
	"net/http"

	"github.com/tjfontaine/polyglot-app-runner/internal/auth"
)

// AuthMiddleware requires a valid app key once any key is configured. The
// authenticator is resolved per request so reloads take effect immediately.
func AuthMiddleware(authn func() *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a := authn()
			if !a.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			key, err := auth.ExtractAPIKey(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
			appID, err := a.ValidateAPIKey(key)
			if err != nil {
				if !errors.Is(err, auth.ErrInvalidKey) {
					AddError(r.Context(), err)
				}
				writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}

			AddLogField(r.Context(), "auth_app_id", appID)
			next.ServeHTTP(w, r.WithContext(auth.WithAppID(r.Context(), appID)))
		})
	}
}

// allowedApp reports whether the caller may use appID. Unauthenticated
// requests only reach handlers when auth is disabled.
func allowedApp(r *http.Request, appID string) bool {
	id, ok := auth.AppIDFromContext(r.Context())
	return !ok || id == appID
}
