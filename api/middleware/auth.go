package middleware

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/platefleet-backend/api/responses"
	pkgAuth "github.com/angelmondragon/platefleet-backend/pkg/auth"
	"github.com/angelmondragon/platefleet-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/platefleet-backend/pkg/errors"
	"github.com/angelmondragon/platefleet-backend/pkg/logger"
)

const jwtCookieName = "jwt"

// Auth validates a bearer token (or the jwt cookie) and seeds the request
// context with the caller identity.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseAccessToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			identity := claims.Identity()
			ctx := WithIdentity(r.Context(), identity)
			if logg != nil {
				ctx = logg.WithUserID(ctx, identity.UserID.String())
				ctx = logg.WithActorRole(ctx, string(identity.Role))
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
		if token := strings.TrimSpace(raw[7:]); token != "" {
			return token
		}
	}
	if cookie, err := r.Cookie(jwtCookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}
