package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/angelmondragon/platefleet-backend/api/responses"
	pkgerrors "github.com/angelmondragon/platefleet-backend/pkg/errors"
	"github.com/angelmondragon/platefleet-backend/pkg/logger"
)

const serviceKeyHeader = "X-Service-Key"

// ServiceKey guards service-to-service endpoints with a shared secret.
// An empty configured key disables the check for local development.
func ServiceKey(key string, logg *logger.Logger) func(http.Handler) http.Handler {
	expected := strings.TrimSpace(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected != "" {
				presented := strings.TrimSpace(r.Header.Get(serviceKeyHeader))
				if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
					responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid service key"))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
