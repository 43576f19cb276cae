/*
auth.go - Bearer-token credential extraction

PURPOSE:
  Validates the Authorization header and turns it into a request-scoped
  billing.Credential. The credential travels through the request context
  and is passed explicitly into every service call; no token or session
  lives in process-wide state.

TOKEN FORMAT:
  HMAC-signed JWT (HS256). The subject claim becomes the actor ID, and an
  optional "role" claim the actor type.

DEV MODE:
  With an empty secret the middleware admits every request with an
  anonymous operator credential, matching how the engine runs in local
  development.

SEE ALSO:
  - handlers.go: CredentialFrom at each call site
*/
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/billing-engine/billing"
)

type contextKey string

const credentialKey contextKey = "billing.credential"

// CredentialFrom returns the request credential, or the anonymous operator
// when the middleware is disabled.
func CredentialFrom(ctx context.Context) billing.Credential {
	if cred, ok := ctx.Value(credentialKey).(billing.Credential); ok {
		return cred
	}
	return billing.Anonymous
}

// BearerAuth validates "Authorization: Bearer <jwt>" and injects the
// resulting credential. An empty secret disables validation.
func BearerAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r.WithContext(
					context.WithValue(r.Context(), credentialKey, billing.Anonymous)))
				return
			}

			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "Invalid bearer token", err)
				return
			}

			cred := billing.Credential{ActorType: "operator"}
			if sub, err := claims.GetSubject(); err == nil {
				cred.ActorID = sub
			}
			if role, ok := claims["role"].(string); ok && role != "" {
				cred.ActorType = role
			}
			if cred.ActorID == "" {
				writeError(w, http.StatusUnauthorized, "Token has no subject", nil)
				return
			}

			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), credentialKey, cred)))
		})
	}
}
