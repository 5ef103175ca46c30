package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"fertyflow.org/internal/auth"
	"fertyflow.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var errMissingToken = errors.New("missing bearer token")

// RequireAuth resolves the bearer token into claims and rejects the request
// when that fails.
func (a *API) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, token, err := a.authenticate(r)
		if err != nil {
			switch {
			case errors.Is(err, errMissingToken):
				writeError(w, r, http.StatusUnauthorized, "Access token required", nil)
			case errors.Is(err, auth.ErrTokenExpired):
				writeError(w, r, http.StatusUnauthorized, "Token expired", nil)
			case errors.Is(err, auth.ErrTokenInvalid):
				writeError(w, r, http.StatusUnauthorized, "Invalid token", nil)
			case errors.Is(err, auth.ErrUserInactive):
				writeError(w, r, http.StatusUnauthorized, "User not found or inactive", nil)
			default:
				a.internalError(w, r, err, "Authentication service error")
			}
			return
		}
		next.ServeHTTP(w, a.withSession(r, claims, token))
	})
}

// OptionalAuth attaches claims when a valid token is presented and otherwise
// lets the request through anonymously.
func (a *API) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, token, err := a.authenticate(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, a.withSession(r, claims, token))
	})
}

func (a *API) authenticate(r *http.Request) (*auth.Claims, string, error) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		return nil, "", errMissingToken
	}
	claims, err := a.svc.Authenticate(r.Context(), token)
	obs.RecordTokenVerification("access", verificationResult(err))
	if err != nil {
		return nil, "", err
	}
	return claims, token, nil
}

func (a *API) withSession(r *http.Request, claims *auth.Claims, token string) *http.Request {
	ctx := auth.ContextWithClaims(r.Context(), claims)
	ctx = auth.ContextWithToken(ctx, token)
	setLogUser(ctx, claims.UserID)
	return r.WithContext(ctx)
}

func verificationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, auth.ErrTokenExpired):
		return "expired"
	case errors.Is(err, auth.ErrTokenInvalid):
		return "invalid"
	case errors.Is(err, auth.ErrUserInactive):
		return "inactive"
	default:
		return "error"
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingToken
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}
