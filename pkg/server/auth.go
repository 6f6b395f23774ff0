package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/model"
	"github.com/m-mizutani/plume/pkg/utils/logging"
)

type ctxIdentityKey struct{}

// IdentityFrom returns the authenticated identity of the request.
func IdentityFrom(ctx context.Context) model.Identity {
	if identity, ok := ctx.Value(ctxIdentityKey{}).(model.Identity); ok {
		return identity
	}
	return model.AnonymousIdentity
}

func withIdentity(ctx context.Context, identity model.Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey{}, identity)
}

const identityHeader = "X-Plume-User"

var (
	errMissingToken      = goerr.New("bearer token is required")
	errUnexpectedSigning = goerr.New("unexpected token signing method")
	errInvalidToken      = goerr.New("invalid token")
)

// authMiddleware resolves the caller's identity. With a JWT secret
// configured, a valid HS256 bearer token is required and its subject
// claim becomes the identity. Without a secret the identity is taken
// from the X-Plume-User header, defaulting to anonymous.
type authMiddleware struct {
	secret []byte
}

func (m *authMiddleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.identify(r)
		if err != nil {
			logging.From(r.Context()).Warn("rejected unauthenticated request",
				"path", r.URL.Path, "error", err)
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}

		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
	})
}

func (m *authMiddleware) identify(r *http.Request) (model.Identity, error) {
	if len(m.secret) == 0 {
		if from := r.Header.Get(identityHeader); from != "" {
			return model.Identity(from), nil
		}
		return model.AnonymousIdentity, nil
	}

	header := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		return "", errMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errUnexpectedSigning
		}
		return m.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.Subject == "" {
		return "", errInvalidToken
	}

	return model.Identity(claims.Subject), nil
}
