// Package auth authenticates end users from bearer tokens issued by the
// application's identity provider.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	cperrors "github.com/inkdesk/studiocp/internal/errors"
	"github.com/inkdesk/studiocp/internal/studiocp/provisioning"
	"github.com/rs/zerolog/log"
)

type contextKey struct{}

// Claims is the subset of token claims the control plane reads.
type Claims struct {
	Email string `json:"email"`
	// EmailVerified is optional; when present and false the email is not
	// trusted for provider lookups.
	EmailVerified *bool `json:"email_verified,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	secret   []byte
	audience string
}

// NewVerifier creates a Verifier. audience is optional.
func NewVerifier(secret, audience string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &Verifier{secret: []byte(secret), audience: strings.TrimSpace(audience)}, nil
}

// Verify parses a raw token and returns the caller identity.
func (v *Verifier) Verify(raw string) (provisioning.Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return provisioning.Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return provisioning.Identity{}, jwt.ErrTokenSignatureInvalid
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return provisioning.Identity{}, fmt.Errorf("token has no subject: %w", jwt.ErrTokenInvalidClaims)
	}

	id := provisioning.Identity{UserID: sub}
	if claims.EmailVerified == nil || *claims.EmailVerified {
		id.Email = strings.ToLower(strings.TrimSpace(claims.Email))
	}
	return id, nil
}

// Authenticate extracts and verifies the bearer token of r.
func (v *Verifier) Authenticate(r *http.Request) (provisioning.Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return provisioning.Identity{}, jwt.ErrTokenMalformed
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return provisioning.Identity{}, jwt.ErrTokenMalformed
	}
	return v.Verify(strings.TrimSpace(parts[1]))
}

// RequireAuth rejects requests without a valid bearer token and stores the
// identity on the request context.
func (v *Verifier) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := v.Authenticate(r)
		if err != nil {
			if !errors.Is(err, jwt.ErrTokenMalformed) {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("Bearer token rejected")
			}
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id provisioning.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFromContext returns the identity stored by RequireAuth.
func IdentityFromContext(ctx context.Context) (provisioning.Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(provisioning.Identity)
	return id, ok && id.UserID != ""
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="studiocp"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"kind":      cperrors.KindAuthentication,
			"message":   "Authentication required",
			"retryable": false,
		},
	})
}
