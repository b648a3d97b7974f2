package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/GoCodeAlone/conductor/orchestrator"
)

// HeaderUserID carries the caller when no token secret is configured.
const HeaderUserID = "X-User-ID"

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid token")

type verifiedKey struct{}

// verifiedCaller returns the caller proven by a token. Callers named only by
// the X-User-ID header are not verified.
func verifiedCaller(ctx context.Context) (string, bool) {
	if ok, _ := ctx.Value(verifiedKey{}).(bool); !ok {
		return "", false
	}
	return orchestrator.CallerFromContext(ctx)
}

// IssueToken signs an HS256 token for subject.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// verifyToken validates an HS256 token and returns its subject.
func verifyToken(secret, raw string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// bearer extracts a token from the Authorization header, or from the token
// query parameter for EventSource and WebSocket clients that cannot set
// headers.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// identity attaches the caller to the request context. Requests without
// credentials pass through anonymously; no access decisions are made here.
func (s *Server) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.auth.Secret != "" {
			if raw := bearer(r); raw != "" {
				subject, err := verifyToken(s.auth.Secret, raw)
				if err != nil {
					writeJSONError(w, http.StatusUnauthorized, err.Error())
					return
				}
				ctx = orchestrator.WithCaller(ctx, subject)
				ctx = context.WithValue(ctx, verifiedKey{}, true)
			}
		} else if id := strings.TrimSpace(r.Header.Get(HeaderUserID)); id != "" {
			ctx = orchestrator.WithCaller(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
