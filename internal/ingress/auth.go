package ingress

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/flowforge-io/flowforge/internal/platform/config"
	"github.com/flowforge-io/flowforge/internal/platform/logger"
)

type userIDKey struct{}

// UserID returns the authenticated user id from a request context.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// Claims is the token payload the ingress accepts.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Authenticator validates bearer tokens on API routes.
type Authenticator struct {
	secret   []byte
	disabled bool
	logger   logger.Logger
}

// NewAuthenticator builds the JWT middleware from config.
func NewAuthenticator(cfg config.AuthConfig, log logger.Logger) *Authenticator {
	return &Authenticator{
		secret:   []byte(cfg.JWTSecret),
		disabled: cfg.Disabled,
		logger:   log,
	}
}

// Middleware authenticates requests and stores the user id on the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.disabled {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			// Websocket clients cannot set headers from browsers; accept the
			// token as a query parameter there.
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			unauthorized(w, "missing bearer token")
			return
		}

		claims := &Claims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return a.secret, nil
		})
		if err != nil || !parsed.Valid {
			a.logger.Warn("rejected token", "path", r.URL.Path)
			unauthorized(w, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey{}, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return ""
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":%q}`, message)
}
