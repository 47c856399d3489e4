// Package auth resolves the caller's identity from a signed JWT and maps it to
// the user's document collection.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/studyqa/internal/store"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const UserContextKey ContextKey = "user"

// AnonymousUser is the identity used when authentication is disabled.
const AnonymousUser = "local"

var (
	ErrMissingToken = errors.New("authentication required")
	ErrInvalidToken = errors.New("invalid authentication token")
)

// User is the authenticated caller. ID is opaque and only used as a
// namespace key.
type User struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Collection string `json:"-"`
}

type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type Config struct {
	Enabled   bool
	JwtSecret string
	Issuer    string
	TokenTTL  time.Duration
}

type Authenticator struct {
	secret  []byte
	issuer  string
	ttl     time.Duration
	enabled bool
	now     func() time.Time
}

func New(cfg Config) (*Authenticator, error) {
	if cfg.Enabled && strings.TrimSpace(cfg.JwtSecret) == "" {
		return nil, errors.New("auth enabled but no jwt secret configured")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{
		secret:  []byte(cfg.JwtSecret),
		issuer:  cfg.Issuer,
		ttl:     ttl,
		enabled: cfg.Enabled,
		now:     time.Now,
	}, nil
}

func (a *Authenticator) Enabled() bool { return a.enabled }

// IssueToken signs a token for userID. The identity provider normally does
// this; it is exposed for tooling and tests.
func (a *Authenticator) IssueToken(userID, name string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := a.now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate checks the signature, expiry and issuer and returns the user.
func (a *Authenticator) Validate(tokenString string) (*User, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return newUser(claims.Subject, claims.Name), nil
}

func newUser(id, name string) *User {
	return &User{ID: id, Name: name, Collection: store.CollectionFor(id)}
}

// tokenFromRequest reads a bearer token from the Authorization header, then
// the auth_token cookie.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie("auth_token"); err == nil {
		return c.Value
	}
	return ""
}

// Middleware puts the caller's User in the request context. With auth
// disabled every request runs as AnonymousUser.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled {
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), newUser(AnonymousUser, ""))))
			return
		}

		tokenString := tokenFromRequest(r)
		if tokenString == "" {
			http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
			return
		}
		user, err := a.Validate(tokenString)
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("rejected token")
			http.Error(w, ErrInvalidToken.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, UserContextKey, u)
}

// UserFromContext returns nil when the request was not authenticated.
func UserFromContext(ctx context.Context) *User {
	if u, ok := ctx.Value(UserContextKey).(*User); ok {
		return u
	}
	return nil
}
