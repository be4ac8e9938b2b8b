// Package auth handles inbound API authentication: bcrypt password
// login issuing HS256 JWTs, and middleware that resolves the bearer
// token into a tenant and user identity on the request context.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	apperrors "integration-hub/internal/common/errors"
	"integration-hub/internal/common/logging"
	"integration-hub/internal/storage"
)

type contextKey string

const identityKey contextKey = "identity"

// DefaultTokenTTL bounds how long an issued token stays valid.
const DefaultTokenTTL = 24 * time.Hour

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	UserID   string
	TenantID string
	Email    string
}

// Claims is the JWT payload for issued tokens.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	jwt.RegisteredClaims
}

type Auth struct {
	storage  storage.Storage
	secret   []byte
	tokenTTL time.Duration
	logger   logging.Logger
}

func New(store storage.Storage, secret string, logger logging.Logger) *Auth {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Auth{
		storage:  store,
		secret:   []byte(secret),
		tokenTTL: DefaultTokenTTL,
		logger:   logger,
	}
}

// HashPassword produces a bcrypt hash for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", apperrors.InternalError("failed to hash password", err)
	}
	return string(hash), nil
}

// Login validates credentials and returns a signed token plus the
// authenticated user. Unknown email and wrong password produce the
// same error so callers cannot probe for accounts.
func (a *Auth) Login(email, password string) (string, *storage.User, error) {
	user, err := a.storage.GetUserByEmail(email)
	if err != nil {
		return "", nil, apperrors.AuthError("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, apperrors.AuthError("invalid credentials")
	}

	token, err := a.issueToken(user)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

func (a *Auth) issueToken(user *storage.User) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		TenantID: user.TenantID,
		Email:    user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", apperrors.InternalError("failed to sign token", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a bearer token.
func (a *Auth) ValidateToken(tokenString string) (*Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.AuthError("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperrors.AuthError("invalid or expired token")
	}

	return &Identity{
		UserID:   claims.Subject,
		TenantID: claims.TenantID,
		Email:    claims.Email,
	}, nil
}

// RequireAuth rejects requests without a valid bearer token and puts
// the resolved identity on the context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			unauthorized(w)
			return
		}

		identity, err := a.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			a.logger.Debug("Rejected request with invalid token",
				logging.Field{Key: "path", Value: r.URL.Path})
			unauthorized(w)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error": "authentication required"}`))
}

// IdentityFromContext returns the authenticated caller, or nil when
// the request did not pass through RequireAuth.
func IdentityFromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(identityKey).(*Identity)
	return identity
}
