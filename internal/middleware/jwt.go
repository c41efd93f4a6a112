package myMiddleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is who opened the request. Verified is true only when UserID
// came from a valid token rather than the ?userId= query parameter.
type Identity struct {
	UserID   string
	Verified bool
}

// IdentityFrom returns the identity stored by AuthMiddleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// TokenValidator turns a bearer token into a user id.
type TokenValidator interface {
	ValidateToken(tokenString string) (string, error)
}

// HMACValidator validates HS256 tokens issued by the hosted auth service.
// The subject claim is the user id.
type HMACValidator struct {
	secret []byte
}

func NewHMACValidator(secret string) *HMACValidator {
	return &HMACValidator{secret: []byte(secret)}
}

var errMissingSubject = errors.New("token has no subject")

func (v *HMACValidator) ValidateToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", jwt.ErrTokenInvalidClaims
	}
	if claims.Subject == "" {
		return "", errMissingSubject
	}
	return claims.Subject, nil
}

type AuthMiddleware struct {
	validator TokenValidator // nil disables token checks
	required  bool
	logger    *slog.Logger
}

// NewAuthMiddleware builds the identity middleware. With a nil validator
// every request is identified by ?userId= only. When required is set, a
// valid token is mandatory.
func NewAuthMiddleware(v TokenValidator, required bool, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		validator: v,
		required:  required && v != nil,
		logger:    logger.With(slog.String("component", "auth")),
	}
}

func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		// Check Authorization Header
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				tokenString = parts[1]
			}
		}

		// Fallback: Check Query Param
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if am.validator != nil && tokenString != "" {
			userID, err := am.validator.ValidateToken(tokenString)
			if err != nil {
				am.logger.Warn("invalid token", slog.String("remoteAddr", r.RemoteAddr), slog.Any("error", err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := WithIdentity(r.Context(), Identity{UserID: userID, Verified: true})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if am.required {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		ctx := WithIdentity(r.Context(), Identity{UserID: r.URL.Query().Get("userId")})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
