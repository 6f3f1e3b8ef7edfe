// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file identifies the caller. A signed HS256 JWT is read from the
// Authorization bearer header, the auth-token cookie, or (for WebSocket
// upgrades, where browsers cannot set headers) the token query parameter.
// The subject claim becomes the user id stored under "userID".
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// ctxKeyUserID is where the authenticated user id is stored.
	ctxKeyUserID = "userID"

	// AuthCookie is the cookie carrying a token for browser clients.
	AuthCookie = "auth-token"
	// HeaderUserID identifies the caller when authentication is disabled.
	HeaderUserID = "X-User-ID"
	// AnonymousUser is used when authentication is disabled and no
	// X-User-ID header is present.
	AnonymousUser = "anonymous"
)

var (
	errNoToken       = errors.New("not authenticated")
	errInvalidToken  = errors.New("invalid or expired token")
	errInvalidClaims = errors.New("invalid token payload")
)

// AuthOptions configures Authenticate.
type AuthOptions struct {
	// Secret verifies HS256 signatures.
	Secret []byte
	// Disabled trusts the X-User-ID header instead of a token. Development only.
	Disabled bool
}

// Authenticate resolves the caller and stores the user id in the context.
// Requests without a valid token are rejected with 401.
func Authenticate(opts AuthOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.Disabled {
			uid := strings.TrimSpace(c.GetHeader(HeaderUserID))
			if uid == "" {
				uid = AnonymousUser
			}
			setUser(c, uid)
			c.Next()
			return
		}

		uid, err := ParseUserToken(opts.Secret, extractToken(c))
		if err != nil {
			LoggerFrom(c).Debug().Err(err).Msg("authentication failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "unauthorized",
				"message":    err.Error(),
			})
			return
		}
		setUser(c, uid)
		c.Next()
	}
}

// ParseUserToken verifies token and returns its subject.
func ParseUserToken(secret []byte, token string) (string, error) {
	if token == "" {
		return "", errNoToken
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", errInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errInvalidClaims
	}
	return claims.Subject, nil
}

// UserID returns the authenticated user id, or "" when none was set.
func UserID(c *gin.Context) string {
	v, _ := c.Get(ctxKeyUserID)
	return asString(v)
}

func setUser(c *gin.Context, uid string) {
	c.Set(ctxKeyUserID, uid)
	lg := LoggerFrom(c).With().Str("user_id", uid).Logger()
	c.Set(ctxKeyLogger, &lg)
	c.Request = c.Request.WithContext(lg.WithContext(c.Request.Context()))
}

// extractToken checks the bearer header, then the cookie, then ?token=.
func extractToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if v, err := c.Cookie(AuthCookie); err == nil && v != "" {
		return v
	}
	return c.Query("token")
}
