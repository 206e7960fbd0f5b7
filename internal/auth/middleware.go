package auth

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/giftescrow/internal/failure"
	"github.com/mbd888/giftescrow/internal/logging"
)

const (
	// ContextKeyUserID is the gin context key for the authenticated user id.
	ContextKeyUserID = "authUserID"
	// ContextKeyClaims is the gin context key for the verified claims.
	ContextKeyClaims = "authClaims"
)

// Middleware verifies a bearer token when one is present and stores the user
// id in the gin and request contexts. It never rejects; see RequireAuth.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.Next()
			return
		}
		claims, err := v.Verify(token)
		if err != nil {
			logging.L(c.Request.Context()).Debug("rejected session token", "error", err)
			c.Next()
			return
		}
		c.Set(ContextKeyUserID, claims.Subject)
		c.Set(ContextKeyClaims, claims)
		c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), claims.Subject))
		c.Next()
	}
}

// RequireAuth rejects requests without a verified session.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			failure.Abort(c, failure.Unauthenticated())
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// IsAuthenticated reports whether the request carries a verified session.
func IsAuthenticated(c *gin.Context) bool {
	return UserID(c) != ""
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if h == "" {
		// Browsers cannot set headers on websocket upgrades.
		if c.IsWebsocket() {
			return c.Query("access_token")
		}
		return ""
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
