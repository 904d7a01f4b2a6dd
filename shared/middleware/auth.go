package middleware

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/plexara/control-plane/shared/models"
	"github.com/plexara/control-plane/shared/utils"
)

// AuthMiddleware validates locally issued JWTs against the Redis session
// store.
type AuthMiddleware struct {
	secret []byte
}

// Claims are the JWT claims issued by the auth service.
type Claims struct {
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{secret: []byte(secret)}
}

// RequireAuth validates the bearer token and loads the session profile into
// the gin context. A valid signature is not enough: the session must still
// exist in Redis, so revocation takes effect immediately.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			utils.UnauthorizedResponse(c, "Authorization token required")
			c.Abort()
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return am.secret, nil
		})
		if err != nil || !token.Valid {
			utils.UnauthorizedResponse(c, "Invalid or expired token")
			c.Abort()
			return
		}

		session, err := utils.GetTokenSession(tokenString)
		if err != nil {
			utils.UnauthorizedResponse(c, "Session expired or revoked")
			c.Abort()
			return
		}

		c.Set("user_id", session.UserProfile.UserID)
		c.Set("user_profile", session.UserProfile)
		c.Next()
	}
}

// RequireAdmin gates a route to platform administrators. Must run after
// RequireAuth.
func (am *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		profile, ok := CurrentUserProfile(c)
		if !ok || !profile.IsAdmin {
			utils.ForbiddenResponse(c, "Administrator access required")
			c.Abort()
			return
		}
		c.Next()
	}
}

// CurrentUserID returns the authenticated user id set by RequireAuth.
func CurrentUserID(c *gin.Context) (uuid.UUID, bool) {
	value, exists := c.Get("user_id")
	if !exists {
		return uuid.Nil, false
	}
	id, ok := value.(uuid.UUID)
	return id, ok
}

// CurrentUserProfile returns the session profile set by RequireAuth.
func CurrentUserProfile(c *gin.Context) (models.UserProfile, bool) {
	value, exists := c.Get("user_profile")
	if !exists {
		return models.UserProfile{}, false
	}
	profile, ok := value.(models.UserProfile)
	return profile, ok
}

// extractToken pulls the bearer token from the Authorization header.
func extractToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
