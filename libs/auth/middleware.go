package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	ContextIdentityKey = "identity"
	ContextRolesKey    = "roles"
)

func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}

		c.Set(ContextIdentityKey, claims.Subject)
		c.Set(ContextRolesKey, claims.Roles)
		c.Next()
	}
}

// IdentityFrom returns the authenticated subject set by Middleware.
func IdentityFrom(c *gin.Context) (string, bool) {
	v, ok := c.Get(ContextIdentityKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
