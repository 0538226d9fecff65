package middleware

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// tokenValidator is the slice of the auth module the middleware needs.
type tokenValidator interface {
	ValidateToken(token string) (int, error)
}

type Manager struct {
	auth tokenValidator
}

func NewManager(auth tokenValidator) *Manager {
	return &Manager{auth: auth}
}

// RequireAuth rejects requests without a valid bearer token and stores the
// user ID in the request context.
func (m *Manager) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		userID, err := m.auth.ValidateToken(token)
		if err != nil {
			log.Printf("WEB: Authentication failed: %v", err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			c.Abort()
			return
		}

		c.Set("user_id", userID)
		c.Next()
	}
}
