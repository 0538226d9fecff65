package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"homehub/auth"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Email    string `json:"email"`
}

func RegisterAuthRoutes(router *gin.Engine, authModule *auth.Module, agentID string) {
	r := router.Group("/auth")
	{
		r.POST("/login", func(c *gin.Context) {
			var req loginRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			token, err := authModule.Login(c, req.Username, req.Password)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"token": token})
		})

		r.POST("/register", func(c *gin.Context) {
			var req registerRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			token, err := authModule.Register(c, req.Username, req.Password, req.Email)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusCreated, gin.H{"token": token})
		})

		// The UI needs the agent ID to reach this backend through the
		// public relay.
		r.GET("/agent", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"agentId": agentID})
		})
	}
}
