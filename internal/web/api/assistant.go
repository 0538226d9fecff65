package api

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"homehub/internal/web/middleware"
)

// TextExecutor resolves free text into dispatched actions.
type TextExecutor interface {
	ExecuteFreeText(ctx context.Context, text string) (string, bool, error)
}

type assistantRequest struct {
	Text string `json:"text" binding:"required"`
}

func RegisterAssistantRoutes(r *gin.Engine, mw *middleware.Manager, exec TextExecutor) {
	assistant := r.Group("/assistant")
	assistant.Use(mw.RequireAuth())
	{
		assistant.POST("/command", func(c *gin.Context) {
			var req assistantRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			name, handled, err := exec.ExecuteFreeText(c, req.Text)
			if err != nil {
				log.Printf("WEB: Assistant command failed: %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to run command"})
				return
			}
			resp := gin.H{"matched": handled}
			if name != "" {
				resp["command"] = name
			}
			c.JSON(http.StatusOK, resp)
		})
	}
}
