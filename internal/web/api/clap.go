package api

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"homehub/internal/models"
	"homehub/internal/web/middleware"
)

// ClapSettings reads and writes the clap-trigger singleton.
type ClapSettings interface {
	Setting() models.ClapSetting
	UpdateSetting(ctx context.Context, setting models.ClapSetting) error
}

func RegisterClapRoutes(r *gin.Engine, mw *middleware.Manager, settings ClapSettings) {
	clap := r.Group("/clap-settings")
	clap.Use(mw.RequireAuth())
	{
		clap.GET("", func(c *gin.Context) {
			c.JSON(http.StatusOK, settings.Setting())
		})

		clap.PUT("", func(c *gin.Context) {
			var setting models.ClapSetting
			if err := c.ShouldBindJSON(&setting); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			if setting.TargetRelay < -1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid target relay"})
				return
			}
			if err := settings.UpdateSetting(c, setting); err != nil {
				log.Printf("WEB: Failed to update clap setting: %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update setting"})
				return
			}
			c.JSON(http.StatusOK, setting)
		})
	}
}
