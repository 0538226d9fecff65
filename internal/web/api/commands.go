package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"homehub/internal/db"
	"homehub/internal/models"
	"homehub/internal/registry"
	"homehub/internal/taskqueue"
	"homehub/internal/web/middleware"
)

// CommandRegistry is the slice of the custom command registry the routes
// need.
type CommandRegistry interface {
	Create(ctx context.Context, cmd *models.CustomCommand) error
	List(ctx context.Context) ([]models.CustomCommand, error)
	Delete(ctx context.Context, id int) error
	GetByName(ctx context.Context, name string) (*models.CustomCommand, error)
}

// ActionQueue enqueues relay actions for the workers.
type ActionQueue interface {
	EnqueueActions(source string, actions []taskqueue.Action) error
}

type executeRequest struct {
	Name string `json:"name" binding:"required"`
}

func RegisterCommandRoutes(r *gin.Engine, mw *middleware.Manager, reg CommandRegistry, queue ActionQueue) {
	commands := r.Group("/custom-commands")
	commands.Use(mw.RequireAuth())
	{
		commands.GET("", func(c *gin.Context) {
			all, err := reg.List(c)
			if err != nil {
				log.Printf("WEB: Failed to fetch custom commands: %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch commands"})
				return
			}
			c.JSON(http.StatusOK, all)
		})

		commands.POST("", func(c *gin.Context) {
			var cmd models.CustomCommand
			if err := c.ShouldBindJSON(&cmd); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			if err := reg.Create(c, &cmd); err != nil {
				switch {
				case errors.Is(err, registry.ErrDuplicateName):
					c.JSON(http.StatusConflict, gin.H{"error": "Command name already exists"})
				case errors.Is(err, registry.ErrNoActions):
					c.JSON(http.StatusBadRequest, gin.H{"error": "At least one action is required"})
				default:
					log.Printf("WEB: Failed to create command %s: %v", cmd.Name, err)
					c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create command"})
				}
				return
			}
			c.JSON(http.StatusCreated, cmd)
		})

		commands.DELETE("/:id", func(c *gin.Context) {
			id, err := strconv.Atoi(c.Param("id"))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid command ID"})
				return
			}
			if err := reg.Delete(c, id); err != nil {
				if errors.Is(err, db.ErrNotFound) {
					c.JSON(http.StatusNotFound, gin.H{"error": "Command not found"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete command"})
				return
			}
			c.Status(http.StatusNoContent)
		})

		commands.POST("/execute", func(c *gin.Context) {
			var req executeRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			cmd, err := reg.GetByName(c, req.Name)
			if err != nil {
				if errors.Is(err, db.ErrNotFound) {
					c.JSON(http.StatusNotFound, gin.H{"error": "Command not found"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to execute command"})
				return
			}

			actions := make([]taskqueue.Action, len(cmd.Actions))
			for i, a := range cmd.Actions {
				actions[i] = taskqueue.Action{Relay: a.Relay, State: a.State}
			}
			if err := queue.EnqueueActions("command:"+cmd.Name, actions); err != nil {
				log.Printf("WEB: Failed to enqueue command %s: %v", cmd.Name, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to execute command"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "queued", "command": cmd.Name})
		})
	}
}
