package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"

	"homehub/internal/db"
	"homehub/internal/models"
	"homehub/internal/web/middleware"
)

// ScheduleStore is the persistence slice the schedule routes need.
// Mutations take effect on the next evaluation tick; the engine re-reads
// active schedules every run, so no locking happens here.
type ScheduleStore interface {
	GetAllSchedules(ctx context.Context) ([]models.Schedule, error)
	GetScheduleByID(ctx context.Context, id int) (*models.Schedule, error)
	InsertSchedule(ctx context.Context, s *models.Schedule) (int, error)
	UpdateSchedule(ctx context.Context, s *models.Schedule) error
	DeleteSchedule(ctx context.Context, id int) error
}

var clockTime = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

func validateSchedule(s *models.Schedule) string {
	if s.Name == "" {
		return "Schedule name is required"
	}
	if s.Time != "sunrise" && s.Time != "sunset" && !clockTime.MatchString(s.Time) {
		return "Time must be HH:mm, sunrise or sunset"
	}
	for _, day := range s.Days {
		if day < 1 || day > 7 {
			return "Days must be ISO weekdays 1-7"
		}
	}
	if len(s.Actions) == 0 {
		return "At least one action is required"
	}
	for _, action := range s.Actions {
		if action.DeviceID == "" || len(action.Action) == 0 {
			return "Every action needs a device and a command"
		}
	}
	return ""
}

func RegisterScheduleRoutes(r *gin.Engine, mw *middleware.Manager, store ScheduleStore) {
	schedules := r.Group("/schedules")
	schedules.Use(mw.RequireAuth())
	{
		schedules.GET("", func(c *gin.Context) {
			all, err := store.GetAllSchedules(c)
			if err != nil {
				log.Printf("WEB: Failed to fetch schedules: %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch schedules"})
				return
			}
			c.JSON(http.StatusOK, all)
		})

		schedules.POST("", func(c *gin.Context) {
			var s models.Schedule
			if err := c.ShouldBindJSON(&s); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			if msg := validateSchedule(&s); msg != "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": msg})
				return
			}
			id, err := store.InsertSchedule(c, &s)
			if err != nil {
				log.Printf("WEB: Failed to insert schedule %s: %v", s.Name, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create schedule"})
				return
			}
			s.ID = id
			c.JSON(http.StatusCreated, s)
		})

		schedules.PUT("/:id", func(c *gin.Context) {
			id, err := strconv.Atoi(c.Param("id"))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid schedule ID"})
				return
			}
			var s models.Schedule
			if err := c.ShouldBindJSON(&s); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			if msg := validateSchedule(&s); msg != "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": msg})
				return
			}
			s.ID = id
			if err := store.UpdateSchedule(c, &s); err != nil {
				if errors.Is(err, db.ErrNotFound) {
					c.JSON(http.StatusNotFound, gin.H{"error": "Schedule not found"})
					return
				}
				log.Printf("WEB: Failed to update schedule %d: %v", id, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update schedule"})
				return
			}
			c.JSON(http.StatusOK, s)
		})

		schedules.DELETE("/:id", func(c *gin.Context) {
			id, err := strconv.Atoi(c.Param("id"))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid schedule ID"})
				return
			}
			if err := store.DeleteSchedule(c, id); err != nil {
				if errors.Is(err, db.ErrNotFound) {
					c.JSON(http.StatusNotFound, gin.H{"error": "Schedule not found"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete schedule"})
				return
			}
			c.Status(http.StatusNoContent)
		})
	}
}
