package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"homehub/internal/command"
	"homehub/internal/db"
	"homehub/internal/dispatch"
	"homehub/internal/guard"
	"homehub/internal/models"
	"homehub/internal/projector"
	"homehub/internal/web/middleware"
)

// DeviceStore is the persistence slice the device routes need.
type DeviceStore interface {
	GetAllDevices(ctx context.Context) ([]models.Device, error)
	GetDeviceByDeviceID(ctx context.Context, deviceID string) (*models.Device, error)
	InsertDevice(ctx context.Context, dev *models.Device) (int, error)
	UpdateDevice(ctx context.Context, dev *models.Device) error
	DeleteDevice(ctx context.Context, id int) error
}

// DeviceProjector exposes the live device registry.
type DeviceProjector interface {
	Snapshot(deviceID string) (projector.RuntimeState, bool)
	Pending() []command.DiscoveryAnnouncement
	AcceptPending(ctx context.Context, deviceID, name, location string) (*models.Device, error)
	Register(dev models.Device)
	Forget(deviceID string)
}

// Switcher sends relay commands through the guard.
type Switcher interface {
	SwitchRelay(ctx context.Context, deviceID string, relay int, on bool) error
	SwitchAll(ctx context.Context, deviceID string, on bool) error
}

// deviceView is a device record merged with its live runtime state.
type deviceView struct {
	models.Device
	Online bool   `json:"online"`
	Relays []bool `json:"relays"`
}

type switchRequest struct {
	State bool `json:"state"`
}

type acceptRequest struct {
	Name     string `json:"name" binding:"required"`
	Location string `json:"location"`
}

func RegisterDeviceRoutes(r *gin.Engine, mw *middleware.Manager, store DeviceStore, proj DeviceProjector, switcher Switcher) {
	devices := r.Group("/devices")
	devices.Use(mw.RequireAuth())
	{
		devices.GET("", func(c *gin.Context) {
			all, err := store.GetAllDevices(c)
			if err != nil {
				log.Printf("WEB: Failed to fetch devices: %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch devices"})
				return
			}

			views := make([]deviceView, 0, len(all))
			for _, dev := range all {
				view := deviceView{Device: dev, Relays: make([]bool, dev.RelayCount)}
				if snap, ok := proj.Snapshot(dev.DeviceID); ok {
					view.Online = snap.Online
					view.Relays = snap.Relays
				}
				views = append(views, view)
			}
			c.JSON(http.StatusOK, views)
		})

		devices.POST("", func(c *gin.Context) {
			var dev models.Device
			if err := c.ShouldBindJSON(&dev); err != nil || dev.DeviceID == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			if dev.Type == "" {
				dev.Type = models.DeviceTypeRelay
			}
			if len(dev.Settings) == 0 {
				dev.Settings = []byte("{}")
			}
			id, err := store.InsertDevice(c, &dev)
			if err != nil {
				log.Printf("WEB: Failed to insert device %s: %v", dev.DeviceID, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create device"})
				return
			}
			dev.ID = id
			proj.Register(dev)
			c.JSON(http.StatusCreated, dev)
		})

		devices.PUT("/:deviceId", func(c *gin.Context) {
			existing, err := store.GetDeviceByDeviceID(c, c.Param("deviceId"))
			if err != nil {
				if errors.Is(err, db.ErrNotFound) {
					c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch device"})
				return
			}

			var dev models.Device
			if err := c.ShouldBindJSON(&dev); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			dev.ID = existing.ID
			dev.DeviceID = existing.DeviceID
			if err := store.UpdateDevice(c, &dev); err != nil {
				log.Printf("WEB: Failed to update device %s: %v", dev.DeviceID, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update device"})
				return
			}
			proj.Register(dev)
			c.JSON(http.StatusOK, dev)
		})

		devices.DELETE("/:deviceId", func(c *gin.Context) {
			existing, err := store.GetDeviceByDeviceID(c, c.Param("deviceId"))
			if err != nil {
				if errors.Is(err, db.ErrNotFound) {
					c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch device"})
				return
			}
			if err := store.DeleteDevice(c, existing.ID); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete device"})
				return
			}
			proj.Forget(existing.DeviceID)
			c.Status(http.StatusNoContent)
		})

		devices.POST("/:deviceId/relays/:index", func(c *gin.Context) {
			var req switchRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			index, ok := parseRelayIndex(c.Param("index"))
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid relay index"})
				return
			}
			err := switcher.SwitchRelay(c, c.Param("deviceId"), index, req.State)
			respondSwitch(c, err)
		})

		devices.POST("/:deviceId/all", func(c *gin.Context) {
			var req switchRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			err := switcher.SwitchAll(c, c.Param("deviceId"), req.State)
			respondSwitch(c, err)
		})

		devices.GET("/pending", func(c *gin.Context) {
			c.JSON(http.StatusOK, proj.Pending())
		})

		devices.POST("/pending/:deviceId/accept", func(c *gin.Context) {
			var req acceptRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			dev, err := proj.AcceptPending(c, c.Param("deviceId"), req.Name, req.Location)
			if err != nil {
				if errors.Is(err, projector.ErrNotPending) {
					c.JSON(http.StatusNotFound, gin.H{"error": "No such pending device"})
					return
				}
				log.Printf("WEB: Failed to accept device %s: %v", c.Param("deviceId"), err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to accept device"})
				return
			}
			c.JSON(http.StatusCreated, dev)
		})
	}
}

func parseRelayIndex(s string) (int, bool) {
	index, err := strconv.Atoi(s)
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}

// respondSwitch maps guard errors onto HTTP statuses: unknown targets are
// 404, other fatal errors 400, exhausted retries 502.
func respondSwitch(c *gin.Context, err error) {
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"status": "sent"})
		return
	}

	var sendErr *guard.SendError
	if errors.As(err, &sendErr) {
		switch {
		case errors.Is(err, dispatch.ErrUnknownDevice):
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		case sendErr.Kind == guard.Fatal:
			c.JSON(http.StatusBadRequest, gin.H{"error": sendErr.Err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "Device unreachable"})
		}
		return
	}

	log.Printf("WEB: Switch failed: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send command"})
}
