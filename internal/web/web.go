// Package web hosts the HTTP API the dashboard talks to.
package web

import (
	"github.com/gin-gonic/gin"

	"homehub/auth"
	"homehub/internal/web/api"
	"homehub/internal/web/middleware"
)

// Deps collects everything the routes need.
type Deps struct {
	Auth         *auth.Module
	AgentID      string
	DeviceStore  api.DeviceStore
	Projector    api.DeviceProjector
	Switcher     api.Switcher
	Schedules    api.ScheduleStore
	Commands     api.CommandRegistry
	Queue        api.ActionQueue
	Assistant    api.TextExecutor
	ClapSettings api.ClapSettings
}

type Server struct {
	router *gin.Engine
}

func NewServer(deps Deps) *Server {
	router := gin.Default()
	mw := middleware.NewManager(deps.Auth)

	api.RegisterAuthRoutes(router, deps.Auth, deps.AgentID)
	api.RegisterDeviceRoutes(router, mw, deps.DeviceStore, deps.Projector, deps.Switcher)
	api.RegisterScheduleRoutes(router, mw, deps.Schedules)
	api.RegisterCommandRoutes(router, mw, deps.Commands, deps.Queue)
	api.RegisterAssistantRoutes(router, mw, deps.Assistant)
	api.RegisterClapRoutes(router, mw, deps.ClapSettings)

	return &Server{router: router}
}

// Handler exposes the router, used by the remote-access bridge to serve
// relayed requests without a second listener.
func (s *Server) Handler() *gin.Engine {
	return s.router
}

func (s *Server) Start(addr string) error {
	return s.router.Run(addr)
}
