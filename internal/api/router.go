package api

import (
	"net/http"
	"time"

	"machines/internal/eventbus"
	"machines/internal/session"

	"github.com/gin-gonic/gin"
)

func NewRouter(manager *session.Manager, query *session.QueryService, bus eventbus.EventBus) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())
	r.Use(RequestIDMiddleware())

	// Global health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:    "ok",
			Timestamp: formatTime(time.Now()),
		})
	})

	machineHandler := NewMachineHandler(manager, query)
	eventsHandler := NewEventsHandler(query, bus)

	v1 := r.Group("/api/v1")
	{
		machines := v1.Group("/machines")
		{
			machines.POST("", machineHandler.RequestMachine)
			machines.GET("", machineHandler.ListMachines)
			machines.GET("/history", machineHandler.ListHistory)
			machines.GET("/:id", machineHandler.GetMachine)
			machines.DELETE("/:id", machineHandler.TerminateMachine)
			machines.POST("/:id/command", machineHandler.ExecuteCommand)
			machines.GET("/:id/vpn", machineHandler.FetchVPNProfile)
			machines.GET("/:id/events", eventsHandler.StreamEvents)
		}
	}

	return r
}
