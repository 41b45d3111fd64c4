package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/liveroom/internal/logger"
	"github.com/mossy-p/liveroom/internal/middleware"
	"github.com/mossy-p/liveroom/internal/models"
	"github.com/rs/zerolog"
)

// RouterConfig holds everything the HTTP surface needs.
type RouterConfig struct {
	JWTSecret      string
	AllowedOrigins []string
	Hub            *Hub
	Rooms          *RoomHandler
	Metrics        http.Handler
	Logger         zerolog.Logger

	// Ready reports dependency health for /health; nil means always ready.
	Ready func(ctx context.Context) error
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.GinMiddleware(cfg.Logger))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		if cfg.Ready != nil {
			if err := cfg.Ready(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	auth := middleware.JWTAuth(cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))

		if cfg.Rooms != nil {
			apiGroup.POST("/rooms", auth, middleware.RequireRole(models.RoleHost), cfg.Rooms.CreateRoom)
			apiGroup.GET("/rooms/:roomId", cfg.Rooms.GetRoom)
			apiGroup.DELETE("/rooms/:roomId", auth, middleware.RequireRole(models.RoleHost), cfg.Rooms.DeleteRoom)
		}
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal", auth, cfg.Hub.HandleSignaling)
	}

	return router
}
