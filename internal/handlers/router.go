package handlers

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/retina-check/internal/logging"
	"github.com/example/retina-check/internal/metrics"
)

// NewRouter builds the engine with recovery, request logging, metrics and CORS
// for the browser front end. m may be nil.
func NewRouter(logger *zap.Logger, m *metrics.Metrics, allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	router.Use(gin.Recovery(), logging.RequestLogger(logger))
	if m != nil {
		router.Use(m.Middleware())
	}
	router.Use(cors.New(corsConfig(allowedOrigins)))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}
	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}
