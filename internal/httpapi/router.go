// Package httpapi is the REST surface: profiles, matchmaking, conversations,
// messages, reports and blocks, plus health and Prometheus metrics.
package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/whisper/anonyconnect/internal/logging"
	"github.com/whisper/anonyconnect/internal/metrics"
)

// RouterConfig tunes the gin engine.
type RouterConfig struct {
	CORSOrigin string
}

// NewRouter builds the gin engine with logging, recovery and CORS
// middleware and every route registered.
func NewRouter(cfg RouterConfig, h *Handler, logger *zap.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(logging.GinLogger(logger.Named("http")))
	engine.Use(logging.GinRecovery(logger.Named("http"), true))

	corsConfig := cors.DefaultConfig()
	if cfg.CORSOrigin == "" || cfg.CORSOrigin == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = []string{cfg.CORSOrigin}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type"}
	engine.Use(cors.New(corsConfig))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	h.Register(engine)
	return engine
}
