package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agora-collab/realtime/internal/config"
)

// SetupRouter wires the relay's routes: health, metrics and the per-channel
// websocket endpoint.
func SetupRouter(cfg *config.Config, hub *Hub) *gin.Engine {
	if cfg.Relay.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Relay.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &Server{Hub: hub, Secret: cfg.Relay.Secret}
	r.GET("/ws/:channel", srv.HandleWS)

	return r
}
