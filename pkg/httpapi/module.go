package httpapi

import (
	"competition-engine/pkg/health"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Invoke(RegisterOperationalRoutes),
)

// RegisterOperationalRoutes mounts liveness, readiness and the prometheus scrape endpoint.
func RegisterOperationalRoutes(r *gin.Engine, h health.HealthService) {
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
