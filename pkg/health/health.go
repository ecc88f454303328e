package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var Module = fx.Module("health", fx.Provide(ProvideHealth))

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"

	probeTimeout = 2 * time.Second
)

type Dependency struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Critical bool   `json:"critical"`
	Message  string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps,omitempty"`
}

type HealthService interface {
	Liveness(c *gin.Context)
	Readiness(c *gin.Context)
}

type probe struct {
	name     string
	critical bool
	ping     func(ctx context.Context) error
}

type health struct {
	probes []probe
}

type HealthParams struct {
	fx.In
	DB    *gorm.DB      `optional:"true"`
	Redis *redis.Client `optional:"true"`
	Nats  *nats.Conn    `optional:"true"`
}

// ProvideHealth probes whatever the binary wired. Redis only backs the leaderboard cache,
// so losing it degrades readiness without failing it.
func ProvideHealth(p HealthParams) HealthService {
	h := &health{}
	if p.DB != nil {
		h.probes = append(h.probes, probe{name: p.DB.Name(), critical: true, ping: func(ctx context.Context) error {
			sqlDB, err := p.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}})
	}
	if p.Nats != nil {
		h.probes = append(h.probes, probe{name: "nats", critical: true, ping: func(context.Context) error {
			if !p.Nats.IsConnected() {
				return nats.ErrConnectionClosed
			}
			return nil
		}})
	}
	if p.Redis != nil {
		h.probes = append(h.probes, probe{name: "redis", ping: func(ctx context.Context) error {
			return p.Redis.Ping(ctx).Err()
		}})
	}
	return h
}

func (h *health) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &Health{Status: statusHealthy, Message: "OK"})
}

// Readiness runs every probe concurrently. A failed critical probe answers 503.
func (h *health) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	deps := make([]Dependency, len(h.probes))
	var g errgroup.Group
	for i, p := range h.probes {
		g.Go(func() error {
			deps[i] = Dependency{Name: p.name, Status: statusHealthy, Critical: p.critical, Message: "OK"}
			if err := p.ping(ctx); err != nil {
				deps[i].Status = statusUnhealthy
				deps[i].Message = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	res := &Health{Status: statusHealthy, Message: "OK", Deps: deps}
	code := http.StatusOK
	for _, d := range deps {
		if d.Status == statusHealthy {
			continue
		}
		if d.Critical {
			res.Status, res.Message, code = statusUnhealthy, "dependency unavailable", http.StatusServiceUnavailable
			break
		}
		res.Status, res.Message = statusDegraded, "running without "+d.Name
	}

	c.JSON(code, res)
}
