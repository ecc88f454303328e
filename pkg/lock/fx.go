package lock

import (
	"competition-engine/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lock",
	fx.Provide(NewLocker),
)

type Params struct {
	fx.In
	Config *config.Config
	Redis  *redis.Client `optional:"true"`
}

// NewLocker uses redis when LOCK.BACKEND=redis and a client is wired, the in-process locker otherwise.
func NewLocker(p Params) Locker {
	if p.Config.Lock.Backend == "redis" && p.Redis != nil {
		return NewRedisLocker(p.Redis)
	}
	zap.L().Warn("using in-process locker; named locks are not shared across replicas")
	return NewLocalLocker()
}
