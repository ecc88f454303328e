package leaderboard

import (
	"competition-engine/services/competition"

	"go.uber.org/fx"
)

// Module provides the cache and binds it as the competition service's invalidator.
var Module = fx.Module("leaderboard.service",
	fx.Provide(
		NewCache,
		func(c *Cache) competition.CacheInvalidator { return c },
		NewService,
		NewRefresher,
	),
)

var HTTPModule = fx.Module("leaderboard.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

var SchedulerModule = fx.Module("leaderboard.scheduler",
	fx.Invoke(RunScheduler),
)
