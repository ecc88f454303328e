package prize

import "go.uber.org/fx"

var Module = fx.Module("prize.service",
	fx.Provide(NewService),
)

var HTTPModule = fx.Module("prize.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

var WorkerModule = fx.Module("prize.worker",
	fx.Invoke(RegisterTaskHandlers),
)
