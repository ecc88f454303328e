package competition

import "go.uber.org/fx"

var Module = fx.Module("competition.service",
	fx.Provide(NewService),
)

var HTTPModule = fx.Module("competition.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
