package ledger

import (
	"competition-engine/services/referral"

	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(
		NewService,
		func(s *referral.Service) ReferralLookup { return s },
	),
)

var HTTPModule = fx.Module("ledger.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
