package attribution

import "go.uber.org/fx"

var Module = fx.Module("attribution.service",
	fx.Provide(NewProcessor),
)

// WorkerModule wires the trade feed consumers: the asynq task and the NATS subscriber.
var WorkerModule = fx.Module("attribution.worker",
	fx.Invoke(RegisterTaskHandlers, RunSubscriber),
)
