// Package outbox emits follow-up work after a database commit. Emission is
// fire-and-forget: a failed enqueue is logged and counted, never returned to the caller.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"competition-engine/pkg/logger"
	"competition-engine/pkg/task"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("outbox", fx.Provide(New))

var emitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "outbox_emit_total",
	Help: "Outbox emissions by task type and result",
}, []string{"task_type", "result"})

type Emitter interface {
	Emit(ctx context.Context, taskType string, payload any, opts ...asynq.Option)
}

type asynqEmitter struct {
	enqueuer task.Enqueuer
}

func New(enqueuer task.Enqueuer) Emitter {
	return &asynqEmitter{enqueuer: enqueuer}
}

func (e *asynqEmitter) Emit(ctx context.Context, taskType string, payload any, opts ...asynq.Option) {
	log := logger.FromContext(ctx).With(zap.String("task_type", taskType))

	b, err := json.Marshal(payload)
	if err != nil {
		emitted.WithLabelValues(taskType, "marshal_error").Inc()
		log.Error("failed to marshal outbox payload", zap.Error(err))
		return
	}

	// the caller's transaction already committed; a cancelled request must not drop the event
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()

	opts = append([]asynq.Option{asynq.MaxRetry(5)}, opts...)
	if _, err := e.enqueuer.Enqueue(ctx, asynq.NewTask(taskType, b), opts...); err != nil {
		emitted.WithLabelValues(taskType, "error").Inc()
		log.Warn("failed to emit outbox task", zap.Error(err))
		return
	}
	emitted.WithLabelValues(taskType, "ok").Inc()
}

// Noop drops every emission. Used when no task queue is wired.
type Noop struct{}

func (Noop) Emit(context.Context, string, any, ...asynq.Option) {}
