package attribution

import (
	"context"
	"encoding/json"
	"fmt"

	"competition-engine/pkg/config"
	"competition-engine/pkg/errutil"
	"competition-engine/pkg/logger"
	"competition-engine/pkg/stream"
	"competition-engine/pkg/task"
	"competition-engine/pkg/taskname"

	"github.com/hibiken/asynq"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var errPartial = errutil.New(errutil.StatusServiceUnavailable, "trade partially attributed")

func decode(data []byte) (TradeCompleted, error) {
	var trade TradeCompleted
	if err := json.Unmarshal(data, &trade); err != nil {
		return trade, errutil.BadRequest("malformed trade payload", err)
	}
	return trade, nil
}

// process runs one delivery and reports an error only when a redelivery can help.
func (p *Processor) process(ctx context.Context, data []byte) error {
	trade, err := decode(data)
	if err != nil {
		return err
	}

	result, err := p.OnTradeCompleted(ctx, trade)
	if err != nil {
		return errutil.Unavailable("attribution unavailable", err)
	}
	if n := result.Failed(); n > 0 {
		return fmt.Errorf("%d of %d competitions: %w", n, len(result.Competitions), errPartial)
	}
	return nil
}

// HandleTradeCompletedTask is the asynq entry point for trade:completed.
func (p *Processor) HandleTradeCompletedTask(ctx context.Context, t *asynq.Task) error {
	return task.HandlerError(p.process(ctx, t.Payload()))
}

// HandleMessage is the JetStream entry point: malformed payloads are terminated,
// retryable failures are redelivered.
func (p *Processor) HandleMessage(ctx context.Context, subject string, data []byte) stream.Decision {
	err := p.process(ctx, data)
	if err == nil {
		return stream.Ack
	}

	log := logger.FromContext(ctx).With(zap.String("subject", subject), zap.Error(err))
	if errutil.StatusOf(err) == errutil.StatusBadRequest {
		log.Warn("terminating malformed trade message")
		return stream.Term
	}
	log.Warn("trade message will be redelivered")
	return stream.Nak
}

func RegisterTaskHandlers(mux *asynq.ServeMux, p *Processor) {
	mux.HandleFunc(taskname.TradeCompleted, p.HandleTradeCompletedTask)
}

type SubscriberParams struct {
	fx.In
	Lc        fx.Lifecycle
	Config    *config.Config
	JetStream jetstream.JetStream
	Processor *Processor
}

// RunSubscriber consumes the trade feed for the lifetime of the app.
func RunSubscriber(p SubscriberParams) {
	ctx, cancel := context.WithCancel(context.Background())
	var stop func()

	p.Lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			cfg := p.Config.Nats
			if err := stream.EnsureStream(startCtx, p.JetStream, cfg.Stream, cfg.Subject); err != nil {
				return err
			}
			var err error
			stop, err = stream.Consume(ctx, p.JetStream, stream.ConsumerConfig{
				Stream:  cfg.Stream,
				Subject: cfg.Subject,
				Durable: cfg.ConsumerName,
			}, p.Processor.HandleMessage)
			return err
		},
		OnStop: func(context.Context) error {
			if stop != nil {
				stop()
			}
			cancel()
			return nil
		},
	})
}
