// Package stream connects to NATS JetStream and runs durable pull consumers.
package stream

import (
	"context"
	"fmt"
	"time"

	"competition-engine/pkg/config"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("nats",
	fx.Provide(Connect, NewJetStream),
)

// Connect dials NATS with unlimited reconnects and drains the connection on stop.
func Connect(lc fx.Lifecycle, cfg *config.Config) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.Nats.URL,
		nats.Name(cfg.AppName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			zap.L().Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			zap.L().Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.Nats.URL, err)
	}
	zap.L().Info("connected to nats", zap.String("url", cfg.Nats.URL))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return nc.Drain()
		},
	})
	return nc, nil
}

func NewJetStream(nc *nats.Conn) (jetstream.JetStream, error) {
	return jetstream.New(nc)
}

// EnsureStream creates or updates the stream that carries subject.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, subject string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}

// Decision tells the consumer what to do with a message once handled.
type Decision int

const (
	Ack Decision = iota
	Nak
	Term
)

// Handler processes one message payload.
type Handler func(ctx context.Context, subject string, data []byte) Decision

type ConsumerConfig struct {
	Stream     string
	Subject    string
	Durable    string
	AckWait    time.Duration
	MaxDeliver int
}

// Consume attaches a durable explicit-ack consumer and dispatches every message to h.
// The returned stop function halts delivery.
func Consume(ctx context.Context, js jetstream.JetStream, cfg ConsumerConfig, h Handler) (func(), error) {
	if cfg.AckWait == 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = 5
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", cfg.Durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		log := zap.L().With(zap.String("subject", msg.Subject()), zap.String("consumer", cfg.Durable))

		var ackErr error
		switch h(context.WithoutCancel(ctx), msg.Subject(), msg.Data()) {
		case Ack:
			ackErr = msg.Ack()
		case Term:
			ackErr = msg.Term()
		default:
			ackErr = msg.Nak()
		}
		if ackErr != nil {
			log.Warn("failed to acknowledge message", zap.Error(ackErr))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", cfg.Durable, err)
	}

	zap.L().Info("subscribed", zap.String("subject", cfg.Subject), zap.String("consumer", cfg.Durable))
	return cc.Stop, nil
}
