package task

import (
	"context"
	"errors"
	"fmt"

	"competition-engine/pkg/logger"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Enqueuer hands tasks to the queue. Tasks carrying an asynq.TaskID or asynq.Unique
// option that collide with an existing task are reported as enqueued with a nil info.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueueClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuer struct {
	client enqueueClient
}

func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuer{client: client}
}

func (e *enqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	switch {
	case err == nil:
		return info, nil
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		logger.FromContext(ctx).Debug("task already enqueued", zap.String("task_type", task.Type()))
		return nil, nil
	default:
		return nil, fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
}
