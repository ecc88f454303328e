package task

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	err   error
	calls int
}

func (s *stubClient) EnqueueContext(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &asynq.TaskInfo{Type: t.Type(), Queue: "default"}, nil
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	task := asynq.NewTask("trade:completed", []byte(`{}`))

	t.Run("ok", func(t *testing.T) {
		e := &enqueuer{client: &stubClient{}}
		info, err := e.Enqueue(ctx, task)
		require.NoError(t, err)
		require.Equal(t, "trade:completed", info.Type)
	})

	t.Run("duplicates are not errors", func(t *testing.T) {
		for _, dup := range []error{asynq.ErrTaskIDConflict, asynq.ErrDuplicateTask} {
			e := &enqueuer{client: &stubClient{err: dup}}
			info, err := e.Enqueue(ctx, task, asynq.TaskID("t-1"))
			require.NoError(t, err)
			require.Nil(t, info)
		}
	})

	t.Run("other errors are wrapped", func(t *testing.T) {
		down := errors.New("redis down")
		e := &enqueuer{client: &stubClient{err: down}}
		_, err := e.Enqueue(ctx, task)
		require.ErrorIs(t, err, down)
		require.Contains(t, err.Error(), "enqueue trade:completed")
	})
}
