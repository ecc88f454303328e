package task

import (
	"errors"
	"testing"

	"competition-engine/pkg/errutil"
	"competition-engine/pkg/taskname"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func TestHandlerError(t *testing.T) {
	require.NoError(t, HandlerError(nil))

	bad := errutil.BadRequest("bad payload", nil)
	err := HandlerError(bad)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorIs(t, err, bad)

	require.ErrorIs(t, HandlerError(errutil.NotFound("competition not found", nil)), asynq.SkipRetry)

	timeout := errutil.Timeout("lock", nil)
	require.NotErrorIs(t, HandlerError(timeout), asynq.SkipRetry)

	plain := errors.New("db down")
	require.Equal(t, plain, HandlerError(plain))
}

func TestServedQueues(t *testing.T) {
	require.Contains(t, servedQueues, taskname.QueueCritical)
	require.Contains(t, servedQueues, taskname.QueueDefault)
	require.NotContains(t, servedQueues, taskname.QueueLow)
	require.Greater(t, servedQueues[taskname.QueueCritical], servedQueues[taskname.QueueDefault])
}
