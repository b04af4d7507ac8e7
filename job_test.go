package msgsock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartJob_Result(t *testing.T) {
	job := StartJob(context.Background(), "work", 42, func(context.Context, *Job) Result {
		return ResultNoData
	}, LoggerOption(&mockLogger{}))

	assert.Equal(t, ResultNoData, job.WaitTimeout(time.Second))
	assert.Equal(t, "work", job.Name())
	assert.Equal(t, 42, job.Params())
	assert.NoError(t, job.Err())
}

func TestStartJob_NoneBecomesOK(t *testing.T) {
	job := StartJob(context.Background(), "none", nil, func(context.Context, *Job) Result {
		return ResultNone
	}, LoggerOption(&mockLogger{}))

	assert.Equal(t, ResultOK, job.WaitTimeout(time.Second))
}

func TestStartJob_Panic(t *testing.T) {
	logger := &mockLogger{}
	job := StartJob(context.Background(), "panics", nil, func(context.Context, *Job) Result {
		panic("boom")
	}, LoggerOption(logger))

	assert.Equal(t, ResultException, job.WaitTimeout(time.Second))
	require.Error(t, job.Err())
	assert.Contains(t, job.Err().Error(), "boom")

	_, ok := logger.find("job panicked")
	assert.True(t, ok)
}

func TestJob_Wait_TimeoutAndCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	job := StartJob(context.Background(), "blocked", nil, func(context.Context, *Job) Result {
		<-release
		return ResultOK
	}, LoggerOption(&mockLogger{}))

	<-job.Started()
	assert.Equal(t, ResultTimeout, job.WaitTimeout(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, ResultCanceled, job.Wait(ctx))

	assert.Equal(t, ResultNone, job.Result())
	assert.NoError(t, job.Err())
}

func TestJob_ContextReachesFunction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	job := StartJob(ctx, "ctx", nil, func(ctx context.Context, _ *Job) Result {
		<-ctx.Done()
		return ResultCanceled
	}, LoggerOption(&mockLogger{}))

	cancel()

	select {
	case <-job.Done():
	case <-time.After(time.Second):
		t.Fatal("job did not observe cancellation")
	}
	assert.Equal(t, ResultCanceled, job.Result())
}

func TestResult_String(t *testing.T) {
	tests := map[Result]string{
		ResultNone:         "none",
		ResultOK:           "ok",
		ResultKO:           "ko",
		ResultException:    "exception",
		ResultTimeout:      "timeout",
		ResultCanceled:     "canceled",
		ResultNoData:       "no-data",
		ResultSendError:    "send-error",
		ResultReceiveError: "receive-error",
		Result(99):         "unknown",
	}
	for r, want := range tests {
		assert.Equal(t, want, r.String())
	}
}
