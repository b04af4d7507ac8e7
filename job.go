package msgsock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Result is the outcome code of a Job.
type Result int32

// Job result codes.
const (
	// ResultNone means the job has not finished.
	ResultNone Result = iota
	ResultOK
	ResultKO
	// ResultException means the job function panicked.
	ResultException
	ResultTimeout
	ResultCanceled
	// ResultNoData means a reply was expected but came back empty.
	ResultNoData
	ResultSendError
	ResultReceiveError
)

func (r Result) String() string {
	switch r {
	case ResultNone:
		return "none"
	case ResultOK:
		return "ok"
	case ResultKO:
		return "ko"
	case ResultException:
		return "exception"
	case ResultTimeout:
		return "timeout"
	case ResultCanceled:
		return "canceled"
	case ResultNoData:
		return "no-data"
	case ResultSendError:
		return "send-error"
	case ResultReceiveError:
		return "receive-error"
	default:
		return "unknown"
	}
}

// JobFunc is the work a Job runs. The returned code becomes the job result.
type JobFunc func(ctx context.Context, job *Job) Result

// Job runs a function on its own goroutine and reports a result code.
type Job struct {
	name   string
	params any
	logger Logger

	started chan struct{}
	done    chan struct{}
	result  atomic.Int32
	err     error
}

// StartJob runs fn on a new goroutine and returns immediately.
// A panic inside fn is recovered and reported as ResultException.
func StartJob(ctx context.Context, name string, params any, fn JobFunc, opt ...Option) *Job {
	opts := buildOptions(opt...)
	j := &Job{
		name:    name,
		params:  params,
		logger:  loggerWith(opts.logger, "job", name),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}

	go j.run(ctx, fn)
	return j
}

func (j *Job) run(ctx context.Context, fn JobFunc) {
	defer close(j.done)
	defer func() {
		if r := recover(); r != nil {
			j.err = errors.Errorf("job panic: %v", r)
			j.result.Store(int32(ResultException))
			j.logger.Error("job panicked", "error", j.err)
		}
	}()

	close(j.started)
	j.logger.Debug("job started")

	result := fn(ctx, j)
	if result == ResultNone {
		result = ResultOK
	}
	j.result.Store(int32(result))
	j.logger.Debug("job finished", "result", result.String())
}

// Name returns the job name.
func (j *Job) Name() string { return j.name }

// Params returns the parameters the job was started with.
func (j *Job) Params() any { return j.params }

// Started is closed once the job function begins.
func (j *Job) Started() <-chan struct{} { return j.started }

// Done is closed once the job function returns.
func (j *Job) Done() <-chan struct{} { return j.done }

// Result returns the result code, or ResultNone while the job is running.
func (j *Job) Result() Result { return Result(j.result.Load()) }

// Err returns the recovered panic of a job that ended with ResultException.
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx is done. An expired deadline
// yields ResultTimeout and a cancellation ResultCanceled; the job keeps running.
func (j *Job) Wait(ctx context.Context) Result {
	select {
	case <-j.done:
		return j.Result()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ResultTimeout
		}
		return ResultCanceled
	}
}

// WaitTimeout is Wait with a relative timeout.
func (j *Job) WaitTimeout(timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return j.Wait(ctx)
}
