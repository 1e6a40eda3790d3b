package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
	agenterrors "github.com/itsharex/aeroftp-sub001/internal/errors"
)

var sleepFn = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WithRetry calls fn up to maxAttempts times. Only errors for which
// isTransient returns true are retried, waiting baseDelay * 2^attempt between
// attempts. The last error is returned once attempts run out.
func WithRetry[T any](ctx context.Context, maxAttempts int, baseDelay time.Duration, isTransient func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var (
		result T
		err    error
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		if !isTransient(err) || attempt == maxAttempts-1 {
			return result, err
		}

		delay := baseDelay * time.Duration(1<<attempt)
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", maxAttempts).
			Dur("delay", delay).
			Msg("Retrying after transient failure")
		if sleepErr := sleepFn(ctx, delay); sleepErr != nil {
			return result, err
		}
	}
	return result, err
}

// Options controls Execute.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// softFailure carries a soft-failed output through WithRetry.
type softFailure struct {
	out      tools.Output
	strategy Strategy
}

func (s *softFailure) Error() string { return s.out.Text }

// Execute runs a call through exec, retrying transient failures and soft
// failures the same way, and returns the collected result with a recovery
// hint when the call ultimately fails.
func Execute(ctx context.Context, exec tools.Executor, call *tools.Call, opts Options) tools.Result {
	started := time.Now()
	attempts := 0
	var lastStrategy Strategy

	isTransient := func(err error) bool {
		if sf, ok := err.(*softFailure); ok {
			lastStrategy = sf.strategy
		} else {
			lastStrategy = ClassifyError(call.Name, call.Args, err)
		}
		return lastStrategy.AutoRetry
	}

	out, err := WithRetry(ctx, opts.MaxAttempts, opts.BaseDelay, isTransient, func(ctx context.Context) (tools.Output, error) {
		attempts++
		out, err := exec.Execute(ctx, call.Name, call.Args)
		if err != nil {
			return out, err
		}
		if out.IsError {
			return out, &softFailure{out: out, strategy: ClassifyOutput(call.Name, call.Args, out)}
		}
		return out, nil
	})

	res := tools.Result{Call: call, Attempts: attempts, Duration: time.Since(started)}
	call.Status = tools.StatusExecuted
	switch e := err.(type) {
	case nil:
		res.Output = out.Text
	case *softFailure:
		res.Output = e.out.Text
		res.IsError = true
		res.Hint = e.strategy.Hint()
	default:
		if _, typed := agenterrors.KindOf(err); !typed {
			err = agenterrors.ExecutionFailed(call.Name, err, lastStrategy.AutoRetry)
		}
		res.Err = err
		res.Hint = lastStrategy.Hint()
	}
	return res
}
