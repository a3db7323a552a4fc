package app

import (
	"context"
	"fmt"
	"time"

	logx "notifyrouter/pkg/logx"
)

// StopReason is used for structured shutdown tracing.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// stepRunner runs one shutdown step with an upper bound so a stuck
// component cannot stall the whole stop.
type stepRunner struct {
	ctx context.Context
	log logx.Logger
}

func (r stepRunner) run(name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	r.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := r.ctx
	if max > 0 {
		// never extend the caller's deadline
		if dl, ok := r.ctx.Deadline(); ok {
			if rem := time.Until(dl); rem <= 0 {
				max = 0
			} else if rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(r.ctx, max)
			defer cancel()
		}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, rec)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			r.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			r.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			r.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		r.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		// Report if and when the step eventually returns.
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				r.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				r.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
		return stepCtx.Err()
	}
}
