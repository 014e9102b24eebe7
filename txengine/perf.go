package txengine

import (
	"context"

	"github.com/sirupsen/logrus"
)

// WithPerformanceLogging times work. Runs longer than SlowThreshold are
// logged at warning level; failures are logged at error level with their
// duration and returned unchanged.
func (e *Engine) WithPerformanceLogging(ctx context.Context, label string, work func(ctx context.Context) error) error {
	_, err := Timed(ctx, e, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, work(ctx)
	})
	return err
}

// Timed is WithPerformanceLogging for work that produces a value.
func Timed[T any](ctx context.Context, e *Engine, label string, work func(ctx context.Context) (T, error)) (T, error) {
	start := e.now()
	entry := func() *logrus.Entry {
		return e.log.WithFields(logrus.Fields{
			"label":       label,
			"duration_ms": e.now().Sub(start).Milliseconds(),
		})
	}

	defer func() {
		if p := recover(); p != nil {
			entry().Errorf("Operation panicked: %v", p)
			panic(p)
		}
	}()

	result, err := work(ctx)
	if err != nil {
		entry().WithError(err).Error("Operation failed")
		return result, err
	}

	if elapsed := e.now().Sub(start); elapsed > e.opts.SlowThreshold {
		e.log.WithFields(logrus.Fields{
			"label":       label,
			"duration_ms": elapsed.Milliseconds(),
			"threshold":   e.opts.SlowThreshold.String(),
		}).Warn("Slow operation")
	}
	return result, nil
}
