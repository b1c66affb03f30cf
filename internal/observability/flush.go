package observability

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.uber.org/zap"
)

// Closer is a named resource released during shutdown.
type Closer struct {
	Name  string
	Close func() error
}

// FlushTelemetry releases closers in order and then flushes logs. Closers not reached
// before ctx expires are skipped and reported. Prometheus is pull-based, so there is
// nothing to push.
func FlushTelemetry(ctx context.Context, logger *zap.Logger, closers ...Closer) error {
	var errs []error
	for _, c := range closers {
		if c.Close == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.Name, err))
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.Name, err))
		}
	}
	if logger != nil {
		// stderr is not syncable on most terminals
		if err := logger.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOTTY) {
			errs = append(errs, fmt.Errorf("flush logs: %w", err))
		}
	}
	return errors.Join(errs...)
}
