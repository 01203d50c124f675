package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/tidewater-os/abctl/pkg/errors"
)

// retry calls f until it succeeds or the total budget elapses, pausing
// period between attempts. At least two attempts are always made so a
// zero budget still means "try, then try once more".
func retry(ctx context.Context, total, period time.Duration, f func() error) error {
	start := time.Now()
	attempts := 0
	for {
		attempts++
		err := f()
		if err == nil {
			return nil
		}
		if time.Since(start) >= total && attempts >= 2 {
			return errors.Wrap(err, "giving up after "+time.Since(start).Round(time.Second).String())
		}
		slog.Debug("retry_attempt_failed", "attempt", attempts, "error", err)
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "retry interrupted")
		case <-time.After(period):
		}
	}
}
