package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/virtsync/pkg/engine"
)

// Probe reports the current state of a domain.
type Probe func(ctx context.Context) (State, error)

// DefaultPollInterval is used by WaitFor when interval is not positive.
const DefaultPollInterval = 2 * time.Second

// WaitFor polls probe every interval until it reports want or timeout
// elapses. It fails immediately on a probe error or an unknown state. When
// the budget is spent it returns a transient error with code TIMEOUT.
func WaitFor(ctx context.Context, probe Probe, want State, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := StateUnknown
	for {
		state, err := probe(ctx)
		if err != nil {
			return err
		}
		if state == want {
			return nil
		}
		if state == StateUnknown {
			return engine.NewPermanentError(
				fmt.Sprintf("domain entered an unknown state while waiting for %s", want), nil,
			).WithCode(engine.ErrCodeInvalidState)
		}
		last = state

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return ctx.Err()
			}
			return engine.NewTransientError(
				fmt.Sprintf("timed out after %s waiting for %s (last state %s)", timeout, want, last), ctx.Err(),
			).WithCode(engine.ErrCodeTimeout).
				WithDetail("want", string(want)).
				WithDetail("last", string(last))
		case <-ticker.C:
		}
	}
}
