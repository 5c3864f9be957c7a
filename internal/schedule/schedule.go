// Package schedule holds the waiting primitives of the agent. Everything that
// would sleep goes through a clock.Clock so tests can drive time with
// clock.NewMock.
package schedule

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Wait blocks for d on clk or until ctx is done, whichever comes first.
func Wait(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-clk.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Advance moves a mock clock forward in small steps until stop is closed, so
// code blocked in Wait keeps making progress. Meant for tests.
func Advance(mock *clock.Mock, step time.Duration, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
			mock.Add(step)
		}
	}
}
