package device

import (
	"context"
	"fmt"
	"time"
)

type timeoutAdapter struct {
	next    Adapter
	timeout time.Duration
}

// WithTimeout bounds every call on next by d. Any error, including the
// deadline, is returned as an *AdapterError.
func WithTimeout(next Adapter, d time.Duration) Adapter {
	return &timeoutAdapter{next: next, timeout: d}
}

func (a *timeoutAdapter) Status(ctx context.Context, ep Endpoint) (LinkStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type result struct {
		status LinkStatus
		err    error
	}
	done := make(chan result, 1)
	go func() {
		// a panic in a detached goroutine cannot reach the caller's recover
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("adapter panic: %v", r)}
			}
		}()
		s, err := a.next.Status(ctx, ep)
		done <- result{s, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return LinkStatus{}, wrap("status", ep.Address, r.err)
		}
		return r.status, nil
	case <-ctx.Done():
		return LinkStatus{}, wrap("status", ep.Address, ctx.Err())
	}
}

func (a *timeoutAdapter) SetFrequency(ctx context.Context, ep Endpoint, mhz float64) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("adapter panic: %v", r)
			}
		}()
		done <- a.next.SetFrequency(ctx, ep, mhz)
	}()

	select {
	case err := <-done:
		if err != nil {
			return wrap("set_frequency", ep.Address, err)
		}
		return nil
	case <-ctx.Done():
		return wrap("set_frequency", ep.Address, ctx.Err())
	}
}
