// Package devicetest provides a scriptable device.Adapter for tests.
package devicetest

import (
	"context"
	"errors"
	"sync"

	"github.com/bilal/freqswitch-agent/internal/device"
)

// SetCall records one SetFrequency invocation.
type SetCall struct {
	Role         device.Role
	Address      string
	FrequencyMHz float64
}

// FakeAdapter answers from per-role scripts. Overridable funcs win over the
// scripted values.
type FakeAdapter struct {
	mu sync.Mutex

	// StatusFunc overrides scripted statuses when set
	StatusFunc       func(ctx context.Context, ep device.Endpoint) (device.LinkStatus, error)
	SetFrequencyFunc func(ctx context.Context, ep device.Endpoint, mhz float64) error

	statuses map[device.Role][]statusReply
	setErrs  map[device.Role][]error

	// call records
	StatusCalls map[device.Role]int
	SetCalls    []SetCall
}

type statusReply struct {
	status device.LinkStatus
	err    error
}

// ErrNotScripted is returned when a role has no scripted status left.
var ErrNotScripted = errors.New("devicetest: no scripted reply")

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		statuses:    make(map[device.Role][]statusReply),
		setErrs:     make(map[device.Role][]error),
		StatusCalls: make(map[device.Role]int),
	}
}

// QueueStatus appends a reply for role. The last reply repeats once the
// queue would otherwise run dry.
func (f *FakeAdapter) QueueStatus(role device.Role, s device.LinkStatus, err error) *FakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[role] = append(f.statuses[role], statusReply{status: s, err: err})
	return f
}

// QueueSetError appends the error returned by the next SetFrequency on role;
// nil means success. An empty queue succeeds.
func (f *FakeAdapter) QueueSetError(role device.Role, err error) *FakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setErrs[role] = append(f.setErrs[role], err)
	return f
}

func (f *FakeAdapter) Status(ctx context.Context, ep device.Endpoint) (device.LinkStatus, error) {
	f.mu.Lock()
	f.StatusCalls[ep.Role]++
	fn := f.StatusFunc
	var reply statusReply
	var ok bool
	if q := f.statuses[ep.Role]; len(q) > 0 {
		reply, ok = q[0], true
		if len(q) > 1 {
			f.statuses[ep.Role] = q[1:]
		}
	}
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, ep)
	}
	if !ok {
		return device.LinkStatus{}, ErrNotScripted
	}
	return reply.status, reply.err
}

func (f *FakeAdapter) SetFrequency(ctx context.Context, ep device.Endpoint, mhz float64) error {
	f.mu.Lock()
	f.SetCalls = append(f.SetCalls, SetCall{Role: ep.Role, Address: ep.Address, FrequencyMHz: mhz})
	fn := f.SetFrequencyFunc
	var err error
	if q := f.setErrs[ep.Role]; len(q) > 0 {
		err = q[0]
		f.setErrs[ep.Role] = q[1:]
	}
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, ep, mhz)
	}
	return err
}

// SetCallsFor returns the SetFrequency calls made against role.
func (f *FakeAdapter) SetCallsFor(role device.Role) []SetCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SetCall
	for _, c := range f.SetCalls {
		if c.Role == role {
			out = append(out, c)
		}
	}
	return out
}

// StatusCallsFor returns how many times Status was called for role.
func (f *FakeAdapter) StatusCallsFor(role device.Role) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.StatusCalls[role]
}
