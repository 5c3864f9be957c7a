package communicator

import (
	"context"
	"errors"
)

// Sink accepts events without blocking the caller.
type Sink interface {
	Send(e Event)
}

// Publisher delivers a batch of events somewhere durable.
type Publisher interface {
	Publish(ctx context.Context, events []Event) error
}

// Fanout sends every event to each of its sinks in order.
type Fanout []Sink

func (f Fanout) Send(e Event) {
	for _, s := range f {
		if s != nil {
			s.Send(e)
		}
	}
}

// MultiPublisher publishes to all of its publishers and joins their errors.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, events []Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
