package communicator

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Options struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	MaxAttempts   int
	BaseDelay     time.Duration
	// FlushTimeout bounds the final flush on shutdown.
	FlushTimeout time.Duration
	Clock        clock.Clock
}

func DefaultOptions() Options {
	return Options{
		QueueSize:     1000,
		BatchSize:     100,
		FlushInterval: 30 * time.Second,
		MaxAttempts:   6,
		BaseDelay:     500 * time.Millisecond,
		FlushTimeout:  10 * time.Second,
	}
}

// Communicator queues events and publishes them in batches with retries.
type Communicator struct {
	pub    Publisher
	opts   Options
	clock  clock.Clock
	queue  chan Event
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

var _ Sink = (*Communicator)(nil)

// New creates communicator; it does NOT start the send loop.
func New(pub Publisher, opts Options) *Communicator {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = def.FlushTimeout
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Communicator{
		pub:    pub,
		opts:   opts,
		clock:  clk,
		queue:  make(chan Event, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start background sender loop. Call once.
func (c *Communicator) Start() {
	c.wg.Add(1)
	go c.loop()
	log.Info().Int("queue_capacity", c.opts.QueueSize).Msg("communicator started")
}

// Shutdown stops the sender and waits for queued events to be flushed.
func (c *Communicator) Shutdown(ctx context.Context) {
	log.Info().Msg("communicator shutdown initiated")
	c.once.Do(c.cancel)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("communicator shutdown complete")
	case <-ctx.Done():
		log.Warn().Msg("communicator shutdown timeout")
	}
}

// Send enqueues an event. Non-blocking: if the queue is full the oldest
// event is dropped.
func (c *Communicator) Send(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	select {
	case c.queue <- e:
		return
	default:
	}

	select {
	case old := <-c.queue:
		log.Warn().Str("event_id", old.ID).Msg("event queue full, dropping oldest")
	default:
	}
	select {
	case c.queue <- e:
	default:
		log.Warn().Str("event_id", e.ID).Msg("event dropped: queue full")
	}
}

func (c *Communicator) loop() {
	defer c.wg.Done()

	ticker := c.clock.Ticker(c.opts.FlushInterval)
	defer ticker.Stop()

	buffer := make([]Event, 0, c.opts.BatchSize)

	for {
		select {
		case <-c.ctx.Done():
		drain:
			for {
				select {
				case e := <-c.queue:
					buffer = append(buffer, e)
				default:
					break drain
				}
			}
			if len(buffer) > 0 {
				// the loop context is gone; the final flush gets its own deadline
				ctx, cancel := context.WithTimeout(context.Background(), c.opts.FlushTimeout)
				c.flushWithRetry(ctx, buffer)
				cancel()
			}
			return

		case e := <-c.queue:
			buffer = append(buffer, e)
			if len(buffer) >= c.opts.BatchSize && c.flushWithRetry(c.ctx, buffer) {
				buffer = make([]Event, 0, c.opts.BatchSize)
			}

		case <-ticker.C:
			if len(buffer) > 0 && c.flushWithRetry(c.ctx, buffer) {
				buffer = make([]Event, 0, c.opts.BatchSize)
			}
		}
	}
}

// flushWithRetry publishes items with exponential backoff and jitter. It
// returns false only when ctx ended first, leaving the batch to the caller.
func (c *Communicator) flushWithRetry(ctx context.Context, items []Event) bool {
	for attempt := 1; ; attempt++ {
		err := c.pub.Publish(ctx, items)
		if err == nil {
			log.Debug().Int("count", len(items)).Str("first_event", items[0].ID).Msg("events published")
			return true
		}
		if ctx.Err() != nil {
			log.Warn().Err(err).Int("count", len(items)).Msg("event publish interrupted")
			return false
		}

		log.Warn().Err(err).Int("attempt", attempt).Int("count", len(items)).Msg("event publish failed, will retry")
		if attempt >= c.opts.MaxAttempts {
			log.Error().Int("attempts", attempt).Int("count", len(items)).Msg("max attempts reached, dropping event batch")
			return true
		}

		backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.opts.BaseDelay
		jitter := time.Duration(rand.Int63n(int64(c.opts.BaseDelay)))

		select {
		case <-c.clock.After(backoff + jitter):
		case <-ctx.Done():
			log.Warn().Msg("communicator context cancelled during backoff")
			return false
		}
	}
}
