package switcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bilal/freqswitch-agent/internal/device"
	"github.com/bilal/freqswitch-agent/internal/schedule"
)

// State is a step of one failover attempt.
type State string

const (
	StateIdle                    State = "idle"
	StateSlaveChanging           State = "slave_changing"
	StateSlaveConfirmedOrFailed  State = "slave_confirmed_or_failed"
	StateMasterChanging          State = "master_changing"
	StateMasterConfirmedOrFailed State = "master_confirmed_or_failed"
	StateRollback                State = "rollback"
	StateVerifyLoop              State = "verify_loop"
	StateSuccess                 State = "success"
	StateUnverified              State = "unverified"
	StateFailed                  State = "failed"
)

type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeUnverified Outcome = "unverified"
	OutcomeFailed     Outcome = "failed"
)

type FailureReason string

const (
	ReasonSlaveChangeFailed  FailureReason = "slave_change_failed"
	ReasonMasterChangeFailed FailureReason = "master_change_failed"
)

// ErrVerificationInconclusive both radios accepted the change but the master
// never reported the requested frequency.
var ErrVerificationInconclusive = errors.New("frequency change could not be verified")

// ChangeError is a rejected frequency change on one radio.
type ChangeError struct {
	Role         device.Role
	FrequencyMHz float64
	Err          error
}

func (e *ChangeError) Error() string {
	return fmt.Sprintf("change %s to %g MHz: %v", e.Role, e.FrequencyMHz, e.Err)
}

func (e *ChangeError) Unwrap() error { return e.Err }

// Result describes a finished failover attempt.
type Result struct {
	AttemptID   string
	Outcome     Outcome
	Reason      FailureReason
	TargetMHz   float64
	ObservedMHz *float64

	RollbackAttempted    bool
	RollbackSucceeded    bool
	RollbackFrequencyMHz *float64

	Err         error
	Transitions []State
}

type Options struct {
	SettleDelay    time.Duration
	VerifyAttempts int
	VerifyInterval time.Duration
	ToleranceMHz   float64
}

// DefaultOptions mirrors the timings the radios need in practice.
func DefaultOptions() Options {
	return Options{
		SettleDelay:    15 * time.Second,
		VerifyAttempts: 3,
		VerifyInterval: 15 * time.Second,
		ToleranceMHz:   2,
	}
}

// Coordinator moves both radios of the bridge to a new frequency.
type Coordinator struct {
	adapter device.Adapter
	clock   clock.Clock
	opts    Options
	tracer  trace.Tracer
}

func New(adapter device.Adapter, clk clock.Clock, opts Options) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	if opts.VerifyAttempts < 1 {
		opts.VerifyAttempts = 1
	}
	return &Coordinator{
		adapter: adapter,
		clock:   clk,
		opts:    opts,
		tracer:  otel.Tracer("github.com/bilal/freqswitch-agent/internal/switcher"),
	}
}

// attempt tracks the state machine of one PerformFailover call.
type attempt struct {
	res    Result
	state  State
	logger zerolog.Logger
	span   trace.Span
}

func (a *attempt) enter(s State) {
	a.logger.Info().
		Str("from", string(a.state)).
		Str("to", string(s)).
		Msg("failover transition")
	a.span.AddEvent(string(s))
	a.state = s
	a.res.Transitions = append(a.res.Transitions, s)
}

func (a *attempt) finish(o Outcome) Result {
	a.res.Outcome = o
	switch o {
	case OutcomeSuccess:
		a.enter(StateSuccess)
	case OutcomeUnverified:
		a.enter(StateUnverified)
	default:
		a.enter(StateFailed)
	}

	a.span.SetAttributes(
		attribute.String("failover.outcome", string(o)),
		attribute.String("failover.reason", string(a.res.Reason)),
		attribute.Bool("failover.rollback_attempted", a.res.RollbackAttempted),
	)
	if o == OutcomeFailed {
		a.span.SetStatus(codes.Error, string(a.res.Reason))
	}
	return a.res
}

// PerformFailover applies target to the slave first, then the master, and
// verifies the master. A split link caused by a master failure is repaired
// by moving the slave back to the master's reported frequency.
//
// Once started, an attempt always runs to a terminal state: cancellation of
// ctx is ignored so the bridge is never abandoned half switched.
func (c *Coordinator) PerformFailover(ctx context.Context, master, slave device.Endpoint, target float64) Result {
	ctx = context.WithoutCancel(ctx)
	ctx, span := c.tracer.Start(ctx, "failover", trace.WithAttributes(
		attribute.Float64("failover.target_mhz", target),
		attribute.String("failover.master", master.Address),
		attribute.String("failover.slave", slave.Address),
	))
	defer span.End()

	id := uuid.New().String()
	a := &attempt{
		res:   Result{AttemptID: id, TargetMHz: target},
		state: StateIdle,
		span:  span,
		logger: log.With().
			Str("attempt_id", id).
			Float64("target_mhz", target).
			Logger(),
	}
	a.res.Transitions = append(a.res.Transitions, StateIdle)
	span.SetAttributes(attribute.String("failover.attempt_id", id))

	// slave first: it starts listening on the new channel before the master moves
	a.enter(StateSlaveChanging)
	slaveErr := c.adapter.SetFrequency(ctx, slave, target)
	a.enter(StateSlaveConfirmedOrFailed)
	if slaveErr != nil {
		a.res.Reason = ReasonSlaveChangeFailed
		a.res.Err = &ChangeError{Role: device.Slave, FrequencyMHz: target, Err: slaveErr}
		a.logger.Error().Err(slaveErr).Msg("slave frequency change failed, master left untouched")
		return a.finish(OutcomeFailed)
	}

	a.logger.Info().Dur("settle", c.opts.SettleDelay).Msg("slave changed, waiting for it to settle")
	_ = schedule.Wait(ctx, c.clock, c.opts.SettleDelay)

	a.enter(StateMasterChanging)
	masterErr := c.adapter.SetFrequency(ctx, master, target)
	a.enter(StateMasterConfirmedOrFailed)
	if masterErr != nil {
		a.res.Reason = ReasonMasterChangeFailed
		a.res.Err = &ChangeError{Role: device.Master, FrequencyMHz: target, Err: masterErr}
		a.logger.Error().Err(masterErr).Msg("master frequency change failed, link is split")
		c.rollback(ctx, a, master, slave)
		return a.finish(OutcomeFailed)
	}

	a.enter(StateVerifyLoop)
	if c.verify(ctx, a, master, target) {
		a.logger.Info().Msg("frequency change confirmed on master")
		return a.finish(OutcomeSuccess)
	}

	a.res.Err = ErrVerificationInconclusive
	a.logger.Warn().Int("attempts", c.opts.VerifyAttempts).Msg("frequency change not confirmed by master")
	return a.finish(OutcomeUnverified)
}

func (c *Coordinator) rollback(ctx context.Context, a *attempt, master, slave device.Endpoint) {
	a.enter(StateRollback)

	status, err := c.adapter.Status(ctx, master)
	if err != nil || status.FrequencyMHz == nil {
		a.logger.Error().Err(err).Msg("master frequency unknown, slave cannot be rolled back")
		return
	}

	freq := *status.FrequencyMHz
	a.res.RollbackAttempted = true
	a.res.RollbackFrequencyMHz = device.Float(freq)

	if err := c.adapter.SetFrequency(ctx, slave, freq); err != nil {
		a.res.Err = errors.Join(a.res.Err, &ChangeError{Role: device.Slave, FrequencyMHz: freq, Err: err})
		a.logger.Error().Err(err).Float64("rollback_mhz", freq).Msg("slave rollback failed")
		return
	}
	a.res.RollbackSucceeded = true
	a.logger.Warn().Float64("rollback_mhz", freq).Msg("slave rolled back to master frequency")
}

func (c *Coordinator) verify(ctx context.Context, a *attempt, master device.Endpoint, target float64) bool {
	for i := 1; i <= c.opts.VerifyAttempts; i++ {
		_ = schedule.Wait(ctx, c.clock, c.opts.VerifyInterval)

		status, err := c.adapter.Status(ctx, master)
		if err != nil {
			a.logger.Warn().Err(err).Int("attempt", i).Msg("verification read failed")
			continue
		}
		if status.FrequencyMHz == nil {
			a.logger.Warn().Int("attempt", i).Msg("master reported no frequency")
			continue
		}

		observed := *status.FrequencyMHz
		a.res.ObservedMHz = device.Float(observed)
		if math.Abs(observed-target) <= c.opts.ToleranceMHz {
			return true
		}
		a.logger.Warn().
			Int("attempt", i).
			Float64("observed_mhz", observed).
			Msg("master frequency does not match yet")
	}
	return false
}
