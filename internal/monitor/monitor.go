// Package monitor runs the polling loop that watches the bridge and decides
// when to move it to another frequency.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bilal/freqswitch-agent/internal/communicator"
	"github.com/bilal/freqswitch-agent/internal/config"
	"github.com/bilal/freqswitch-agent/internal/decision"
	"github.com/bilal/freqswitch-agent/internal/device"
	"github.com/bilal/freqswitch-agent/internal/observability"
	"github.com/bilal/freqswitch-agent/internal/schedule"
	"github.com/bilal/freqswitch-agent/internal/switcher"
)

// ErrFrequencyNotInPlan rejects a forced switch to a frequency the bridge is
// not configured for.
var ErrFrequencyNotInPlan = errors.New("frequency not in plan")

type Option func(*Monitor)

func WithClock(clk clock.Clock) Option { return func(m *Monitor) { m.clock = clk } }

func WithSink(s communicator.Sink) Option { return func(m *Monitor) { m.sink = s } }

func WithMetrics(c *observability.Collector) Option { return func(m *Monitor) { m.metrics = c } }

func WithProber(p Prober) Option { return func(m *Monitor) { m.prober = p } }

func WithRand(r *rand.Rand) Option { return func(m *Monitor) { m.rnd = r } }

// WithCycleHook is called after every cycle with whether the master could
// be read.
func WithCycleHook(fn func(at time.Time, ok bool)) Option {
	return func(m *Monitor) { m.onCycle = fn }
}

type Monitor struct {
	agent      string
	adapter    device.Adapter
	coord      *switcher.Coordinator
	plan       switcher.FrequencyPlan
	thresholds decision.Thresholds
	master     device.Endpoint
	slave      device.Endpoint
	interval   time.Duration
	recovery   time.Duration

	clock   clock.Clock
	rnd     *rand.Rand
	sink    communicator.Sink
	metrics *observability.Collector
	prober  Prober
	onCycle func(time.Time, bool)
	tracer  trace.Tracer

	// cycleMu serializes cycles and forced switches; the fields below it
	// are only touched while holding it.
	cycleMu    sync.Mutex
	hysteresis decision.Hysteresis
	lastKnown  *float64

	stateMu sync.RWMutex
	state   State

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg *config.Config, adapter device.Adapter, opts ...Option) (*Monitor, error) {
	plan, err := switcher.NewFrequencyPlan(cfg.Frequencies)
	if err != nil {
		return nil, fmt.Errorf("frequency plan: %w", err)
	}

	m := &Monitor{
		agent:   cfg.Agent.Name,
		adapter: adapter,
		plan:    plan,
		thresholds: decision.Thresholds{
			SignalFloorDBm:         cfg.Thresholds.SignalFloorDBm,
			CCQFloorPercent:        cfg.Thresholds.CCQFloorPercent,
			TxCapacityFloorPercent: cfg.Thresholds.TxCapacityFloorPercent,
		},
		master:   endpoint(device.Master, cfg.Master),
		slave:    endpoint(device.Slave, cfg.Slave),
		interval: cfg.Agent.Interval(),
		recovery: cfg.Agent.Recovery(),
		tracer:   otel.Tracer("github.com/bilal/freqswitch-agent/internal/monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.rnd == nil {
		m.rnd = rand.New(rand.NewSource(m.clock.Now().UnixNano()))
	}
	if m.sink == nil {
		m.sink = communicator.Fanout(nil)
	}

	m.coord = switcher.New(adapter, m.clock, switcher.Options{
		SettleDelay:    cfg.Failover.Settle(),
		VerifyAttempts: cfg.Failover.VerifyAttempts,
		VerifyInterval: cfg.Failover.VerifyInterval(),
		ToleranceMHz:   cfg.Failover.ToleranceMHz,
	})
	m.state.Plan = plan.Frequencies()
	return m, nil
}

func endpoint(role device.Role, d config.DeviceConfig) device.Endpoint {
	return device.Endpoint{
		Role:        role,
		Address:     d.Address,
		Credentials: device.Credentials{Username: d.Username, Password: d.Password},
	}
}

// State returns a copy of the loop's published state.
func (m *Monitor) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	s := m.state
	s.Plan = append([]float64(nil), m.state.Plan...)
	return s
}

func (m *Monitor) publish(fn func(s *State)) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	fn(&m.state)
	m.state.ConsecutiveFailures = m.hysteresis.Count()
	if m.lastKnown != nil {
		m.state.LastKnownFrequencyMHz = device.Float(*m.lastKnown)
	}
}

// Run cycles until ctx is cancelled or Shutdown is called. A cycle already
// in progress always completes; cancellation takes effect between cycles.
func (m *Monitor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.lifeMu.Lock()
	if m.done != nil {
		m.lifeMu.Unlock()
		cancel()
		return errors.New("monitor already running")
	}
	m.cancel, m.done = cancel, done
	m.lifeMu.Unlock()

	defer func() {
		cancel()
		close(done)
	}()

	log.Info().
		Str("master", m.master.Address).
		Str("slave", m.slave.Address).
		Dur("interval", m.interval).
		Stringer("plan", m.plan).
		Msg("monitor started")

	for {
		if ctx.Err() != nil {
			break
		}

		wait := m.interval
		if _, err := m.RunCycle(context.WithoutCancel(ctx)); err != nil {
			log.Error().Err(err).Dur("recovery", m.recovery).Msg("cycle failed, recovering")
			wait = m.recovery
		}

		if err := schedule.Wait(ctx, m.clock, wait); err != nil {
			break
		}
	}

	log.Info().Msg("monitor stopping")
	return nil
}

// Shutdown stops the loop after the current cycle and waits for it, or for
// ctx, whichever ends first.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.lifeMu.Lock()
	cancel, done := m.cancel, m.done
	m.lifeMu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("monitor shutdown: %w", ctx.Err())
	}
}

// RunCycle polls both radios, feeds the master's verdict into the
// hysteresis counter and fails over once the counter reaches the threshold.
// Device errors are part of a normal cycle; the returned error is reserved
// for unexpected failures, including panics.
func (m *Monitor) RunCycle(ctx context.Context) (report CycleReport, err error) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	start := m.clock.Now()
	ctx, span := m.tracer.Start(ctx, "cycle")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
			log.Error().Str("stack", string(debug.Stack())).Msg("recovered panic in cycle")
			m.metrics.ObserveCycle(observability.CycleError, nil, m.hysteresis.Count(), m.clock.Since(start))
			m.notify(start, false)
		}
	}()

	report.Master, report.MasterErr = m.adapter.Status(ctx, m.master)
	report.Slave, report.SlaveErr = m.adapter.Status(ctx, m.slave)

	logger := log.With().Str("cycle_id", uuid.New().String()).Logger()
	m.logReading(logger, m.master, report.Master, report.MasterErr)
	m.logReading(logger, m.slave, report.Slave, report.SlaveErr)
	if report.SlaveErr == nil {
		m.metrics.ObserveLink(device.Slave, report.Slave)
	}

	if report.NoData() {
		// counts toward hysteresis but never fails over on its own
		report.Verdict = decision.NoDataVerdict()
		report.ConsecutiveFailures = m.hysteresis.Record(true)
		if m.prober != nil {
			report.Probe = m.probe(ctx, logger)
		}
		logger.Warn().
			Err(report.MasterErr).
			Int("consecutive_failures", report.ConsecutiveFailures).
			Msg("master status unavailable, counted as no_data")
		span.SetAttributes(attribute.String("cycle.verdict", report.Verdict.String()))

		m.finishCycle(report, start, observability.CycleNoData)
		return report, nil
	}

	m.metrics.ObserveLink(device.Master, report.Master)
	if report.Master.FrequencyMHz != nil {
		m.lastKnown = device.Float(*report.Master.FrequencyMHz)
	}

	report.Verdict = decision.Evaluate(report.Master, m.thresholds)
	report.ConsecutiveFailures = m.hysteresis.Record(report.Verdict.Degraded)

	logger.Info().
		Str("verdict", report.Verdict.String()).
		Int("consecutive_failures", report.ConsecutiveFailures).
		Int("threshold", decision.FailoverThreshold).
		Msg("cycle evaluated")
	span.SetAttributes(
		attribute.String("cycle.verdict", report.Verdict.String()),
		attribute.Int("cycle.consecutive_failures", report.ConsecutiveFailures),
	)

	result := observability.CycleHealthy
	if report.Verdict.Degraded {
		result = observability.CycleDegraded
	}
	m.finishCycle(report, start, result)

	if m.hysteresis.Reached() {
		target := switcher.SelectFrequency(m.lastKnown, m.plan, m.rnd)
		logger.Warn().
			Str("current", device.Format(m.lastKnown, "MHz")).
			Float64("target_mhz", target).
			Msg("degradation persisted, starting failover")

		res := m.failover(ctx, target, false)
		report.Failover = &res
	}
	return report, nil
}

// ForceSwitch moves the bridge to mhz right away, bypassing hysteresis.
func (m *Monitor) ForceSwitch(ctx context.Context, mhz float64) (switcher.Result, error) {
	if !m.plan.Contains(mhz) {
		return switcher.Result{}, fmt.Errorf("%w: %g MHz, plan is %s", ErrFrequencyNotInPlan, mhz, m.plan)
	}

	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	log.Warn().Float64("target_mhz", mhz).Msg("forced frequency switch requested")
	return m.failover(ctx, mhz, true), nil
}

// failover runs one attempt and resets the counter whatever the outcome, so
// persistent instability cannot trigger an attempt every cycle.
func (m *Monitor) failover(ctx context.Context, target float64, forced bool) switcher.Result {
	res := m.coord.PerformFailover(ctx, m.master, m.slave, target)

	m.hysteresis.Reset()
	if res.Outcome == switcher.OutcomeSuccess {
		m.lastKnown = device.Float(target)
	}

	ev := log.Info()
	switch res.Outcome {
	case switcher.OutcomeUnverified:
		ev = log.Warn()
	case switcher.OutcomeFailed:
		ev = log.Error()
	}
	ev.Err(res.Err).
		Str("attempt_id", res.AttemptID).
		Str("outcome", string(res.Outcome)).
		Str("reason", string(res.Reason)).
		Float64("target_mhz", target).
		Bool("rollback_attempted", res.RollbackAttempted).
		Bool("rollback_succeeded", res.RollbackSucceeded).
		Bool("forced", forced).
		Msg("failover finished")

	now := m.clock.Now()
	m.metrics.ObserveFailover(string(res.Outcome), string(res.Reason))
	m.metrics.SetConsecutive(0)
	m.publish(func(s *State) { s.LastFailover = newFailover(res, now, forced) })
	m.sink.Send(m.failoverEvent(res, now, forced))
	return res
}

func (m *Monitor) finishCycle(report CycleReport, start time.Time, result string) {
	now := m.clock.Now()
	reasons := make([]string, len(report.Verdict.Reasons))
	for i, r := range report.Verdict.Reasons {
		reasons[i] = string(r)
	}

	m.metrics.ObserveCycle(result, reasons, report.ConsecutiveFailures, now.Sub(start))
	m.publish(func(s *State) {
		s.Cycles++
		s.LastCycle = now
		s.LastVerdict = report.Verdict.String()
		s.Master = newLinkState(m.master.Address, report.Master, report.MasterErr)
		s.Slave = newLinkState(m.slave.Address, report.Slave, report.SlaveErr)
	})
	m.sink.Send(m.cycleEvent(report, now, reasons))
	m.notify(now, !report.NoData())
}

func (m *Monitor) notify(at time.Time, ok bool) {
	if m.onCycle != nil {
		m.onCycle(at, ok)
	}
}

func (m *Monitor) probe(ctx context.Context, logger zerolog.Logger) *ProbeResult {
	res, err := m.prober.Probe(ctx, m.master.Address)
	if err != nil {
		logger.Warn().Err(err).Str("address", m.master.Address).Msg("reachability probe failed")
		return nil
	}
	if !res.Reachable {
		logger.Warn().Str("address", m.master.Address).Msg("master unreachable over icmp")
	} else {
		logger.Warn().
			Str("address", m.master.Address).
			Dur("avg_rtt", res.AvgRtt).
			Float64("packet_loss", res.PacketLoss).
			Msg("master answers icmp, its web interface is failing")
	}
	return &res
}

func (m *Monitor) logReading(logger zerolog.Logger, ep device.Endpoint, s device.LinkStatus, err error) {
	if err != nil {
		logger.Warn().Err(err).Str("role", string(ep.Role)).Str("address", ep.Address).Msg("status read failed")
		return
	}
	logger.Info().
		Str("role", string(ep.Role)).
		Str("address", ep.Address).
		Str("device", s.DeviceName).
		Str("signal", device.Format(s.SignalDBm, "dBm")).
		Str("ccq", device.Format(s.CCQPercent, "%")).
		Str("tx_capacity", device.Format(s.TxCapacityPercent, "%")).
		Str("frequency", device.Format(s.FrequencyMHz, "MHz")).
		Msg("link status")
}

// Snapshot reads both radios once and evaluates the master without
// touching the hysteresis counter.
func (m *Monitor) Snapshot(ctx context.Context) Snapshot {
	var snap Snapshot
	snap.Master, snap.MasterErr = m.adapter.Status(ctx, m.master)
	snap.Slave, snap.SlaveErr = m.adapter.Status(ctx, m.slave)
	if snap.MasterErr != nil || !snap.Master.HasReading() {
		snap.Verdict = decision.NoDataVerdict()
	} else {
		snap.Verdict = decision.Evaluate(snap.Master, m.thresholds)
	}
	snap.State = m.State()
	return snap
}

func (m *Monitor) Plan() switcher.FrequencyPlan { return m.plan }

func (m *Monitor) Thresholds() decision.Thresholds { return m.thresholds }
