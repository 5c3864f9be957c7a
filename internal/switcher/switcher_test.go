package switcher

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilal/freqswitch-agent/internal/device"
	"github.com/bilal/freqswitch-agent/internal/device/devicetest"
	"github.com/bilal/freqswitch-agent/internal/schedule"
)

var (
	master = device.Endpoint{Role: device.Master, Address: "10.20.5.17"}
	slave  = device.Endpoint{Role: device.Slave, Address: "10.20.5.18"}
)

func newTestCoordinator(t *testing.T, fake *devicetest.FakeAdapter) *Coordinator {
	t.Helper()
	mock := clock.NewMock()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go schedule.Advance(mock, time.Second, stop)
	return New(fake, mock, DefaultOptions())
}

func mustPlan(t *testing.T, freqs ...float64) FrequencyPlan {
	t.Helper()
	p, err := NewFrequencyPlan(freqs)
	require.NoError(t, err)
	return p
}

func TestNewFrequencyPlanValidation(t *testing.T) {
	_, err := NewFrequencyPlan(nil)
	assert.ErrorIs(t, err, ErrEmptyPlan)

	_, err = NewFrequencyPlan([]float64{5665, 5665})
	assert.Error(t, err)

	_, err = NewFrequencyPlan([]float64{5665, -1})
	assert.Error(t, err)

	p := mustPlan(t, 5665, 5780)
	assert.True(t, p.Contains(5780))
	assert.False(t, p.Contains(5700))
	assert.Equal(t, []float64{5665, 5780}, p.Frequencies())
	assert.Equal(t, "[5665 5780]", p.String())
}

func TestSelectFrequencyOnlyAlternative(t *testing.T) {
	plan := mustPlan(t, 5665, 5780)
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		assert.Equal(t, 5665.0, SelectFrequency(device.Float(5780), plan, rnd))
	}
}

func TestSelectFrequencySingleEntry(t *testing.T) {
	plan := mustPlan(t, 5665)
	assert.Equal(t, 5665.0, SelectFrequency(nil, plan, nil))
	assert.Equal(t, 5665.0, SelectFrequency(device.Float(5665), plan, nil))
}

func TestSelectFrequencyZeroPlan(t *testing.T) {
	assert.NotPanics(t, func() {
		assert.Equal(t, 5780.0, SelectFrequency(device.Float(5780), FrequencyPlan{}, nil))
		assert.Equal(t, 0.0, SelectFrequency(nil, FrequencyPlan{}, nil))
	})
}

func TestSelectFrequencyCurrentOutsidePlan(t *testing.T) {
	plan := mustPlan(t, 5665, 5675, 5685)
	rnd := rand.New(rand.NewSource(7))
	seen := map[float64]bool{}
	for i := 0; i < 200; i++ {
		f := SelectFrequency(device.Float(5900), plan, rnd)
		require.True(t, plan.Contains(f))
		seen[f] = true
	}
	assert.Len(t, seen, 3)
}

func TestSelectFrequencyNeverReturnsCurrent(t *testing.T) {
	plan := mustPlan(t, 5665, 5675, 5685, 5695, 5710, 5760, 5780, 5830, 5835)
	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		assert.NotEqual(t, 5760.0, SelectFrequency(device.Float(5760), plan, rnd))
	}
}

func TestPerformFailoverSlaveFails(t *testing.T) {
	fake := devicetest.NewFakeAdapter().
		QueueSetError(device.Slave, errors.New("form not accepted"))
	c := newTestCoordinator(t, fake)

	res := c.PerformFailover(context.Background(), master, slave, 5710)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, ReasonSlaveChangeFailed, res.Reason)
	assert.Len(t, fake.SetCallsFor(device.Master), 0)
	assert.Equal(t, 0, fake.StatusCallsFor(device.Master))
	assert.NotEmpty(t, res.AttemptID)

	var ce *ChangeError
	require.True(t, errors.As(res.Err, &ce))
	assert.Equal(t, device.Slave, ce.Role)

	assert.Equal(t, []State{
		StateIdle, StateSlaveChanging, StateSlaveConfirmedOrFailed, StateFailed,
	}, res.Transitions)
}

func TestPerformFailoverMasterFailsRollsBackSlave(t *testing.T) {
	fake := devicetest.NewFakeAdapter().
		QueueSetError(device.Slave, nil).
		QueueSetError(device.Master, errors.New("timeout")).
		QueueStatus(device.Master, device.LinkStatus{FrequencyMHz: device.Float(5695)}, nil)
	c := newTestCoordinator(t, fake)

	res := c.PerformFailover(context.Background(), master, slave, 5710)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, ReasonMasterChangeFailed, res.Reason)
	assert.True(t, res.RollbackAttempted)
	assert.True(t, res.RollbackSucceeded)
	require.NotNil(t, res.RollbackFrequencyMHz)
	assert.Equal(t, 5695.0, *res.RollbackFrequencyMHz)

	assert.Equal(t, []devicetest.SetCall{
		{Role: device.Slave, Address: slave.Address, FrequencyMHz: 5710},
		{Role: device.Master, Address: master.Address, FrequencyMHz: 5710},
		{Role: device.Slave, Address: slave.Address, FrequencyMHz: 5695},
	}, fake.SetCalls)

	assert.Equal(t, []State{
		StateIdle, StateSlaveChanging, StateSlaveConfirmedOrFailed,
		StateMasterChanging, StateMasterConfirmedOrFailed, StateRollback, StateFailed,
	}, res.Transitions)
}

func TestPerformFailoverMasterFailsFrequencyUnknown(t *testing.T) {
	fake := devicetest.NewFakeAdapter().
		QueueSetError(device.Master, errors.New("rejected")).
		QueueStatus(device.Master, device.LinkStatus{}, errors.New("unreachable"))
	c := newTestCoordinator(t, fake)

	res := c.PerformFailover(context.Background(), master, slave, 5710)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, ReasonMasterChangeFailed, res.Reason)
	assert.False(t, res.RollbackAttempted)
	assert.False(t, res.RollbackSucceeded)
	assert.Len(t, fake.SetCallsFor(device.Slave), 1)
}

func TestPerformFailoverRollbackFails(t *testing.T) {
	fake := devicetest.NewFakeAdapter().
		QueueSetError(device.Slave, nil).
		QueueSetError(device.Slave, errors.New("slave gone")).
		QueueSetError(device.Master, errors.New("rejected")).
		QueueStatus(device.Master, device.LinkStatus{FrequencyMHz: device.Float(5695)}, nil)
	c := newTestCoordinator(t, fake)

	res := c.PerformFailover(context.Background(), master, slave, 5710)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, res.RollbackAttempted)
	assert.False(t, res.RollbackSucceeded)

	var ce *ChangeError
	require.True(t, errors.As(res.Err, &ce))
}

func TestPerformFailoverVerifiedWithinTolerance(t *testing.T) {
	fake := devicetest.NewFakeAdapter().
		QueueStatus(device.Master, device.LinkStatus{FrequencyMHz: device.Float(5711)}, nil)
	c := newTestCoordinator(t, fake)

	res := c.PerformFailover(context.Background(), master, slave, 5710)

	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, fake.StatusCallsFor(device.Master))
	require.NotNil(t, res.ObservedMHz)
	assert.Equal(t, 5711.0, *res.ObservedMHz)
	assert.Equal(t, StateVerifyLoop, res.Transitions[len(res.Transitions)-2])
	assert.Equal(t, StateSuccess, res.Transitions[len(res.Transitions)-1])
}

func TestPerformFailoverVerifiedAfterRetry(t *testing.T) {
	fake := devicetest.NewFakeAdapter().
		QueueStatus(device.Master, device.LinkStatus{}, errors.New("rebooting")).
		QueueStatus(device.Master, device.LinkStatus{FrequencyMHz: device.Float(5780)}, nil).
		QueueStatus(device.Master, device.LinkStatus{FrequencyMHz: device.Float(5710)}, nil)
	c := newTestCoordinator(t, fake)

	res := c.PerformFailover(context.Background(), master, slave, 5710)

	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, 3, fake.StatusCallsFor(device.Master))
}

func TestPerformFailoverUnverified(t *testing.T) {
	fake := devicetest.NewFakeAdapter().
		QueueStatus(device.Master, device.LinkStatus{FrequencyMHz: device.Float(5780)}, nil)
	c := newTestCoordinator(t, fake)

	res := c.PerformFailover(context.Background(), master, slave, 5710)

	assert.Equal(t, OutcomeUnverified, res.Outcome)
	assert.NotEqual(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrVerificationInconclusive)
	assert.Equal(t, 3, fake.StatusCallsFor(device.Master))
	assert.Equal(t, StateUnverified, res.Transitions[len(res.Transitions)-1])
}

func TestPerformFailoverNoStateRepeats(t *testing.T) {
	fake := devicetest.NewFakeAdapter().
		QueueStatus(device.Master, device.LinkStatus{}, nil)
	c := newTestCoordinator(t, fake)

	res := c.PerformFailover(context.Background(), master, slave, 5710)

	seen := map[State]bool{}
	for _, s := range res.Transitions {
		assert.False(t, seen[s], "state %s repeated", s)
		seen[s] = true
	}
}

func TestPerformFailoverIgnoresCancellation(t *testing.T) {
	fake := devicetest.NewFakeAdapter().
		QueueStatus(device.Master, device.LinkStatus{FrequencyMHz: device.Float(5710)}, nil)
	c := newTestCoordinator(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := c.PerformFailover(ctx, master, slave, 5710)

	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Len(t, fake.SetCallsFor(device.Master), 1)
}
