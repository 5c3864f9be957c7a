package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slowAdapter struct {
	delay time.Duration
	err   error
}

func (s slowAdapter) Status(ctx context.Context, ep Endpoint) (LinkStatus, error) {
	select {
	case <-time.After(s.delay):
		return LinkStatus{FrequencyMHz: Float(5780)}, s.err
	case <-ctx.Done():
		return LinkStatus{}, ctx.Err()
	}
}

func (s slowAdapter) SetFrequency(ctx context.Context, ep Endpoint, mhz float64) error {
	select {
	case <-time.After(s.delay):
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestHasData(t *testing.T) {
	assert.False(t, LinkStatus{}.HasData())
	assert.False(t, LinkStatus{TxCapacityPercent: Float(10), DeviceName: "ap"}.HasData())
	assert.True(t, LinkStatus{CCQPercent: Float(0)}.HasData())
}

func TestHasReadingCountsTxCapacity(t *testing.T) {
	assert.False(t, LinkStatus{DeviceName: "ap"}.HasReading())
	assert.True(t, LinkStatus{TxCapacityPercent: Float(10)}.HasReading())
	assert.True(t, LinkStatus{SignalDBm: Float(-60)}.HasReading())
}

func TestFormatKeepsAbsentDistinctFromZero(t *testing.T) {
	assert.Equal(t, "unknown", Format(nil, "dBm"))
	assert.Equal(t, "0dBm", Format(Float(0), "dBm"))
	assert.Equal(t, "-71.5dBm", Format(Float(-71.5), "dBm"))
}

func TestWithTimeoutStatusDeadline(t *testing.T) {
	a := WithTimeout(slowAdapter{delay: time.Second}, 20*time.Millisecond)
	ep := Endpoint{Role: Master, Address: "10.0.0.1"}

	_, err := a.Status(context.Background(), ep)
	require.Error(t, err)

	var ae *AdapterError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "status", ae.Op)
	assert.Equal(t, "10.0.0.1", ae.Address)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithTimeoutSetFrequencyDeadline(t *testing.T) {
	a := WithTimeout(slowAdapter{delay: time.Second}, 20*time.Millisecond)

	err := a.SetFrequency(context.Background(), Endpoint{Role: Slave, Address: "10.0.0.2"}, 5665)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithTimeoutPassesThrough(t *testing.T) {
	a := WithTimeout(slowAdapter{}, time.Second)

	s, err := a.Status(context.Background(), Endpoint{Address: "10.0.0.1"})
	require.NoError(t, err)
	require.NotNil(t, s.FrequencyMHz)
	assert.Equal(t, 5780.0, *s.FrequencyMHz)

	boom := errors.New("boom")
	a = WithTimeout(slowAdapter{err: boom}, time.Second)
	err = a.SetFrequency(context.Background(), Endpoint{Address: "10.0.0.2"}, 5665)
	assert.ErrorIs(t, err, boom)
	var ae *AdapterError
	assert.True(t, errors.As(err, &ae))
}

type panickingAdapter struct{}

func (panickingAdapter) Status(context.Context, Endpoint) (LinkStatus, error) {
	panic("nil map in scraper")
}

func (panickingAdapter) SetFrequency(context.Context, Endpoint, float64) error {
	panic("nil form")
}

func TestWithTimeoutRecoversPanics(t *testing.T) {
	a := WithTimeout(panickingAdapter{}, time.Second)

	_, err := a.Status(context.Background(), Endpoint{Address: "10.0.0.1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map in scraper")

	err = a.SetFrequency(context.Background(), Endpoint{Address: "10.0.0.2"}, 5665)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil form")
}
