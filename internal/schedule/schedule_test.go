package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitReturnsWhenClockAdvances(t *testing.T) {
	mock := clock.NewMock()
	stop := make(chan struct{})
	defer close(stop)
	go Advance(mock, time.Second, stop)

	start := mock.Now()
	require.NoError(t, Wait(context.Background(), mock, 15*time.Second))
	assert.GreaterOrEqual(t, mock.Since(start), 15*time.Second)
}

func TestWaitHonoursCancellation(t *testing.T) {
	mock := clock.NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Wait(ctx, mock, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitZeroDuration(t *testing.T) {
	assert.NoError(t, Wait(context.Background(), clock.NewMock(), 0))
}
