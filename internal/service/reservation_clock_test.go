package service

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{600 * time.Second, "10:00"},
		{61 * time.Second, "01:01"},
		{59*time.Second + 200*time.Millisecond, "01:00"},
		{500 * time.Millisecond, "00:01"},
		{0, "00:00"},
		{-5 * time.Second, "00:00"},
		{3599 * time.Second, "59:59"},
	}

	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, FormatRemaining(tt.in))
		})
	}
}

func TestReservationClockTick(t *testing.T) {
	now := newFakeNow()
	var fired int32
	clock := NewReservationClock(now.Now().Add(90*time.Second), time.Hour, now.Now, func() {
		atomic.AddInt32(&fired, 1)
	})

	assert.Equal(t, "01:30", clock.Format())

	assert.False(t, clock.Tick(now.Advance(30*time.Second)))
	assert.Equal(t, 60*time.Second, clock.Remaining())
	assert.False(t, clock.Expired())

	assert.True(t, clock.Tick(now.Advance(61*time.Second)))
	assert.Equal(t, time.Duration(0), clock.Remaining())
	assert.Equal(t, "00:00", clock.Format())
	assert.True(t, clock.Expired())

	// later ticks never fire again
	assert.True(t, clock.Tick(now.Advance(time.Second)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestReservationClockStopPreventsFiring(t *testing.T) {
	now := newFakeNow()
	var fired int32
	clock := NewReservationClock(now.Now().Add(time.Second), time.Hour, now.Now, func() {
		atomic.AddInt32(&fired, 1)
	})

	clock.Stop()
	clock.Stop()

	assert.True(t, clock.Tick(now.Advance(time.Minute)))
	assert.False(t, clock.Expired())
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestReservationClockExpiredOnStart(t *testing.T) {
	now := newFakeNow()
	var fired int32
	clock := NewReservationClock(now.Now().Add(-5*time.Second), time.Hour, now.Now, func() {
		atomic.AddInt32(&fired, 1)
	})
	assert.Equal(t, "00:00", clock.Format())

	clock.Start()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, clock.Expired())
}

func TestReservationClockTicksInRealTime(t *testing.T) {
	var fired int32
	clock := NewReservationClock(time.Now().Add(50*time.Millisecond), 10*time.Millisecond, nil, func() {
		atomic.AddInt32(&fired, 1)
	})
	clock.Start()
	defer clock.Stop()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}
