package service

import (
	"fmt"
	"sync"
	"time"
)

// ReservationClock counts down the time left on one reservation and fires
// onExpire exactly once when it reaches zero. A clock is never reused
// across reservations.
type ReservationClock struct {
	expiresAt time.Time
	interval  time.Duration
	now       func() time.Time
	onExpire  func()

	mu        sync.Mutex
	remaining time.Duration
	fired     bool

	stopOnce sync.Once
	stop     chan struct{}
}

// NewReservationClock creates a stopped clock for a hold expiring at expiresAt
func NewReservationClock(expiresAt time.Time, interval time.Duration, now func() time.Time, onExpire func()) *ReservationClock {
	if now == nil {
		now = time.Now
	}
	if interval <= 0 {
		interval = time.Second
	}

	c := &ReservationClock{
		expiresAt: expiresAt,
		interval:  interval,
		now:       now,
		onExpire:  onExpire,
		stop:      make(chan struct{}),
	}
	c.remaining = clampRemaining(expiresAt.Sub(now()))
	return c
}

// Start runs the ticker until the clock fires or is stopped. The first
// tick happens immediately so an already-lapsed hold expires at once.
func (c *ReservationClock) Start() {
	go func() {
		if c.Tick(c.now()) {
			return
		}

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				if c.Tick(c.now()) {
					return
				}
			}
		}
	}()
}

// Tick recomputes the remaining time at now. It reports whether the clock
// is done, firing onExpire if this tick is the one that reached zero.
func (c *ReservationClock) Tick(now time.Time) bool {
	c.mu.Lock()
	if c.fired || c.stopped() {
		c.mu.Unlock()
		return true
	}

	c.remaining = clampRemaining(c.expiresAt.Sub(now))
	if c.remaining > 0 {
		c.mu.Unlock()
		return false
	}

	c.fired = true
	c.mu.Unlock()

	if c.onExpire != nil {
		c.onExpire()
	}
	return true
}

// Stop halts the ticker. It does not wait for a callback already running.
func (c *ReservationClock) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Remaining returns the time left as of the last tick
func (c *ReservationClock) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Expired reports whether the clock has fired
func (c *ReservationClock) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired
}

// ExpiresAt returns the absolute expiry the clock counts towards
func (c *ReservationClock) ExpiresAt() time.Time {
	return c.expiresAt
}

// Format renders the remaining time as MM:SS
func (c *ReservationClock) Format() string {
	return FormatRemaining(c.Remaining())
}

func (c *ReservationClock) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// FormatRemaining renders d as MM:SS, rounding partial seconds up so the
// display only reads 00:00 once the hold has actually lapsed
func FormatRemaining(d time.Duration) string {
	d = clampRemaining(d)
	secs := int64((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

func clampRemaining(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
