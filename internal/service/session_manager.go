package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var ErrSessionNotFound = errors.New("checkout session not found")

const (
	sinkTimeout = 5 * time.Second

	EndReasonCancelled   = "cancelled"
	EndReasonIdleTimeout = "idle_timeout"
	EndReasonShutdown    = "shutdown"
)

// TicketCatalog provides the ticket types a new session starts from
type TicketCatalog interface {
	TicketTypes(ctx context.Context, eventID string) ([]models.TicketType, error)
}

// EventPublisher publishes session lifecycle events to the message broker
type EventPublisher interface {
	PublishCheckoutEvent(ctx context.Context, event *models.CheckoutEvent) error
}

// HoldRegistry remembers which reservations this instance currently owns
type HoldRegistry interface {
	TrackHold(ctx context.Context, reservationID, sessionID string, expiresAt time.Time) error
	ReleaseHold(ctx context.Context, reservationID, sessionID string) (bool, error)
	ListHolds(ctx context.Context) ([]models.HoldRecord, error)
}

// ManagerConfig holds session limits and timings
type ManagerConfig struct {
	MaxTicketsPerOrder int
	ClockTick          time.Duration
	IdleTimeout        time.Duration
	Retention          time.Duration
	// ServiceToken authorizes calls made on behalf of no live session
	ServiceToken string
	Now          func() time.Time
}

// SessionManager owns every live checkout session of this instance
type SessionManager struct {
	gateway   ReservationGateway
	catalog   TicketCatalog
	publisher EventPublisher
	holds     HoldRegistry
	cfg       ManagerConfig
	logger    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*CheckoutSession
}

// NewSessionManager creates a new session manager. publisher and holds may
// be nil.
func NewSessionManager(
	gw ReservationGateway,
	catalog TicketCatalog,
	publisher EventPublisher,
	holds HoldRegistry,
	cfg ManagerConfig,
) *SessionManager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SessionManager{
		gateway:   gw,
		catalog:   catalog,
		publisher: publisher,
		holds:     holds,
		cfg:       cfg,
		logger:    util.GetLogger(),
		sessions:  make(map[string]*CheckoutSession),
	}
}

// Start opens a new checkout session for an event. authToken is forwarded
// to the events service for the lifetime of the session.
func (m *SessionManager) Start(ctx context.Context, eventID, authToken string) (session *CheckoutSession, err error) {
	ctx, span := util.StartSpan(ctx, "SessionManager.Start", attribute.String("event_id", eventID))
	defer func() { util.EndSpan(span, err) }()

	if eventID == "" {
		return nil, models.NewCheckoutError(models.ErrorKindValidation, "An event is required to start checkout.")
	}

	types, err := m.catalog.TicketTypes(gateway.WithAuthToken(ctx, authToken), eventID)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	userID := gateway.TokenSubject(authToken)
	session = NewCheckoutSession(id, eventID, types, m.gateway, m, SessionOptions{
		MaxTicketsPerOrder: m.cfg.MaxTicketsPerOrder,
		ClockTick:          m.cfg.ClockTick,
		AuthToken:          authToken,
		Now:                m.cfg.Now,
		Logger:             m.logger,
	})

	m.mu.Lock()
	m.sessions[id] = session
	util.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	util.SessionsStartedTotal.Inc()
	m.logger.Info("Checkout session started",
		zap.String("session_id", id),
		zap.String("event_id", eventID),
		zap.String("user_id", userID),
		zap.Int("ticket_types", len(types)))

	m.OnCheckoutEvent(&models.CheckoutEvent{
		BaseEvent: models.BaseEvent{
			MessageID: uuid.New().String(),
			EventType: models.EventTypeCheckoutStarted,
			Timestamp: m.cfg.Now().UTC(),
		},
		SessionID: id,
		EventID:   eventID,
		UserID:    userID,
	})

	return session, nil
}

// Get returns a session by id
func (m *SessionManager) Get(id string) (*CheckoutSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Count returns the number of sessions held in memory
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// OnCheckoutEvent fans a lifecycle event out to the broker and the hold
// registry. Failures are logged; they never affect the session.
func (m *SessionManager) OnCheckoutEvent(event *models.CheckoutEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if m.holds != nil {
		switch {
		case event.EventType == models.EventTypeTicketsReserved && event.ExpiresAt != nil:
			if err := m.holds.TrackHold(ctx, event.ReservationID, event.SessionID, *event.ExpiresAt); err != nil {
				m.logger.Error("Failed to track hold",
					zap.String("reservation_id", event.ReservationID),
					zap.Error(err))
			}
		case event.ReleasesHold():
			if _, err := m.holds.ReleaseHold(ctx, event.ReservationID, event.SessionID); err != nil {
				m.logger.Error("Failed to untrack hold",
					zap.String("reservation_id", event.ReservationID),
					zap.Error(err))
			}
		}
	}

	if m.publisher != nil {
		if err := m.publisher.PublishCheckoutEvent(ctx, event); err != nil {
			m.logger.Error("Failed to publish checkout event",
				zap.String("event_type", event.EventType),
				zap.String("session_id", event.SessionID),
				zap.Error(err))
		}
	}
}

// Run reaps idle and finished sessions until ctx is cancelled
func (m *SessionManager) Run(ctx context.Context) {
	interval := m.cfg.IdleTimeout / 4
	if interval <= 0 || interval > 30*time.Second {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("Session reaper started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap(ctx)
		}
	}
}

// Reap abandons sessions left in ticket selection longer than the idle
// timeout and forgets finished sessions older than the retention period.
// Sessions holding a reservation are left to their reservation clock.
func (m *SessionManager) Reap(ctx context.Context) {
	now := m.cfg.Now()

	m.mu.RLock()
	sessions := make([]*CheckoutSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	var evict []string
	for _, s := range sessions {
		if finished, endedAt := s.Finished(); finished {
			if now.Sub(endedAt) >= m.cfg.Retention {
				evict = append(evict, s.ID())
			}
			continue
		}

		if m.cfg.IdleTimeout > 0 && s.IdleSince(now.Add(-m.cfg.IdleTimeout)) {
			if err := s.Abandon(ctx, EndReasonIdleTimeout); err != nil && !errors.Is(err, ErrInvalidTransition) {
				m.logger.Warn("Failed to abandon idle session", zap.String("session_id", s.ID()), zap.Error(err))
			}
		}
	}

	if len(evict) == 0 {
		return
	}

	m.mu.Lock()
	for _, id := range evict {
		delete(m.sessions, id)
	}
	util.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	m.logger.Debug("Evicted finished sessions", zap.Int("count", len(evict)))
}

// Shutdown cancels every session that has not finished, releasing holds
// best-effort
func (m *SessionManager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*CheckoutSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	cancelled := 0
	for _, s := range sessions {
		if finished, _ := s.Finished(); finished {
			continue
		}
		if err := s.end(ctx, StepCancelled, models.EventTypeCheckoutCancelled, EndReasonShutdown); err == nil {
			cancelled++
		}
	}

	m.logger.Info("Checkout sessions cancelled for shutdown", zap.Int("count", cancelled))
}

// ReleaseOrphanedHolds cancels holds this instance registered but no live
// session owns, typically left behind by a previous process
func (m *SessionManager) ReleaseOrphanedHolds(ctx context.Context) (int, error) {
	if m.holds == nil {
		return 0, nil
	}

	holds, err := m.holds.ListHolds(ctx)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, hold := range holds {
		if _, err := m.Get(hold.SessionID); err == nil {
			continue
		}

		if err := m.gateway.Cancel(gateway.WithAuthToken(ctx, m.cfg.ServiceToken), hold.ReservationID); err != nil {
			m.logger.Warn("Failed to release orphaned hold",
				zap.String("reservation_id", hold.ReservationID),
				zap.Error(err))
			continue
		}
		if _, err := m.holds.ReleaseHold(ctx, hold.ReservationID, hold.SessionID); err != nil {
			m.logger.Warn("Failed to untrack orphaned hold",
				zap.String("reservation_id", hold.ReservationID),
				zap.Error(err))
		}
		released++
	}

	m.logger.Info("Orphaned holds released", zap.Int("count", released), zap.Int("found", len(holds)))
	return released, nil
}
