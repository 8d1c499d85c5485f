package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"
)

var ErrNotFound = errors.New("not found")

// RecordCheckoutEvent stores a lifecycle event, and the session outcome when
// the event is terminal, in one transaction. It reports false if the message
// was already recorded.
func (s *Store) RecordCheckoutEvent(ctx context.Context, record *models.CheckoutEventRecord, outcome *models.CheckoutOutcome) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		record.MessageID, record.EventType)
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		return false, nil
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO checkout_events (message_id, session_id, event_type, event_id, reservation_id, detail, occurred_at)
		VALUES (:message_id, :session_id, :event_type, :event_id, :reservation_id, :detail, :occurred_at)
		ON CONFLICT (message_id) DO NOTHING`, record)
	if err != nil {
		return false, fmt.Errorf("failed to insert checkout event: %w", err)
	}

	if outcome != nil {
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO checkout_outcomes (session_id, event_id, outcome, reason, reservation_id, total_amount, registration_id, ended_at)
			VALUES (:session_id, :event_id, :outcome, :reason, :reservation_id, :total_amount, :registration_id, :ended_at)
			ON CONFLICT (session_id) DO UPDATE SET
				outcome = EXCLUDED.outcome,
				reason = EXCLUDED.reason,
				reservation_id = EXCLUDED.reservation_id,
				total_amount = EXCLUDED.total_amount,
				registration_id = EXCLUDED.registration_id,
				ended_at = EXCLUDED.ended_at
			WHERE checkout_outcomes.outcome <> 'SUCCEEDED'`, outcome)
		if err != nil {
			return false, fmt.Errorf("failed to upsert checkout outcome: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// GetSessionHistory returns the recorded events of a session, oldest first
func (s *Store) GetSessionHistory(ctx context.Context, sessionID string) ([]models.CheckoutEventRecord, error) {
	var records []models.CheckoutEventRecord
	err := s.db.SelectContext(ctx, &records,
		"SELECT * FROM checkout_events WHERE session_id = $1 ORDER BY occurred_at, message_id", sessionID)
	return records, err
}

// GetOutcome returns the terminal outcome of a session
func (s *Store) GetOutcome(ctx context.Context, sessionID string) (*models.CheckoutOutcome, error) {
	var outcome models.CheckoutOutcome
	err := s.db.GetContext(ctx, &outcome, "SELECT * FROM checkout_outcomes WHERE session_id = $1", sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", messageID)
	return exists, err
}
