package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chat_realtime/internal/domain"
)

// upsertDelivery only moves a row forward: to a higher state, to a higher
// retry count within the same state, or from failed to a fresh queued attempt.
var upsertDelivery = fmt.Sprintf(`
	INSERT INTO message_delivery
		(message_id, conversation_id, state, state_name, retry_count, last_error, source, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (message_id) DO UPDATE SET
		state = EXCLUDED.state,
		state_name = EXCLUDED.state_name,
		retry_count = EXCLUDED.retry_count,
		last_error = EXCLUDED.last_error,
		source = EXCLUDED.source,
		updated_at = EXCLUDED.updated_at
	WHERE EXCLUDED.state > message_delivery.state
	   OR (EXCLUDED.state = message_delivery.state AND EXCLUDED.retry_count > message_delivery.retry_count)
	   OR (message_delivery.state = %d AND EXCLUDED.state = %d)
`, int(domain.StateFailed), int(domain.StateLocalQueued))

// DeliveryJournal persists the latest delivery state of every message.
type DeliveryJournal struct {
	db *sql.DB
}

func NewDeliveryJournal(db *sql.DB) *DeliveryJournal {
	return &DeliveryJournal{db: db}
}

func (j *DeliveryJournal) PublishDelivery(ctx context.Context, u domain.MessageDeliveryUpdate) error {
	_, err := j.db.ExecContext(ctx, upsertDelivery,
		u.MessageID, u.ConversationID, int(u.State), u.State.String(),
		u.RetryCount, u.Error, string(u.Source), u.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to record delivery state: %w", err)
	}
	return nil
}

// Lookup returns the journaled state of messageID; ok is false when the
// message was never recorded.
func (j *DeliveryJournal) Lookup(ctx context.Context, messageID string) (domain.MessageDeliveryUpdate, bool, error) {
	var (
		u      domain.MessageDeliveryUpdate
		state  int
		source string
	)
	err := j.db.QueryRowContext(ctx, `
		SELECT message_id, conversation_id, state, retry_count, last_error, source, updated_at
		FROM message_delivery WHERE message_id = $1
	`, messageID).Scan(&u.MessageID, &u.ConversationID, &state, &u.RetryCount, &u.Error, &source, &u.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MessageDeliveryUpdate{}, false, nil
	}
	if err != nil {
		return domain.MessageDeliveryUpdate{}, false, fmt.Errorf("failed to load delivery state: %w", err)
	}
	u.State = domain.DeliveryState(state)
	u.Source = domain.Source(source)
	return u, true, nil
}

// PresenceJournal records the last known presence of the local user and of
// peers. Older updates never overwrite newer ones.
type PresenceJournal struct {
	db     *sql.DB
	selfID string
}

// NewPresenceJournal stores local updates, which carry no user id, under selfID.
func NewPresenceJournal(db *sql.DB, selfID string) *PresenceJournal {
	return &PresenceJournal{db: db, selfID: selfID}
}

func (j *PresenceJournal) PublishPresence(ctx context.Context, u domain.PresenceUpdate) error {
	userID := u.UserID
	if userID == "" {
		userID = j.selfID
	}
	at := u.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO user_presence (user_id, is_online, source, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			is_online = EXCLUDED.is_online,
			source = EXCLUDED.source,
			updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.updated_at >= user_presence.updated_at
	`, userID, u.IsOnline, string(u.Source), at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record presence: %w", err)
	}
	return nil
}

func (j *PresenceJournal) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	var online bool
	err := j.db.QueryRowContext(ctx, `SELECT is_online FROM user_presence WHERE user_id = $1`, userID).Scan(&online)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check if user is online: %w", err)
	}
	return online, nil
}
