package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"chat_realtime/internal/domain"
)

// ContactRepository resolves the active members of a conversation. Results
// are cached per conversation until Invalidate.
type ContactRepository struct {
	db    *sql.DB
	fetch func(ctx context.Context, conversationID string) ([]string, error)
	cache sync.Map // map[string][]string
}

var _ domain.ContactDirectory = (*ContactRepository)(nil)

func NewContactRepository(db *sql.DB) *ContactRepository {
	r := &ContactRepository{db: db}
	r.fetch = r.fetchMembers
	return r
}

func (r *ContactRepository) Invalidate(conversationID string) {
	r.cache.Delete(conversationID)
}

func (r *ContactRepository) ActiveContactIDs(ctx context.Context, conversationID string) ([]string, error) {
	if val, ok := r.cache.Load(conversationID); ok {
		return append([]string(nil), val.([]string)...), nil
	}

	members, err := r.fetch(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	r.cache.Store(conversationID, members)
	return append([]string(nil), members...), nil
}

func (r *ContactRepository) fetchMembers(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id FROM conversation_members
		WHERE conversation_id = $1 AND active
		ORDER BY user_id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		members = append(members, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conversation members: %w", err)
	}
	return members, nil
}

// AddMember records userID as an active member of the conversation.
func (r *ContactRepository) AddMember(ctx context.Context, conversationID, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversation_members (conversation_id, user_id, active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET active = TRUE
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to add conversation member: %w", err)
	}
	r.Invalidate(conversationID)
	return nil
}

// RemoveMember marks userID inactive in the conversation.
func (r *ContactRepository) RemoveMember(ctx context.Context, conversationID, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE conversation_members SET active = FALSE
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove conversation member: %w", err)
	}
	r.Invalidate(conversationID)
	return nil
}
