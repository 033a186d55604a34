package store

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxHistoryTurns bounds how many trailing messages feed a chat turn.
const MaxHistoryTurns = 20

// CreateSession inserts a session with a fresh UUID.
func (s *Store) CreateSession(ctx context.Context, session *ChatSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(session).Error
}

// SessionByID fetches a session owned by the user. Other users' sessions
// are invisible.
func (s *Store) SessionByID(ctx context.Context, id string, userID uint) (*ChatSession, error) {
	var session ChatSession
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&session).Error
	if err != nil {
		return nil, notFound(err, "session", id)
	}
	return &session, nil
}

// ListSessions returns the user's sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context, userID uint) ([]ChatSession, error) {
	var sessions []ChatSession
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&sessions).Error
	return sessions, err
}

// UpdateSession persists mutable session fields (title, top_k).
func (s *Store) UpdateSession(ctx context.Context, session *ChatSession) error {
	return s.db.WithContext(ctx).Model(session).
		Select("title", "top_k").
		Updates(session).Error
}

// DeleteSession soft-deletes a session. History rows stay for audit.
func (s *Store) DeleteSession(ctx context.Context, id string, userID uint) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&ChatSession{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(res.Error, "session", id)
	}
	return nil
}

// RecentMessages returns the session's last limit messages in chronological
// order.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = MaxHistoryTurns
	}
	var messages []Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ListMessages returns the full session history in chronological order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var messages []Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id").
		Find(&messages).Error
	return messages, err
}

// AppendTurn persists one user/assistant exchange atomically. On the first
// turn the session title defaults to the start of the question. The
// session's updated_at moves so listings sort by activity.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, userMsg, assistantMsg *Message) error {
	return s.WithTx(ctx, func(tx *Store) error {
		userMsg.SessionID = sessionID
		userMsg.Role = RoleUserMessage
		if err := tx.db.Create(userMsg).Error; err != nil {
			return err
		}

		assistantMsg.SessionID = sessionID
		assistantMsg.Role = RoleAssistantMessage
		if err := tx.db.Create(assistantMsg).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{"updated_at": time.Now()}

		var session ChatSession
		if err := tx.db.Select("id", "title").First(&session, "id = ?", sessionID).Error; err != nil {
			return err
		}
		if session.Title == "" {
			updates["title"] = DefaultTitle(userMsg.Content)
		}

		return tx.db.Model(&ChatSession{}).
			Where("id = ?", sessionID).
			Updates(updates).Error
	})
}

// DefaultTitle derives a session title from the first question: the first
// 20 characters plus an ellipsis when truncated. Counting is by rune so
// multibyte scripts are not cut mid-character.
func DefaultTitle(question string) string {
	const max = 20
	if utf8.RuneCountInString(question) <= max {
		return question
	}
	runes := []rune(question)
	return string(runes[:max]) + "..."
}
