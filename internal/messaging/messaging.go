// Package messaging delivers ordered messages between the two participants
// of a conversation and tracks their read state.
package messaging

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/leadyard/internal/apperr"
	"github.com/zulandar/leadyard/internal/conversation"
	"github.com/zulandar/leadyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
	MaxContentLength    = 4000
)

// Cursor is a position in a conversation's (created_at, id) order. The zero
// Cursor is before the first message.
type Cursor struct {
	CreatedAt time.Time
	ID        uint
}

// CursorOf returns the position of m.
func CursorOf(m models.Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// HistoryOpts pages through a conversation. AfterID and BeforeID name
// messages in the conversation; at most one may be set.
type HistoryOpts struct {
	AfterID  uint
	BeforeID uint
	Limit    int
}

// Send persists a message from senderID to the other participant and moves
// the conversation's last_message_at. The conversation row is locked for the
// write and created_at never goes backwards within a conversation, so
// messages stay totally ordered even when clocks disagree.
func Send(db *gorm.DB, conversationID uint, senderID, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("messaging: content is required: %w", apperr.ErrInvalidInput)
	}
	if len(content) > MaxContentLength {
		return nil, fmt.Errorf("messaging: content exceeds %d bytes: %w", MaxContentLength, apperr.ErrInvalidInput)
	}

	var msg models.Message
	err := db.Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", conversationID).First(&conv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("messaging: conversation %d: %w", conversationID, apperr.ErrNotFound)
			}
			return fmt.Errorf("messaging: lock conversation %d: %w", conversationID, apperr.Classify(err))
		}
		recipient, ok := conv.OtherParticipant(senderID)
		if !ok {
			return fmt.Errorf("messaging: %s is not a participant of %d: %w", senderID, conversationID, apperr.ErrPermission)
		}

		createdAt := time.Now().UTC().Truncate(time.Microsecond)
		if conv.LastMessageAt != nil && conv.LastMessageAt.After(createdAt) {
			createdAt = conv.LastMessageAt.UTC()
		}

		msg = models.Message{
			ConversationID: conv.ID,
			SenderID:       senderID,
			RecipientID:    recipient,
			Content:        content,
			CreatedAt:      createdAt,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("messaging: insert: %w", apperr.Classify(err))
		}
		if err := tx.Model(&models.Conversation{}).Where("id = ?", conv.ID).
			Update("last_message_at", createdAt).Error; err != nil {
			return fmt.Errorf("messaging: touch conversation %d: %w", conv.ID, apperr.Classify(err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// History returns a page of messages in ascending order. Without a cursor it
// returns the most recent page.
func History(db *gorm.DB, conversationID uint, readerID string, opts HistoryOpts) ([]models.Message, error) {
	if opts.AfterID != 0 && opts.BeforeID != 0 {
		return nil, fmt.Errorf("messaging: after and before are exclusive: %w", apperr.ErrInvalidInput)
	}
	if _, err := conversation.GetForParticipant(db, conversationID, readerID); err != nil {
		return nil, err
	}
	limit := clampLimit(opts.Limit)

	if opts.AfterID != 0 {
		c, err := cursorFor(db, conversationID, opts.AfterID)
		if err != nil {
			return nil, err
		}
		return since(db, conversationID, c, limit)
	}

	q := db.Where("conversation_id = ?", conversationID)
	if opts.BeforeID != 0 {
		c, err := cursorFor(db, conversationID, opts.BeforeID)
		if err != nil {
			return nil, err
		}
		q = q.Where("created_at < ? OR (created_at = ? AND id < ?)", c.CreatedAt, c.CreatedAt, c.ID)
	}
	var msgs []models.Message
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("messaging: history %d: %w", conversationID, apperr.Classify(err))
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Since returns up to limit messages after the cursor, in order. It is the
// resync primitive for a reconnecting subscriber.
func Since(db *gorm.DB, conversationID uint, readerID string, after Cursor, limit int) ([]models.Message, error) {
	if _, err := conversation.GetForParticipant(db, conversationID, readerID); err != nil {
		return nil, err
	}
	return since(db, conversationID, after, clampLimit(limit))
}

func since(db *gorm.DB, conversationID uint, after Cursor, limit int) ([]models.Message, error) {
	q := db.Where("conversation_id = ?", conversationID)
	if after.ID != 0 {
		q = q.Where("created_at > ? OR (created_at = ? AND id > ?)", after.CreatedAt, after.CreatedAt, after.ID)
	}
	var msgs []models.Message
	if err := q.Order("created_at ASC, id ASC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("messaging: since %d: %w", conversationID, apperr.Classify(err))
	}
	return msgs, nil
}

// CursorFor resolves a message id in the conversation to its cursor.
func CursorFor(db *gorm.DB, conversationID, messageID uint) (Cursor, error) {
	return cursorFor(db, conversationID, messageID)
}

func cursorFor(db *gorm.DB, conversationID, messageID uint) (Cursor, error) {
	var m models.Message
	err := db.Select("id", "created_at").
		Where("id = ? AND conversation_id = ?", messageID, conversationID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Cursor{}, fmt.Errorf("messaging: message %d not in conversation %d: %w", messageID, conversationID, apperr.ErrInvalidInput)
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("messaging: cursor %d: %w", messageID, apperr.Classify(err))
	}
	return CursorOf(m), nil
}

// MarkRead sets read_at on every unread message addressed to readerID in
// the conversation and returns how many changed. Calling it again changes
// nothing.
func MarkRead(db *gorm.DB, conversationID uint, readerID string) (int64, error) {
	if _, err := conversation.GetForParticipant(db, conversationID, readerID); err != nil {
		return 0, err
	}
	result := db.Model(&models.Message{}).
		Where("conversation_id = ? AND recipient_id = ? AND read_at IS NULL", conversationID, readerID).
		Update("read_at", time.Now().UTC())
	if result.Error != nil {
		return 0, fmt.Errorf("messaging: mark read %d: %w", conversationID, apperr.Classify(result.Error))
	}
	return result.RowsAffected, nil
}

// UnreadCount returns how many messages in the conversation userID has not read.
func UnreadCount(db *gorm.DB, conversationID uint, userID string) (int64, error) {
	counts, err := conversation.UnreadCounts(db, userID, []uint{conversationID})
	if err != nil {
		return 0, err
	}
	return counts[conversationID], nil
}

// UnreadCounts returns per-conversation unread counts across every
// conversation userID takes part in, in two queries.
func UnreadCounts(db *gorm.DB, userID string) (map[uint]int64, error) {
	var ids []uint
	if err := db.Model(&models.Conversation{}).
		Where("owner_id = ? OR buyer_id = ?", userID, userID).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("messaging: conversations for %s: %w", userID, apperr.Classify(err))
	}
	return conversation.UnreadCounts(db, userID, ids)
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultHistoryLimit
	case n > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return n
}
