package models

import "time"

// Conversation is the single thread binding a lead's owner and one buyer.
type Conversation struct {
	ID            uint       `gorm:"primaryKey;autoIncrement"`
	LeadID        uint       `gorm:"not null;uniqueIndex:idx_conversation_triple,priority:1"`
	OwnerID       string     `gorm:"size:64;not null;uniqueIndex:idx_conversation_triple,priority:2;index"`
	BuyerID       string     `gorm:"size:64;not null;uniqueIndex:idx_conversation_triple,priority:3;index"`
	LastMessageAt *time.Time `gorm:"index"`
	CreatedAt     time.Time
}

// HasParticipant reports whether userID is the owner or the buyer.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (userID == c.OwnerID || userID == c.BuyerID)
}

// OtherParticipant returns the participant that is not userID.
func (c *Conversation) OtherParticipant(userID string) (string, bool) {
	switch userID {
	case "":
		return "", false
	case c.OwnerID:
		return c.BuyerID, true
	case c.BuyerID:
		return c.OwnerID, true
	}
	return "", false
}

// Message is one entry in a conversation. Only ReadAt is ever updated.
type Message struct {
	ID             uint       `gorm:"primaryKey;autoIncrement"`
	ConversationID uint       `gorm:"not null;index:idx_message_conv_created,priority:1"`
	SenderID       string     `gorm:"size:64;not null"`
	RecipientID    string     `gorm:"size:64;not null;index"`
	Content        string     `gorm:"type:text;not null"`
	CreatedAt      time.Time  `gorm:"index:idx_message_conv_created,priority:2"`
	ReadAt         *time.Time `gorm:"index"`
}
