// Package conversation binds exactly one message thread to each
// (lead, owner, buyer) triple and lists a user's threads with batched
// latest-message and unread aggregates.
package conversation

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zulandar/leadyard/internal/apperr"
	"github.com/zulandar/leadyard/internal/db"
	"github.com/zulandar/leadyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Summary is one row of a user's conversation list.
type Summary struct {
	Conversation models.Conversation `json:"conversation"`
	LeadTitle    string              `json:"lead_title"`
	LeadStatus   string              `json:"lead_status"`
	Counterpart  string              `json:"counterpart"`
	Latest       *models.Message     `json:"latest,omitempty"`
	Unread       int64               `json:"unread"`
}

// GetOrCreate returns the conversation for the triple, creating it if it does
// not exist. Concurrent and repeated calls all observe the same row: the
// insert is a no-op on the unique triple and the row is then read back.
func GetOrCreate(tx *gorm.DB, leadID uint, ownerID, buyerID string) (*models.Conversation, error) {
	if leadID == 0 || ownerID == "" || buyerID == "" {
		return nil, fmt.Errorf("conversation: lead, owner and buyer are required: %w", apperr.ErrInvalidInput)
	}
	if ownerID == buyerID {
		return nil, fmt.Errorf("conversation: owner and buyer must differ: %w", apperr.ErrPermission)
	}

	conv := models.Conversation{LeadID: leadID, OwnerID: ownerID, BuyerID: buyerID}
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&conv).Error
	if err != nil && !db.IsDuplicate(err) {
		return nil, fmt.Errorf("conversation: create %d/%s/%s: %w", leadID, ownerID, buyerID, apperr.Classify(err))
	}

	var existing models.Conversation
	if err := tx.Where("lead_id = ? AND owner_id = ? AND buyer_id = ?", leadID, ownerID, buyerID).
		First(&existing).Error; err != nil {
		return nil, fmt.Errorf("conversation: read back %d/%s/%s: %w", leadID, ownerID, buyerID, apperr.Classify(err))
	}
	return &existing, nil
}

// Get retrieves a conversation by ID.
func Get(tx *gorm.DB, id uint) (*models.Conversation, error) {
	var c models.Conversation
	if err := tx.Where("id = ?", id).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("conversation: %d: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("conversation: get %d: %w", id, apperr.Classify(err))
	}
	return &c, nil
}

// GetForParticipant retrieves a conversation and checks that userID is one
// of its two participants.
func GetForParticipant(tx *gorm.DB, id uint, userID string) (*models.Conversation, error) {
	c, err := Get(tx, id)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, fmt.Errorf("conversation: %s is not a participant of %d: %w", userID, id, apperr.ErrPermission)
	}
	return c, nil
}

// ListForUser returns every conversation userID takes part in, most recently
// active first. Conversations on deleted leads are included and carry the
// lead status. The cost is a fixed number of queries regardless of how many
// conversations the user has.
func ListForUser(tx *gorm.DB, userID string) ([]Summary, error) {
	if userID == "" {
		return nil, fmt.Errorf("conversation: user is required: %w", apperr.ErrInvalidInput)
	}

	var convs []models.Conversation
	if err := tx.Where("owner_id = ? OR buyer_id = ?", userID, userID).
		Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("conversation: list for %s: %w", userID, apperr.Classify(err))
	}
	if len(convs) == 0 {
		return []Summary{}, nil
	}

	ids := make([]uint, 0, len(convs))
	leadIDs := make([]uint, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
		leadIDs = append(leadIDs, c.LeadID)
	}

	var leads []models.Lead
	if err := tx.Select("id", "title", "status").Where("id IN ?", leadIDs).
		Find(&leads).Error; err != nil {
		return nil, fmt.Errorf("conversation: leads for %s: %w", userID, apperr.Classify(err))
	}
	byLead := make(map[uint]models.Lead, len(leads))
	for _, l := range leads {
		byLead[l.ID] = l
	}

	latest, err := LatestMessages(tx, ids)
	if err != nil {
		return nil, err
	}
	unread, err := UnreadCounts(tx, userID, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(convs))
	for _, c := range convs {
		other, _ := c.OtherParticipant(userID)
		s := Summary{
			Conversation: c,
			LeadTitle:    byLead[c.LeadID].Title,
			LeadStatus:   byLead[c.LeadID].Status,
			Counterpart:  other,
			Unread:       unread[c.ID],
		}
		if m, ok := latest[c.ID]; ok {
			s.Latest = &m
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return activity(out[i].Conversation).After(activity(out[j].Conversation))
	})
	return out, nil
}

func activity(c models.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// LatestMessages returns the newest message of each conversation in ids, in
// one query. Within a conversation ids grow with created_at, so the newest
// message is the one with the highest id.
func LatestMessages(tx *gorm.DB, ids []uint) (map[uint]models.Message, error) {
	out := make(map[uint]models.Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	newest := tx.Model(&models.Message{}).
		Select("MAX(id)").
		Where("conversation_id IN ?", ids).
		Group("conversation_id")

	var msgs []models.Message
	if err := tx.Where("id IN (?)", newest).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("conversation: latest messages: %w", apperr.Classify(err))
	}
	for _, m := range msgs {
		out[m.ConversationID] = m
	}
	return out, nil
}

type unreadRow struct {
	ConversationID uint
	Unread         int64
}

// UnreadCounts returns how many messages addressed to userID are unread in
// each conversation in ids, in one grouped query. Conversations with nothing
// unread are absent from the map.
func UnreadCounts(tx *gorm.DB, userID string, ids []uint) (map[uint]int64, error) {
	out := make(map[uint]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []unreadRow
	if err := tx.Model(&models.Message{}).
		Select("conversation_id, COUNT(*) AS unread").
		Where("conversation_id IN ? AND recipient_id = ? AND read_at IS NULL", ids, userID).
		Group("conversation_id").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("conversation: unread counts for %s: %w", userID, apperr.Classify(err))
	}
	for _, r := range rows {
		out[r.ConversationID] = r.Unread
	}
	return out, nil
}
