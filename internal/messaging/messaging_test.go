package messaging

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/leadyard/internal/apperr"
	"github.com/zulandar/leadyard/internal/conversation"
	"github.com/zulandar/leadyard/internal/db"
	"github.com/zulandar/leadyard/internal/models"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gormDB
}

func seedConversation(t *testing.T, gormDB *gorm.DB) *models.Conversation {
	t.Helper()
	l := models.Lead{OwnerID: "owner", Title: "Deck stain", Status: models.LeadActive, MaxPurchases: 2}
	if err := gormDB.Create(&l).Error; err != nil {
		t.Fatalf("seed lead: %v", err)
	}
	c, err := conversation.GetOrCreate(gormDB, l.ID, "owner", "buyer")
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return c
}

func send(t *testing.T, gormDB *gorm.DB, convID uint, from, content string) *models.Message {
	t.Helper()
	m, err := Send(gormDB, convID, from, content)
	if err != nil {
		t.Fatalf("Send(%s, %q): %v", from, content, err)
	}
	return m
}

// --- Send ---

func TestSend_ResolvesRecipient(t *testing.T) {
	gormDB := testDB(t)
	c := seedConversation(t, gormDB)

	m := send(t, gormDB, c.ID, "buyer", "  is this still available?  ")
	if m.RecipientID != "owner" || m.SenderID != "buyer" {
		t.Errorf("sender/recipient = %s/%s", m.SenderID, m.RecipientID)
	}
	if m.Content != "is this still available?" {
		t.Errorf("Content = %q", m.Content)
	}

	reply := send(t, gormDB, c.ID, "owner", "yes")
	if reply.RecipientID != "buyer" {
		t.Errorf("reply recipient = %s, want buyer", reply.RecipientID)
	}

	stored, _ := conversation.Get(gormDB, c.ID)
	if stored.LastMessageAt == nil || !stored.LastMessageAt.Equal(reply.CreatedAt) {
		t.Errorf("LastMessageAt = %v, want %v", stored.LastMessageAt, reply.CreatedAt)
	}
}

func TestSend_Rejections(t *testing.T) {
	gormDB := testDB(t)
	c := seedConversation(t, gormDB)

	tests := []struct {
		name    string
		conv    uint
		sender  string
		content string
		want    error
	}{
		{"stranger", c.ID, "stranger", "hi", apperr.ErrPermission},
		{"empty sender", c.ID, "", "hi", apperr.ErrPermission},
		{"blank content", c.ID, "buyer", "   ", apperr.ErrInvalidInput},
		{"too long", c.ID, "buyer", strings.Repeat("x", MaxContentLength+1), apperr.ErrInvalidInput},
		{"missing conversation", 999, "buyer", "hi", apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Send(gormDB, tt.conv, tt.sender, tt.content)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	var n int64
	gormDB.Model(&models.Message{}).Count(&n)
	if n != 0 {
		t.Errorf("message rows = %d, want 0 after failed sends", n)
	}
	stored, _ := conversation.Get(gormDB, c.ID)
	if stored.LastMessageAt != nil {
		t.Error("failed sends must not touch last_message_at")
	}
}

func TestSend_CreatedAtNeverGoesBackwards(t *testing.T) {
	gormDB := testDB(t)
	c := seedConversation(t, gormDB)

	future := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)
	gormDB.Model(&models.Conversation{}).Where("id = ?", c.ID).Update("last_message_at", future)

	m := send(t, gormDB, c.ID, "buyer", "clock skew")
	if m.CreatedAt.Before(future) {
		t.Errorf("CreatedAt = %v, before last_message_at %v", m.CreatedAt, future)
	}
}

func TestSend_DeletedLeadStillWritable(t *testing.T) {
	gormDB := testDB(t)
	c := seedConversation(t, gormDB)
	gormDB.Model(&models.Lead{}).Where("id = ?", c.LeadID).Update("status", models.LeadDeleted)

	send(t, gormDB, c.ID, "buyer", "following up")
	msgs, err := History(gormDB, c.ID, "owner", HistoryOpts{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("len = %d, want 1", len(msgs))
	}
}

// --- History / Since ---

func TestHistory_Ordering(t *testing.T) {
	gormDB := testDB(t)
	c := seedConversation(t, gormDB)
	for i := 0; i < 10; i++ {
		from := "buyer"
		if i%2 == 1 {
			from = "owner"
		}
		send(t, gormDB, c.ID, from, "msg")
	}

	msgs, err := History(gormDB, c.ID, "buyer", HistoryOpts{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 10 {
		t.Fatalf("len = %d, want 10", len(msgs))
	}
	assertOrdered(t, msgs)
}

func assertOrdered(t *testing.T, msgs []models.Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		prev, cur := msgs[i-1], msgs[i]
		if cur.CreatedAt.Before(prev.CreatedAt) ||
			(cur.CreatedAt.Equal(prev.CreatedAt) && cur.ID <= prev.ID) {
			t.Fatalf("message %d (%v) out of order after %d (%v)", cur.ID, cur.CreatedAt, prev.ID, prev.CreatedAt)
		}
	}
}

func TestHistory_Paging(t *testing.T) {
	gormDB := testDB(t)
	c := seedConversation(t, gormDB)
	var ids []uint
	for i := 0; i < 7; i++ {
		ids = append(ids, send(t, gormDB, c.ID, "buyer", "m").ID)
	}

	latest, _ := History(gormDB, c.ID, "owner", HistoryOpts{Limit: 3})
	if len(latest) != 3 || latest[2].ID != ids[6] || latest[0].ID != ids[4] {
		t.Fatalf("latest page = %v", messageIDs(latest))
	}

	older, _ := History(gormDB, c.ID, "owner", HistoryOpts{BeforeID: latest[0].ID, Limit: 3})
	if got := messageIDs(older); len(got) != 3 || got[0] != ids[1] || got[2] != ids[3] {
		t.Errorf("older page = %v, want %v", got, ids[1:4])
	}

	after, _ := History(gormDB, c.ID, "owner", HistoryOpts{AfterID: ids[4]})
	if got := messageIDs(after); len(got) != 2 || got[0] != ids[5] {
		t.Errorf("after page = %v, want %v", got, ids[5:])
	}

	if _, err := History(gormDB, c.ID, "owner", HistoryOpts{AfterID: 1, BeforeID: 2}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("both cursors err = %v, want ErrInvalidInput", err)
	}
	if _, err := History(gormDB, c.ID, "stranger", HistoryOpts{}); !errors.Is(err, apperr.ErrPermission) {
		t.Errorf("stranger err = %v, want ErrPermission", err)
	}
}

func TestSince_SameTimestampUsesID(t *testing.T) {
	gormDB := testDB(t)
	c := seedConversation(t, gormDB)
	at := time.Now().UTC().Truncate(time.Microsecond)
	for _, content := range []string{"a", "b", "c"} {
		gormDB.Create(&models.Message{ConversationID: c.ID, SenderID: "buyer", RecipientID: "owner", Content: content, CreatedAt: at})
	}

	all, _ := Since(gormDB, c.ID, "owner", Cursor{}, 0)
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	rest, err := Since(gormDB, c.ID, "owner", CursorOf(all[0]), 0)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if got := messageIDs(rest); len(got) != 2 || got[0] != all[1].ID || got[1] != all[2].ID {
		t.Errorf("Since(first) = %v", got)
	}
}

func messageIDs(msgs []models.Message) []uint {
	ids := make([]uint, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultHistoryLimit},
		{-5, DefaultHistoryLimit},
		{10, 10},
		{MaxHistoryLimit + 1, MaxHistoryLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

// --- Read tracking ---

func TestMarkRead(t *testing.T) {
	gormDB := testDB(t)
	c := seedConversation(t, gormDB)
	send(t, gormDB, c.ID, "buyer", "one")
	send(t, gormDB, c.ID, "buyer", "two")
	send(t, gormDB, c.ID, "owner", "reply")

	if n, _ := UnreadCount(gormDB, c.ID, "owner"); n != 2 {
		t.Fatalf("owner unread = %d, want 2", n)
	}

	changed, err := MarkRead(gormDB, c.ID, "owner")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if changed != 2 {
		t.Errorf("changed = %d, want 2", changed)
	}
	if n, _ := UnreadCount(gormDB, c.ID, "owner"); n != 0 {
		t.Errorf("owner unread after MarkRead = %d, want 0", n)
	}
	if n, _ := UnreadCount(gormDB, c.ID, "buyer"); n != 1 {
		t.Errorf("buyer unread = %d, want 1 (owner's read must not touch it)", n)
	}

	again, _ := MarkRead(gormDB, c.ID, "owner")
	if again != 0 {
		t.Errorf("second MarkRead changed %d, want 0", again)
	}

	send(t, gormDB, c.ID, "buyer", "three")
	if n, _ := UnreadCount(gormDB, c.ID, "owner"); n != 1 {
		t.Errorf("owner unread after new message = %d, want 1", n)
	}
}

func TestMarkRead_KeepsFirstReadTime(t *testing.T) {
	gormDB := testDB(t)
	c := seedConversation(t, gormDB)
	m := send(t, gormDB, c.ID, "buyer", "one")
	MarkRead(gormDB, c.ID, "owner")

	var first models.Message
	gormDB.First(&first, m.ID)
	time.Sleep(5 * time.Millisecond)
	MarkRead(gormDB, c.ID, "owner")

	var second models.Message
	gormDB.First(&second, m.ID)
	if first.ReadAt == nil || !first.ReadAt.Equal(*second.ReadAt) {
		t.Errorf("ReadAt changed from %v to %v", first.ReadAt, second.ReadAt)
	}
}

func TestMarkRead_NonParticipant(t *testing.T) {
	gormDB := testDB(t)
	c := seedConversation(t, gormDB)
	if _, err := MarkRead(gormDB, c.ID, "stranger"); !errors.Is(err, apperr.ErrPermission) {
		t.Errorf("err = %v, want ErrPermission", err)
	}
}

func TestUnreadCounts(t *testing.T) {
	gormDB := testDB(t)
	c1 := seedConversation(t, gormDB)
	c2 := seedConversation(t, gormDB)
	send(t, gormDB, c1.ID, "buyer", "a")
	send(t, gormDB, c2.ID, "buyer", "b")
	send(t, gormDB, c2.ID, "buyer", "c")

	counts, err := UnreadCounts(gormDB, "owner")
	if err != nil {
		t.Fatalf("UnreadCounts: %v", err)
	}
	if counts[c1.ID] != 1 || counts[c2.ID] != 2 {
		t.Errorf("counts = %v", counts)
	}
}
