package lead

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/leadyard/internal/apperr"
	"github.com/zulandar/leadyard/internal/db"
	"github.com/zulandar/leadyard/internal/identity"
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

func createLead(t *testing.T, gormDB *gorm.DB, owner string, publish bool) *models.Lead {
	t.Helper()
	l, err := Create(gormDB, CreateOpts{
		OwnerID:      owner,
		Title:        "Kitchen remodel",
		Category:     "renovation",
		MaxPurchases: 3,
		PriceCents:   1500,
		Publish:      publish,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return l
}

var owner = identity.Actor{ID: "owner-1"}

func TestCreate(t *testing.T) {
	gormDB := testDB(t)

	draft := createLead(t, gormDB, "owner-1", false)
	if draft.ID == 0 {
		t.Error("expected non-zero ID")
	}
	if draft.Status != models.LeadDraft {
		t.Errorf("Status = %q, want draft", draft.Status)
	}
	if draft.PurchasedCount != 0 {
		t.Errorf("PurchasedCount = %d, want 0", draft.PurchasedCount)
	}

	active := createLead(t, gormDB, "owner-1", true)
	if active.Status != models.LeadActive {
		t.Errorf("Status = %q, want active", active.Status)
	}
}

func TestCreate_Validation(t *testing.T) {
	gormDB := testDB(t)

	tests := []struct {
		name string
		opts CreateOpts
		want string
	}{
		{"no owner", CreateOpts{Title: "t", MaxPurchases: 1}, "owner is required"},
		{"no title", CreateOpts{OwnerID: "o", MaxPurchases: 1}, "title is required"},
		{"zero capacity", CreateOpts{OwnerID: "o", Title: "t"}, "max purchases"},
		{"budget inverted", CreateOpts{OwnerID: "o", Title: "t", MaxPurchases: 1, BudgetMinCents: 10, BudgetMaxCents: 5}, "budget"},
		{"negative price", CreateOpts{OwnerID: "o", Title: "t", MaxPurchases: 1, PriceCents: -1}, "price"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Create(gormDB, tt.opts)
			if !errors.Is(err, apperr.ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	_, err := Get(testDB(t), 999)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTransition_AllowedEdges(t *testing.T) {
	tests := []struct {
		name    string
		actions []Action
		want    string
	}{
		{"activate draft", []Action{ActionActivate}, models.LeadActive},
		{"pause", []Action{ActionActivate, ActionPause}, models.LeadPaused},
		{"reactivate", []Action{ActionActivate, ActionPause, ActionReactivate}, models.LeadActive},
		{"complete active", []Action{ActionActivate, ActionComplete}, models.LeadCompleted},
		{"complete paused", []Action{ActionActivate, ActionPause, ActionComplete}, models.LeadCompleted},
		{"delete draft", []Action{ActionDelete}, models.LeadDeleted},
		{"delete active", []Action{ActionActivate, ActionDelete}, models.LeadDeleted},
		{"delete paused", []Action{ActionActivate, ActionPause, ActionDelete}, models.LeadDeleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gormDB := testDB(t)
			l := createLead(t, gormDB, owner.ID, false)
			var got *models.Lead
			for _, a := range tt.actions {
				var err error
				got, err = Transition(gormDB, l.ID, owner, a)
				if err != nil {
					t.Fatalf("Transition(%s): %v", a, err)
				}
			}
			if got.Status != tt.want {
				t.Errorf("returned status = %q, want %q", got.Status, tt.want)
			}
			stored, _ := Get(gormDB, l.ID)
			if stored.Status != tt.want {
				t.Errorf("stored status = %q, want %q", stored.Status, tt.want)
			}
		})
	}
}

func TestTransition_InvalidEdges(t *testing.T) {
	tests := []struct {
		name  string
		setup []Action
		try   Action
	}{
		{"pause draft", nil, ActionPause},
		{"complete draft", nil, ActionComplete},
		{"reactivate active", []Action{ActionActivate}, ActionReactivate},
		{"activate active", []Action{ActionActivate}, ActionActivate},
		{"pause completed", []Action{ActionActivate, ActionComplete}, ActionPause},
		{"delete completed", []Action{ActionActivate, ActionComplete}, ActionDelete},
		{"delete deleted", []Action{ActionDelete}, ActionDelete},
		{"reactivate deleted", []Action{ActionActivate, ActionPause, ActionDelete}, ActionReactivate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gormDB := testDB(t)
			l := createLead(t, gormDB, owner.ID, false)
			for _, a := range tt.setup {
				if _, err := Transition(gormDB, l.ID, owner, a); err != nil {
					t.Fatalf("setup %s: %v", a, err)
				}
			}
			_, err := Transition(gormDB, l.ID, owner, tt.try)
			if !errors.Is(err, apperr.ErrInvalidState) {
				t.Fatalf("err = %v, want ErrInvalidState", err)
			}
		})
	}
}

func TestTransition_Permission(t *testing.T) {
	gormDB := testDB(t)
	l := createLead(t, gormDB, owner.ID, true)

	_, err := Transition(gormDB, l.ID, identity.Actor{ID: "stranger"}, ActionPause)
	if !errors.Is(err, apperr.ErrPermission) {
		t.Fatalf("stranger err = %v, want ErrPermission", err)
	}

	admin := identity.Actor{ID: "ops", Role: identity.RoleAdmin}
	if _, err := Transition(gormDB, l.ID, admin, ActionPause); err != nil {
		t.Fatalf("admin override: %v", err)
	}
}

func TestTransition_UnknownAction(t *testing.T) {
	gormDB := testDB(t)
	l := createLead(t, gormDB, owner.ID, true)
	_, err := Transition(gormDB, l.ID, owner, Action("explode"))
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestTransition_PreservesCounterAndHistory(t *testing.T) {
	gormDB := testDB(t)
	l := createLead(t, gormDB, owner.ID, true)

	gormDB.Model(&models.Lead{}).Where("id = ?", l.ID).Update("purchased_count", 2)
	gormDB.Create(&models.Purchase{LeadID: l.ID, BuyerID: "b1", IdempotencyKey: "k1"})
	gormDB.Create(&models.Conversation{LeadID: l.ID, OwnerID: owner.ID, BuyerID: "b1"})

	if _, err := Transition(gormDB, l.ID, owner, ActionDelete); err != nil {
		t.Fatalf("delete: %v", err)
	}

	stored, _ := Get(gormDB, l.ID)
	if stored.PurchasedCount != 2 {
		t.Errorf("PurchasedCount = %d, want 2", stored.PurchasedCount)
	}
	var purchases, convs int64
	gormDB.Model(&models.Purchase{}).Where("lead_id = ?", l.ID).Count(&purchases)
	gormDB.Model(&models.Conversation{}).Where("lead_id = ?", l.ID).Count(&convs)
	if purchases != 1 || convs != 1 {
		t.Errorf("purchases = %d, conversations = %d; want 1, 1", purchases, convs)
	}
}

func TestGetVisible_HidesDeleted(t *testing.T) {
	gormDB := testDB(t)
	l := createLead(t, gormDB, owner.ID, true)
	Transition(gormDB, l.ID, owner, ActionDelete)

	if _, err := GetVisible(gormDB, l.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetVisible(deleted) err = %v, want ErrNotFound", err)
	}
	if _, err := Get(gormDB, l.ID); err != nil {
		t.Errorf("Get(deleted) should still return the row: %v", err)
	}
}

func TestList_ExcludesDeleted(t *testing.T) {
	gormDB := testDB(t)
	keep := createLead(t, gormDB, owner.ID, true)
	gone := createLead(t, gormDB, owner.ID, true)
	Transition(gormDB, gone.ID, owner, ActionDelete)

	leads, err := List(gormDB, ListFilters{OwnerID: owner.ID})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(leads) != 1 || leads[0].ID != keep.ID {
		t.Errorf("List = %v, want only lead %d", leads, keep.ID)
	}

	all, _ := List(gormDB, ListFilters{OwnerID: owner.ID, IncludeDeleted: true})
	if len(all) != 2 {
		t.Errorf("List(IncludeDeleted) = %d leads, want 2", len(all))
	}

	deleted, _ := List(gormDB, ListFilters{Status: models.LeadDeleted})
	if len(deleted) != 1 || deleted[0].ID != gone.ID {
		t.Errorf("List(status=deleted) = %v", deleted)
	}
}

func TestListActive(t *testing.T) {
	gormDB := testDB(t)
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	open := createLead(t, gormDB, owner.ID, true)
	createLead(t, gormDB, owner.ID, false) // draft

	paused := createLead(t, gormDB, owner.ID, true)
	Transition(gormDB, paused.ID, owner, ActionPause)

	deleted := createLead(t, gormDB, owner.ID, true)
	Transition(gormDB, deleted.ID, owner, ActionDelete)

	full := createLead(t, gormDB, owner.ID, true)
	gormDB.Model(&models.Lead{}).Where("id = ?", full.ID).Update("purchased_count", 3)

	expired, _ := Create(gormDB, CreateOpts{OwnerID: owner.ID, Title: "old", MaxPurchases: 1, Publish: true, ExpiresAt: &past})
	fresh, _ := Create(gormDB, CreateOpts{OwnerID: owner.ID, Title: "new", MaxPurchases: 1, Publish: true, ExpiresAt: &future, Category: "plumbing"})

	leads, err := ListActive(gormDB, "", now, 0)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	got := map[uint]bool{}
	for _, l := range leads {
		got[l.ID] = true
	}
	if !got[open.ID] || !got[fresh.ID] {
		t.Errorf("ListActive missing open/fresh leads: %v", got)
	}
	for _, id := range []uint{paused.ID, deleted.ID, full.ID, expired.ID} {
		if got[id] {
			t.Errorf("ListActive should exclude lead %d", id)
		}
	}

	plumbing, _ := ListActive(gormDB, "plumbing", now, 0)
	if len(plumbing) != 1 || plumbing[0].ID != fresh.ID {
		t.Errorf("ListActive(plumbing) = %v", plumbing)
	}
}

func TestExpireDue(t *testing.T) {
	gormDB := testDB(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due, _ := Create(gormDB, CreateOpts{OwnerID: "o", Title: "due", MaxPurchases: 1, Publish: true, ExpiresAt: &past})
	pausedDue, _ := Create(gormDB, CreateOpts{OwnerID: "o", Title: "paused", MaxPurchases: 1, Publish: true, ExpiresAt: &past})
	Transition(gormDB, pausedDue.ID, identity.Actor{ID: "o"}, ActionPause)
	later, _ := Create(gormDB, CreateOpts{OwnerID: "o", Title: "later", MaxPurchases: 1, Publish: true, ExpiresAt: &future})
	draft, _ := Create(gormDB, CreateOpts{OwnerID: "o", Title: "draft", MaxPurchases: 1, ExpiresAt: &past})

	n, err := ExpireDue(gormDB, now)
	if err != nil {
		t.Fatalf("ExpireDue: %v", err)
	}
	if n != 2 {
		t.Errorf("ExpireDue = %d, want 2", n)
	}

	for id, want := range map[uint]string{
		due.ID:       models.LeadCancelled,
		pausedDue.ID: models.LeadCancelled,
		later.ID:     models.LeadActive,
		draft.ID:     models.LeadDraft,
	} {
		l, _ := Get(gormDB, id)
		if l.Status != want {
			t.Errorf("lead %d status = %q, want %q", id, l.Status, want)
		}
	}

	again, _ := ExpireDue(gormDB, now)
	if again != 0 {
		t.Errorf("second ExpireDue = %d, want 0", again)
	}
}
