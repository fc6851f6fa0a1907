package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/leadyard/internal/db"
	"github.com/zulandar/leadyard/internal/models"
	"gopkg.in/gomail.v2"
)

type fakeDialer struct {
	sent []*gomail.Message
	err  error
}

func (d *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, m...)
	return nil
}

type staticContacts map[string]models.Contact

func (c staticContacts) Contact(_ context.Context, userID string) (*models.Contact, error) {
	contact, ok := c[userID]
	if !ok {
		return nil, Permanent(errors.New("unknown user"))
	}
	return &contact, nil
}

func TestEmailSink_Deliver(t *testing.T) {
	dialer := &fakeDialer{}
	sink, err := NewEmailSink(EmailOpts{
		From:     "no-reply@leadyard.local",
		Contacts: staticContacts{"owner": {UserID: "owner", Email: "owner@example.com", DisplayName: "Olive"}},
		Dialer:   dialer,
	})
	require.NoError(t, err)

	task := NewTask(KindPurchaseCompleted, "owner", "Your lead was purchased", "A buyer unlocked your lead.")
	task.LeadID = 12
	require.NoError(t, sink.Deliver(context.Background(), task))

	require.Len(t, dialer.sent, 1)
	m := dialer.sent[0]
	assert.Equal(t, []string{"Your lead was purchased"}, m.GetHeader("Subject"))
	assert.Equal(t, []string{task.ID}, m.GetHeader("X-Leadyard-Task"))
	to := m.GetHeader("To")
	require.Len(t, to, 1)
	assert.True(t, strings.Contains(to[0], "owner@example.com"), "To = %q", to[0])
}

func TestEmailSink_NoAddressIsPermanent(t *testing.T) {
	sink, _ := NewEmailSink(EmailOpts{
		From:     "no-reply@leadyard.local",
		Contacts: staticContacts{"u": {UserID: "u"}},
		Dialer:   &fakeDialer{},
	})
	err := sink.Deliver(context.Background(), NewTask(KindMessageReceived, "u", "t", "b"))
	assert.ErrorIs(t, err, ErrPermanent)

	err = sink.Deliver(context.Background(), NewTask(KindMessageReceived, "ghost", "t", "b"))
	assert.ErrorIs(t, err, ErrPermanent)
}

func TestEmailSink_SMTPErrorIsRetryable(t *testing.T) {
	sink, _ := NewEmailSink(EmailOpts{
		From:     "no-reply@leadyard.local",
		Contacts: staticContacts{"u": {UserID: "u", Email: "u@example.com"}},
		Dialer:   &fakeDialer{err: errors.New("connection refused")},
	})
	err := sink.Deliver(context.Background(), NewTask(KindMessageReceived, "u", "t", "b"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrPermanent))
}

func TestNewEmailSink_Validation(t *testing.T) {
	_, err := NewEmailSink(EmailOpts{From: "a@b"})
	assert.Error(t, err)
	_, err = NewEmailSink(EmailOpts{Contacts: staticContacts{}})
	assert.Error(t, err)
	_, err = NewEmailSink(EmailOpts{From: "a@b", Contacts: staticContacts{}})
	assert.Error(t, err, "no host and no dialer")
}

func TestDBContacts(t *testing.T) {
	gormDB, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gormDB))
	require.NoError(t, db.UpsertContact(gormDB, models.Contact{UserID: "u1", Email: "u1@example.com"}))

	c, err := DBContacts{DB: gormDB}.Contact(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", c.Email)

	_, err = DBContacts{DB: gormDB}.Contact(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPermanent)
}
