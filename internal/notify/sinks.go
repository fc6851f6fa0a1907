package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/zulandar/leadyard/internal/db"
	"github.com/zulandar/leadyard/internal/models"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"
)

// LogSink writes each task to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Deliver(_ context.Context, t Task) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"task", t.ID, "kind", t.Kind, "recipient", t.RecipientID,
		"lead", t.LeadID, "conversation", t.ConversationID, "title", t.Title)
	return nil
}

// ContactResolver looks up where to reach a user.
type ContactResolver interface {
	Contact(ctx context.Context, userID string) (*models.Contact, error)
}

// DBContacts resolves contacts from the contacts table.
type DBContacts struct {
	DB *gorm.DB
}

func (c DBContacts) Contact(ctx context.Context, userID string) (*models.Contact, error) {
	contact, err := db.GetContact(c.DB.WithContext(ctx), userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, Permanent(err)
	}
	return contact, err
}

// mailDialer is the part of *gomail.Dialer the email sink uses.
type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailOpts configures an EmailSink.
type EmailOpts struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	Contacts ContactResolver
	Dialer   mailDialer // injected in tests; built from Host/Port otherwise
}

// EmailSink mails the recipient through SMTP.
type EmailSink struct {
	from     string
	contacts ContactResolver
	dialer   mailDialer
}

// NewEmailSink creates an EmailSink.
func NewEmailSink(opts EmailOpts) (*EmailSink, error) {
	if opts.Contacts == nil {
		return nil, fmt.Errorf("notify: email sink needs a contact resolver")
	}
	if opts.From == "" {
		return nil, fmt.Errorf("notify: email sender address is required")
	}
	dialer := opts.Dialer
	if dialer == nil {
		if opts.Host == "" {
			return nil, fmt.Errorf("notify: smtp host is required")
		}
		dialer = gomail.NewDialer(opts.Host, opts.Port, opts.User, opts.Password)
	}
	return &EmailSink{from: opts.From, contacts: opts.Contacts, dialer: dialer}, nil
}

func (s *EmailSink) Name() string { return "email" }

var emailBody = template.Must(template.New("email").Parse(`Hi {{.Name}},

{{.Task.Body}}
{{if .Task.LeadID}}
Lead: #{{.Task.LeadID}}{{end}}{{if .Task.ConversationID}}
Conversation: #{{.Task.ConversationID}}{{end}}

You are receiving this because you have an account on Leadyard.
`))

// Deliver mails the task. A recipient without an address is a permanent
// failure.
func (s *EmailSink) Deliver(ctx context.Context, t Task) error {
	contact, err := s.contacts.Contact(ctx, t.RecipientID)
	if err != nil {
		return fmt.Errorf("notify: resolve %s: %w", t.RecipientID, err)
	}
	if strings.TrimSpace(contact.Email) == "" {
		return Permanent(fmt.Errorf("notify: %s has no email address", t.RecipientID))
	}

	name := contact.DisplayName
	if name == "" {
		name = t.RecipientID
	}
	var body bytes.Buffer
	if err := emailBody.Execute(&body, struct {
		Name string
		Task Task
	}{name, t}); err != nil {
		return Permanent(fmt.Errorf("notify: render email: %w", err))
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetAddressHeader("To", contact.Email, contact.DisplayName)
	m.SetHeader("Subject", t.Title)
	m.SetHeader("X-Leadyard-Task", t.ID)
	m.SetBody("text/plain", body.String())

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("notify: smtp send to %s: %w", t.RecipientID, err)
	}
	return nil
}
