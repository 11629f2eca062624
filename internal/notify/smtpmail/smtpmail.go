// Package smtpmail sends patient e-mail through an SMTP relay.
package smtpmail

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/linnemanlabs/lookout/internal/escalation"
	"github.com/linnemanlabs/lookout/internal/notify"
	"github.com/linnemanlabs/lookout/internal/screening"
)

const dialTimeout = 10 * time.Second

// Config holds SMTP relay settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	// StartTLS makes TLS mandatory. Without it the session stays plaintext,
	// which only suits a local relay.
	StartTLS bool
}

// Mailer implements notify.EmailSender.
type Mailer struct {
	cfg  Config
	opts []mail.Option
	now  func() time.Time
}

// New creates a Mailer.
func New(cfg Config) (*Mailer, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, errors.New("smtpmail: host and from are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}

	policy := mail.NoTLS
	if cfg.StartTLS {
		policy = mail.TLSMandatory
	}
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(dialTimeout),
		mail.WithTLSPolicy(policy),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	// fail on bad options here rather than on the first send
	if _, err := mail.NewClient(cfg.Host, opts...); err != nil {
		return nil, fmt.Errorf("smtpmail: %w", err)
	}

	return &Mailer{cfg: cfg, opts: opts, now: time.Now}, nil
}

// SendEmail renders msg and delivers it to the given address. Permanent SMTP
// replies and bad addresses are permanent; connection problems and temporary
// replies are transient.
func (m *Mailer) SendEmail(ctx context.Context, to string, msg escalation.Message) error {
	em, err := m.build(to, msg)
	if err != nil {
		return notify.Permanent(fmt.Errorf("smtpmail: %w", err))
	}

	// one client per send so dispatcher workers do not serialise on it
	c, err := mail.NewClient(m.cfg.Host, m.opts...)
	if err != nil {
		return notify.Permanent(fmt.Errorf("smtpmail: %w", err))
	}
	if err := c.DialAndSendWithContext(ctx, em); err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) && !sendErr.IsTemp() {
		return notify.Permanent(fmt.Errorf("smtpmail: %w", err))
	}
	return notify.Transient(fmt.Errorf("smtpmail: %w", err))
}

var bodyTmpl = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #222;">
  <div style="border-left: 6px solid {{.Color}}; padding: 12px 16px;">
    <h2 style="margin-top: 0;">{{.Title}}</h2>
    <p>{{.Body}}</p>
    {{if .Priority}}<p><strong>Priority:</strong> {{.Priority}}</p>{{end}}
  </div>
  <p style="font-size: 12px; color: #777;">Reference {{.RecordID}}. This message was sent automatically; please do not reply.</p>
</body>
</html>
`))

type bodyData struct {
	Title    string
	Body     string
	Priority string
	Color    string
	RecordID string
}

func (m *Mailer) build(to string, msg escalation.Message) (*mail.Msg, error) {
	em := mail.NewMsg(mail.WithEncoding(mail.NoEncoding))
	if err := em.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if err := em.To(to); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	em.Subject(msg.Title)
	em.SetDateWithValue(m.now())
	em.SetMessageID()
	em.SetGenHeader(mail.Header("X-Lookout-Record"), msg.RecordID)

	em.SetBodyString(mail.TypeTextPlain, plainBody(msg))
	data := bodyData{
		Title:    msg.Title,
		Body:     msg.Body,
		Priority: priorityLabel(msg.Priority),
		Color:    priorityColor(msg.Priority),
		RecordID: msg.RecordID,
	}
	if err := em.AddAlternativeHTMLTemplate(bodyTmpl, data); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return em, nil
}

func plainBody(msg escalation.Message) string {
	var b strings.Builder
	b.WriteString(msg.Title)
	b.WriteString("\n\n")
	b.WriteString(msg.Body)
	b.WriteString("\n")
	if l := priorityLabel(msg.Priority); l != "" {
		b.WriteString("\nPriority: " + l + "\n")
	}
	b.WriteString("\nReference " + msg.RecordID + ".\n")
	return b.String()
}

func priorityLabel(p screening.PriorityLevel) string {
	if p == screening.PriorityNone {
		return ""
	}
	return strings.ToUpper(p.String()[:1]) + p.String()[1:]
}

func priorityColor(p screening.PriorityLevel) string {
	switch p {
	case screening.PriorityCritical:
		return "#d32f2f"
	case screening.PriorityUrgent:
		return "#f57c00"
	case screening.PriorityModerate:
		return "#fbc02d"
	case screening.PriorityRoutine:
		return "#1976d2"
	default:
		return "#388e3c"
	}
}
