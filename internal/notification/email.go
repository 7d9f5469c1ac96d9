package notification

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"sort"
	"strings"

	"gopkg.in/gomail.v2"
)

// SMTPConfig holds the mail relay settings.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromName  string
	FromEmail string
}

type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailGateway delivers notifications by email through an SMTP relay.
type EmailGateway struct {
	cfg        SMTPConfig
	sender     mailSender
	recipients Recipients
	logger     *slog.Logger
}

// NewEmailGateway creates a gateway sending through cfg's relay.
func NewEmailGateway(cfg SMTPConfig, recipients Recipients, logger *slog.Logger) (*EmailGateway, error) {
	if cfg.Host == "" || cfg.FromEmail == "" {
		return nil, fmt.Errorf("SMTP host and sender address must be configured")
	}
	return &EmailGateway{
		cfg:        cfg,
		sender:     gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		recipients: recipients,
		logger:     logger,
	}, nil
}

// Send emails n to its recipient. A user without an address is skipped, since
// redelivering the event cannot fix missing contact data.
func (g *EmailGateway) Send(ctx context.Context, n Notification) error {
	to, err := g.recipients.Email(ctx, n.UserID)
	if errors.Is(err, ErrNoAddress) {
		g.logger.Warn("skipping email notification", "user_id", n.UserID, "category", n.Category, "reason", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup address for %s: %w", n.UserID, err)
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", g.cfg.FromEmail, g.cfg.FromName)
	m.SetAddressHeader("To", to, n.UserName)
	m.SetHeader("Subject", subject(n.Category))
	m.SetBody("text/plain", n.Message)
	m.AddAlternative("text/html", htmlBody(n))

	if err := g.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func subject(c Category) string {
	switch c {
	case CategoryScheduled:
		return "Appointment scheduled"
	case CategoryCanceled:
		return "Appointment cancelled"
	case CategoryStatusChanged:
		return "Appointment status updated"
	case CategoryRescheduled:
		return "Appointment rescheduled"
	default:
		return "Appointment update"
	}
}

func htmlBody(n Notification) string {
	keys := make([]string, 0, len(n.Detail))
	for k := range n.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "<p>Hello %s,</p><p>%s</p><table>", html.EscapeString(n.UserName), html.EscapeString(n.Message))
	for _, k := range keys {
		if n.Detail[k] == "" {
			continue
		}
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td></tr>", html.EscapeString(k), html.EscapeString(n.Detail[k]))
	}
	b.WriteString("</table>")
	return b.String()
}
