// Package email delivers incident alerts over SMTP.
package email

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/notify"
)

// Channel sends alerts as plain-text email. net/smtp covers the simple
// authenticated-relay case this needs; SendMail negotiates STARTTLS when
// the server offers it.
type Channel struct {
	name           string
	addr           string // host:port
	auth           smtp.Auth
	from           string
	recipients     []string
	minSeverity    incident.Severity
	escalationOnly bool

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// New creates an email channel. user may be empty for an open relay.
func New(name, addr, user, password, from string, recipients []string, minSeverity incident.Severity, escalationOnly bool) *Channel {
	var auth smtp.Auth
	if user != "" {
		host := addr
		if i := strings.IndexByte(addr, ':'); i >= 0 {
			host = addr[:i]
		}
		auth = smtp.PlainAuth("", user, password, host)
	}
	return &Channel{
		name:           name,
		addr:           addr,
		auth:           auth,
		from:           from,
		recipients:     recipients,
		minSeverity:    minSeverity,
		escalationOnly: escalationOnly,
		send:           smtp.SendMail,
	}
}

func (c *Channel) Name() string                   { return c.name }
func (c *Channel) MinSeverity() incident.Severity { return c.minSeverity }
func (c *Channel) EscalationOnly() bool           { return c.escalationOnly }

// Send emails the alert to every configured recipient in one message.
// net/smtp has no context support, so cancellation is checked up front
// and the SMTP dial timeout bounds the rest.
func (c *Channel) Send(ctx context.Context, a *notify.Alert) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("email: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", a.Title())
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(a.Body())

	if err := c.send(c.addr, c.auth, c.from, c.recipients, []byte(b.String())); err != nil {
		return fmt.Errorf("email: send via %s: %w", c.addr, err)
	}
	return nil
}
