package notify

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"
)

// SMTPMailer delivers messages over SMTP with mandatory STARTTLS.
type SMTPMailer struct {
	host     string
	port     int
	username string
	password string
}

// NewSMTPMailer creates an SMTPMailer. Port 0 means 587.
func NewSMTPMailer(host string, port int, username, password string) *SMTPMailer {
	if port == 0 {
		port = 587
	}
	return &SMTPMailer{host: host, port: port, username: username, password: password}
}

func (m *SMTPMailer) Send(ctx context.Context, msg *Message) error {
	em := mail.NewMsg()
	if err := em.FromFormat(msg.FromName, msg.From); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	if err := em.To(msg.To...); err != nil {
		return fmt.Errorf("set recipients: %w", err)
	}
	em.Subject(msg.Subject)
	em.SetBodyString(mail.TypeTextHTML, msg.HTML)

	opts := []mail.Option{
		mail.WithPort(m.port),
		mail.WithTLSPolicy(mail.TLSMandatory),
	}
	if m.username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.username),
			mail.WithPassword(m.password),
		)
	}
	client, err := mail.NewClient(m.host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, em); err != nil {
		return fmt.Errorf("smtp send via %s:%d: %w", m.host, m.port, err)
	}
	return nil
}
