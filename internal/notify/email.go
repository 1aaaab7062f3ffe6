package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPSender submits mail over SMTP with STARTTLS and plain auth.
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (s *SMTPSender) addr() string {
	port := s.Port
	if port == 0 {
		port = 587
	}
	return fmt.Sprintf("%s:%d", s.Host, port)
}

// Send delivers one message. smtp.SendMail has no context support, so the
// call runs in a goroutine and the context deadline abandons it; the engine
// treats an abandoned send as failed.
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	from := s.From
	if from == "" {
		from = s.Username
	}
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	auth := smtp.PlainAuth("", s.Username, s.Password, s.Host)
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(s.addr(), auth, from, []string{to}, []byte(msg.String()))
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", to, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send to %s: %w", to, ctx.Err())
	}
}
