package utils

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"soundreach/config"
	"soundreach/engine"
)

// SMTPSender delivers engine outbound mail over SMTP.
type SMTPSender struct {
	cfg config.SMTPConfig
}

func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Send builds and delivers one message. gomail has no context support,
// so the dial-and-send runs in a goroutine raced against the deadline.
func (s *SMTPSender) Send(ctx context.Context, msg engine.OutboundMessage) (string, error) {
	m := gomail.NewMessage()
	from := msg.From
	if from == "" {
		from = s.cfg.FromEmail
	}
	fromName := msg.FromName
	if fromName == "" {
		fromName = s.cfg.FromName
	}
	m.SetHeader("From", fmt.Sprintf("%s <%s>", fromName, from))
	m.SetHeader("To", msg.To)
	if len(msg.CC) > 0 {
		m.SetHeader("Cc", msg.CC...)
	}
	m.SetHeader("Subject", msg.Subject)
	for name, value := range msg.Headers {
		m.SetHeader(name, value)
	}
	if msg.BodyText != "" {
		m.SetBody("text/plain", msg.BodyText)
		m.AddAlternative("text/html", msg.BodyHTML)
	} else {
		m.SetBody("text/html", msg.BodyHTML)
	}

	d := gomail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.Username, s.cfg.Password)

	done := make(chan error, 1)
	go func() {
		done <- d.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return "", engine.Wrap(engine.KindTransientMail, err, "smtp delivery to %s", msg.To)
		}
		return msg.Headers["Message-ID"], nil
	case <-ctx.Done():
		return "", engine.Wrap(engine.KindTransientMail, ctx.Err(), "smtp delivery to %s timed out", msg.To)
	}
}
