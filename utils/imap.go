package utils

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"soundreach/config"
	"soundreach/engine"
)

// IMAPReader pulls mailbox messages newer than a UID checkpoint.
type IMAPReader struct {
	cfg config.IMAPConfig
}

func NewIMAPReader(cfg config.IMAPConfig) *IMAPReader {
	return &IMAPReader{cfg: cfg}
}

// FetchSince connects, selects the mailbox, and fetches every message
// with UID greater than lastUID. The returned newLastUID is the highest
// UID seen (lastUID when nothing is new).
func (r *IMAPReader) FetchSince(ctx context.Context, lastUID uint32) ([]engine.InboundMessage, uint32, error) {
	imapClient, err := r.dial()
	if err != nil {
		return nil, lastUID, engine.Wrap(engine.KindTransientMail, err, "connecting to IMAP server")
	}
	defer imapClient.Logout()

	if err := imapClient.Login(r.cfg.Username, r.cfg.Password); err != nil {
		return nil, lastUID, engine.Wrap(engine.KindTransientMail, err, "IMAP login")
	}

	mailbox := r.cfg.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := imapClient.Select(mailbox, true); err != nil {
		return nil, lastUID, engine.Wrap(engine.KindTransientMail, err, "selecting mailbox %s", mailbox)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(lastUID+1, 0)
	uids, err := imapClient.UidSearch(criteria)
	if err != nil {
		return nil, lastUID, engine.Wrap(engine.KindTransientMail, err, "searching mailbox")
	}
	if len(uids) == 0 {
		return nil, lastUID, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.UidFetch(seqset, items, messages)
	}()

	newLast := lastUID
	var out []engine.InboundMessage
	var ctxErr error
	for msg := range messages {
		// Keep draining so the UidFetch goroutine can finish writing.
		if ctxErr == nil {
			select {
			case <-ctx.Done():
				ctxErr = ctx.Err()
			default:
			}
		}
		if ctxErr != nil {
			continue
		}
		parsed, err := parseIMAPMessage(msg, section)
		if err != nil {
			continue
		}
		if msg.Uid > newLast {
			newLast = msg.Uid
		}
		out = append(out, parsed)
	}
	if err := <-done; err != nil {
		return nil, lastUID, engine.Wrap(engine.KindTransientMail, err, "fetching messages")
	}
	if ctxErr != nil {
		return nil, lastUID, engine.Wrap(engine.KindTransientMail, ctxErr, "mailbox fetch cancelled")
	}
	return out, newLast, nil
}

func (r *IMAPReader) dial() (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port)
	tlsConfig := &tls.Config{ServerName: r.cfg.Host}

	switch strings.ToUpper(r.cfg.Encryption) {
	case "SSL", "TLS":
		return client.DialTLS(addr, tlsConfig)
	case "STARTTLS":
		c, err := client.Dial(addr)
		if err != nil {
			return nil, err
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return client.Dial(addr)
	}
}

func parseIMAPMessage(msg *imap.Message, section *imap.BodySectionName) (engine.InboundMessage, error) {
	literal := msg.GetBody(section)
	if literal == nil {
		return engine.InboundMessage{}, fmt.Errorf("message %d has no body", msg.Uid)
	}
	parsed, err := ParseRawMessage(literal)
	if err != nil {
		return engine.InboundMessage{}, err
	}
	parsed.UID = msg.Uid
	if parsed.ReceivedAt.IsZero() && msg.Envelope != nil {
		parsed.ReceivedAt = msg.Envelope.Date
	}
	return parsed, nil
}

// ParseRawMessage reads one RFC 822 message into the engine's inbound
// shape. The mail webhook shares it with the IMAP path.
func ParseRawMessage(r io.Reader) (engine.InboundMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return engine.InboundMessage{}, fmt.Errorf("reading message: %w", err)
	}

	header := mr.Header
	msg := engine.InboundMessage{
		MessageID:  strings.Trim(header.Get("Message-Id"), "<>"),
		Subject:    header.Get("Subject"),
		InReplyTo:  strings.Trim(header.Get("In-Reply-To"), "<>"),
		References: header.Get("References"),
		Headers:    map[string]string{},
	}
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	} else {
		msg.From = header.Get("From")
	}
	if date, err := header.Date(); err == nil {
		msg.ReceivedAt = date.UTC()
	} else {
		msg.ReceivedAt = time.Now().UTC()
	}
	for _, name := range []string{"Auto-Submitted", "X-Autoreply", "X-Autorespond", "X-Tracking-Token", "Content-Type", "Precedence"} {
		if v := header.Get(name); v != "" {
			msg.Headers[name] = v
		}
	}

	var text, html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			break
		}
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, _ := io.ReadAll(part.Body)
			switch contentType {
			case "text/plain":
				if text == "" {
					text = string(body)
				}
			case "text/html":
				if html == "" {
					html = string(body)
				}
			}
		}
	}
	if text == "" {
		text = html
	}
	msg.BodyText = text
	return msg, nil
}
