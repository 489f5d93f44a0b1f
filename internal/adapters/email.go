package adapters

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
)

// EmailSender delivers an outgoing message. The SMTP implementation is the
// production path; tests substitute a recorder.
type EmailSender interface {
	Send(ctx context.Context, tenant *domain.Tenant, to, subject, body string) error
}

// SMTPSender sends through the tenant's configured SMTP relay.
type SMTPSender struct {
	// sendMail is swappable for tests; defaults to smtp.SendMail.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender() *SMTPSender {
	return &SMTPSender{sendMail: smtp.SendMail}
}

func (s *SMTPSender) Send(ctx context.Context, tenant *domain.Tenant, to, subject, body string) error {
	if tenant.SMTPHost == "" || tenant.SMTPFrom == "" {
		return domain.NewError(domain.ErrorTypeAdapter, "no smtp relay configured")
	}
	if to == "" {
		return domain.NewError(domain.ErrorTypeAdapter, "no recipient address")
	}
	if err := ctx.Err(); err != nil {
		return domain.WrapError(domain.ErrorTypeAdapter, err, "send canceled")
	}

	msg := buildMessage(tenant.SMTPFrom, to, subject, body)
	if err := s.sendMail(tenant.SMTPHost, nil, tenant.SMTPFrom, []string{to}, msg); err != nil {
		return domain.WrapError(domain.ErrorTypeAdapter, err, "smtp send")
	}
	return nil
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// sanitizeHeader strips CRLF so draft content can never inject headers.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
