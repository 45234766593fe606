package mailer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// Transport delivers one email. It is unreliable I/O: any returned error
// is a transport failure and drives queue-level retry.
type Transport interface {
	Send(ctx context.Context, from, to, subject, htmlBody, textBody string) (messageID string, err error)
}

// SMTPTransport sends mail through a plain SMTP endpoint.
type SMTPTransport struct {
	Host     string
	Port     int
	Username string
	Password string
}

func NewSMTPTransport(host string, port int, username, password string) *SMTPTransport {
	return &SMTPTransport{Host: host, Port: port, Username: username, Password: password}
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// StripTags derives a plain-text body from an HTML one.
func StripTags(html string) string {
	return tagPattern.ReplaceAllString(html, "")
}

func (t *SMTPTransport) Send(ctx context.Context, from, to, subject, htmlBody, textBody string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if textBody == "" {
		textBody = StripTags(htmlBody)
	}

	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/plain", textBody)
	if htmlBody != "" {
		m.AddAlternative("text/html", htmlBody)
	}

	d := gomail.NewDialer(t.Host, t.Port, t.Username, t.Password)
	if err := d.DialAndSend(m); err != nil {
		return "", fmt.Errorf("smtp send error: %w", err)
	}
	return messageID, nil
}
