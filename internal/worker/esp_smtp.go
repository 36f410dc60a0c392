package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/go-gomail/gomail"
	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/service/sending"
)

// SMTPConfig holds relay settings. Port 465 uses implicit TLS; any other
// port upgrades with STARTTLS when the server offers it.
type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	MessageIDDomain    string
	InsecureSkipVerify bool
}

// SMTPTransport sends mail through an SMTP relay.
type SMTPTransport struct {
	dialer *gomail.Dialer
	domain string
	send   func(d *gomail.Dialer, m *gomail.Message) error
}

// NewSMTPTransport creates an SMTP transport.
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.SSL = cfg.Port == 465
	if cfg.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: true}
	}
	domain := cfg.MessageIDDomain
	if domain == "" {
		domain = cfg.Host
	}
	return &SMTPTransport{
		dialer: d,
		domain: domain,
		send:   func(d *gomail.Dialer, m *gomail.Message) error { return d.DialAndSend(m) },
	}
}

func (t *SMTPTransport) Name() string { return "smtp" }

// Send delivers msg and returns the Message-ID it was stamped with.
func (t *SMTPTransport) Send(ctx context.Context, msg *sending.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", sending.Retryable("", err)
	}
	m, messageID := t.build(msg)
	if err := t.send(t.dialer, m); err != nil {
		return "", classifySMTP(err)
	}
	return messageID, nil
}

func (t *SMTPTransport) build(msg *sending.Message) (*gomail.Message, string) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), t.domain)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.FromEmail, msg.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}

	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}
	return m, messageID
}

// classifySMTP maps relay replies onto the transport error taxonomy: 5xx
// replies are permanent, 4xx replies and network failures are retried.
func classifySMTP(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		code := strconv.Itoa(tpErr.Code)
		if tpErr.Code >= 500 {
			return sending.Terminal(code, err)
		}
		return sending.Retryable(code, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return sending.Retryable("network", err)
	}
	// gomail flattens some replies into plain errors like "gomail: could not send email 1: 550 ...".
	if code := leadingReplyCode(err.Error()); code != "" {
		if code[0] == '5' {
			return sending.Terminal(code, err)
		}
		return sending.Retryable(code, err)
	}
	return sending.Retryable("", err)
}

func leadingReplyCode(s string) string {
	if i := strings.LastIndex(s, ": "); i >= 0 {
		s = s[i+2:]
	}
	if len(s) < 3 {
		return ""
	}
	code := s[:3]
	if _, err := strconv.Atoi(code); err != nil || (code[0] != '4' && code[0] != '5') {
		return ""
	}
	return code
}
