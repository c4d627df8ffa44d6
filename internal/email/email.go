package email

import (
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/shopspring/decimal"

	"resumekit.app/unlock/internal/config"
	"resumekit.app/unlock/internal/logger"
)

var ErrNotConfigured = errors.New("SMTP configuration missing")

type Mailer interface {
	Send(to, subject, body string) error
}

type SMTPMailer struct {
	host     string
	port     string
	username string
	password string
	from     string

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPMailer(cfg *config.Config) *SMTPMailer {
	return &SMTPMailer{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		from:     cfg.EmailFrom,
		sendMail: smtp.SendMail,
	}
}

func (m *SMTPMailer) Send(to, subject, body string) error {
	if m.host == "" || m.port == "" || m.username == "" || m.password == "" {
		logger.Error("SMTP configuration missing")
		return ErrNotConfigured
	}
	if to == "" || strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("invalid recipient or subject")
	}

	from := m.from
	if from == "" {
		from = m.username
	}

	auth := smtp.PlainAuth("", m.username, m.password, m.host)

	msg := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n", from, to, subject, body))

	addr := fmt.Sprintf("%s:%s", m.host, m.port)
	return m.sendMail(addr, auth, from, []string{to}, msg)
}

// LogMailer only logs. It is used when SMTP is not configured.
type LogMailer struct{}

func (LogMailer) Send(to, subject, body string) error {
	logger.Info("Email not sent, SMTP disabled", map[string]interface{}{
		"to":      to,
		"subject": subject,
	})
	return nil
}

// FromConfig returns an SMTP mailer when SMTP is configured and a LogMailer
// otherwise.
func FromConfig(cfg *config.Config) Mailer {
	if cfg.SMTPEnabled() {
		return NewSMTPMailer(cfg)
	}
	return LogMailer{}
}

type Receipt struct {
	CustomerName  string
	TemplateID    string
	TransactionID string
	AmountMinor   int64
	Currency      string
	MaxDownloads  int
	UnlockURL     string
}

func ReceiptSubject(r Receipt) string {
	return fmt.Sprintf("Your %s template is unlocked", r.TemplateID)
}

func ReceiptBody(r Receipt) string {
	name := "there"
	if r.CustomerName != "" {
		name = strings.Split(r.CustomerName, " ")[0]
	}

	return fmt.Sprintf(`Hello %s,

Thank you for your purchase! Your payment has been verified.

ORDER DETAILS
Template: %s
Transaction: %s
Amount Paid: %s

You can download the template up to %d times from the editor:
%s

NEED HELP?
Reply to this email and include your transaction id.

Best regards,
The ResumeKit Team`,
		name,
		r.TemplateID,
		r.TransactionID,
		FormatPrice(r.AmountMinor, r.Currency),
		r.MaxDownloads,
		r.UnlockURL)
}

// FormatPrice renders minor units with a currency symbol where we have one.
func FormatPrice(amountMinor int64, currency string) string {
	amount := decimal.New(amountMinor, -2).StringFixed(2)

	switch strings.ToUpper(currency) {
	case "INR":
		return "₹" + amount
	case "USD":
		return "$" + amount
	case "EUR":
		return "€" + amount
	case "GBP":
		return "£" + amount
	default:
		return fmt.Sprintf("%s %s", amount, strings.ToUpper(currency))
	}
}
