package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
)

type SmtpConfig struct {
	Server       string   `json:"server"`
	Port         int      `json:"port"`
	EmailAddress string   `json:"email_address"`
	Password     string   `json:"password"`
	To           []string `json:"to"`
}

// SmtpNotifier mails every message to a fixed list of recipients.
type SmtpNotifier struct {
	config SmtpConfig
}

func NewSmtpNotifier(config SmtpConfig) SmtpNotifier {
	return SmtpNotifier{config: config}
}

func (s SmtpNotifier) Post(_ context.Context, msg Message) error {
	mail := email.NewEmail()
	mail.From = fmt.Sprintf("Sign-in Bots <%s>", s.config.EmailAddress)
	mail.To = s.config.To
	mail.Subject = msg.Title
	mail.Text = []byte(msg.Text)

	addr := fmt.Sprintf("%s:%d", s.config.Server, s.config.Port)
	err := mail.Send(
		addr,
		smtp.PlainAuth("", s.config.EmailAddress, s.config.Password, s.config.Server),
	)
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = mail.Send(addr, nil)
	}
	if err != nil {
		return wrapPost("smtp", err)
	}
	return nil
}
