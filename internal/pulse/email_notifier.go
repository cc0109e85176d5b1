package pulse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

// Compile-time interface guard.
var _ Notifier = (*EmailNotifier)(nil)

const emailSubject = "Pulsewatch Alert"

// smtpsPort is the implicit-TLS submission port.
const smtpsPort = 465

// SMTPConfig holds the outbound mail relay settings.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"` //nolint:gosec // G101: config field name, not a credential
	From     string `mapstructure:"from"`
}

// EmailNotifier delivers plain-text alert mail through an SMTP relay.
// STARTTLS is used when the relay offers it; port 465 uses implicit TLS.
type EmailNotifier struct {
	cfg SMTPConfig
	now func() time.Time
}

// NewEmailNotifier creates an email notifier for the given relay.
func NewEmailNotifier(cfg SMTPConfig) *EmailNotifier {
	if cfg.Port == 0 {
		cfg.Port = mail.DefaultPort
	}
	return &EmailNotifier{cfg: cfg, now: time.Now}
}

// Notify sends one message to the recipient address in destination.
func (e *EmailNotifier) Notify(ctx context.Context, destination string, n *Notification) error {
	if e.cfg.Host == "" {
		return errors.New("smtp host not configured")
	}
	if e.cfg.From == "" {
		return errors.New("smtp from address not configured")
	}

	msg, err := e.buildMessage(destination, n)
	if err != nil {
		return err
	}
	client, err := mail.NewClient(e.cfg.Host, e.clientOptions()...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send mail via %s:%d: %w", e.cfg.Host, e.cfg.Port, err)
	}
	return nil
}

// Type returns the notifier type identifier.
func (e *EmailNotifier) Type() string {
	return ChannelEmail
}

func (e *EmailNotifier) clientOptions() []mail.Option {
	opts := []mail.Option{mail.WithPort(e.cfg.Port)}
	if e.cfg.Port == smtpsPort {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if e.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(e.cfg.Username),
			mail.WithPassword(e.cfg.Password),
		)
	}
	return opts
}

// buildMessage rejects malformed sender and recipient addresses, which
// also keeps header-injection sequences out of the envelope.
func (e *EmailNotifier) buildMessage(to string, n *Notification) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(e.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if strings.ContainsAny(to, "\r\n") {
		return nil, fmt.Errorf("invalid recipient address %q", to)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(emailSubject)
	msg.SetDateWithValue(e.now().UTC())
	msg.SetMessageID()

	var b strings.Builder
	b.WriteString(n.Subject() + "\r\n\r\n")
	b.WriteString("Endpoint:   " + n.EndpointURL + "\r\n")
	b.WriteString("Alert type: " + string(n.RuleType) + "\r\n")
	b.WriteString("Triggered:  " + n.TriggeredAt.UTC().Format(time.RFC3339) + "\r\n")
	b.WriteString("Details:    " + n.Description + "\r\n")
	msg.SetBodyString(mail.TypeTextPlain, b.String())
	return msg, nil
}
