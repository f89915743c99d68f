package worker

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
)

const defaultSubject = "Notification"

// SMTPConfig configures SMTPSender. Encryption is "ssl", "starttls" or
// "none".
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Encryption string
	Subject    string
}

// SMTPSender delivers email through an SMTP relay. The recipient address is
// the notification's user id.
type SMTPSender struct {
	cfg    SMTPConfig
	logger *zap.Logger
}

func NewSMTPSender(cfg SMTPConfig, logger *zap.Logger) *SMTPSender {
	if cfg.Subject == "" {
		cfg.Subject = defaultSubject
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPSender{cfg: cfg, logger: logger}
}

func (s *SMTPSender) Send(ctx context.Context, n *domain.Notification) error {
	if n.Type != domain.ChannelEmail {
		return fmt.Errorf("SMTP sender only supports email, got: %s", n.Type)
	}

	m, err := s.buildMessage(n)
	if err != nil {
		return err
	}

	c, err := mail.NewClient(s.cfg.Host, s.clientOptions()...)
	if err != nil {
		return fmt.Errorf("failed to create mail client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}

	s.logger.Info("email sent via SMTP",
		zap.String("id", n.ID),
		zap.String("to", n.UserID),
	)
	return nil
}

func (s *SMTPSender) SupportsChannel(ch domain.Channel) bool {
	return ch == domain.ChannelEmail
}

func (s *SMTPSender) buildMessage(n *domain.Notification) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(n.UserID); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", n.UserID, err)
	}
	m.Subject(s.cfg.Subject)
	m.SetBodyString(mail.TypeTextPlain, n.Message)
	return m, nil
}

func (s *SMTPSender) clientOptions() []mail.Option {
	opts := []mail.Option{mail.WithPort(s.cfg.Port)}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	if s.cfg.Encryption == "ssl" {
		opts = append(opts, mail.WithSSL())
	}
	return append(opts, mail.WithTLSPolicy(tlsPolicy(s.cfg.Encryption)))
}

func tlsPolicy(encryption string) mail.TLSPolicy {
	switch encryption {
	case "ssl", "starttls":
		return mail.TLSMandatory
	default:
		return mail.NoTLS
	}
}
