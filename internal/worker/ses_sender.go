package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESSender delivers email through AWS SES. The recipient address is the
// notification's user id.
type SESSender struct {
	client  sesAPI
	from    string
	subject string
	logger  *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
	Subject   string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return newSESSender(ses.NewFromConfig(awsCfg), cfg, logger), nil
}

func newSESSender(client sesAPI, cfg SESConfig, logger *zap.Logger) *SESSender {
	if cfg.Subject == "" {
		cfg.Subject = defaultSubject
	}
	return &SESSender{
		client:  client,
		from:    cfg.FromEmail,
		subject: cfg.Subject,
		logger:  logger,
	}
}

func (s *SESSender) Send(ctx context.Context, n *domain.Notification) error {
	if n.Type != domain.ChannelEmail {
		return fmt.Errorf("SES sender only supports email, got: %s", n.Type)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{n.UserID},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(s.subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(n.Message),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("id", n.ID),
		zap.String("to", n.UserID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func (s *SESSender) SupportsChannel(ch domain.Channel) bool {
	return ch == domain.ChannelEmail
}
