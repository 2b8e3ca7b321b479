package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// LogSender records the email instead of sending it. It is used when no provider
// is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, email Email) error {
	s.logger.Info("no mail provider configured, skipping email",
		"to", email.To,
		"subject", email.Subject,
	)
	return nil
}

// SESClient abstracts the SES client for testing.
type SESClient interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESConfig holds the AWS settings used when no client is injected.
type SESConfig struct {
	Region           string
	Profile          string
	ConfigurationSet string
}

// SESSender delivers email through AWS SES.
type SESSender struct {
	config SESConfig

	mu     sync.Mutex
	client SESClient
}

// NewSESSender uses client when non-nil, otherwise loads the default AWS
// configuration on first send.
func NewSESSender(config SESConfig, client SESClient) *SESSender {
	return &SESSender{config: config, client: client}
}

func (s *SESSender) ensureClient(ctx context.Context) (SESClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if s.config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.config.Region))
	}
	if s.config.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(s.config.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ses: load aws config: %w", err)
	}
	s.client = ses.NewFromConfig(cfg, func(o *ses.Options) {
		o.RetryMaxAttempts = 3
	})
	return s.client, nil
}

func (s *SESSender) Send(ctx context.Context, email Email) error {
	if strings.TrimSpace(email.To) == "" {
		return ErrNoRecipient
	}
	if strings.TrimSpace(email.From) == "" {
		return ErrNoSender
	}

	client, err := s.ensureClient(ctx)
	if err != nil {
		return err
	}

	input := &ses.SendEmailInput{
		Destination: &sestypes.Destination{ToAddresses: []string{email.To}},
		Source:      aws.String(email.From),
		Message: &sestypes.Message{
			Subject: &sestypes.Content{Data: aws.String(email.Subject)},
			Body: &sestypes.Body{
				Html: content(email.HTML),
				Text: content(email.Text),
			},
		},
	}
	if cs := strings.TrimSpace(s.config.ConfigurationSet); cs != "" {
		input.ConfigurationSetName = aws.String(cs)
	}

	if _, err := client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("ses: send email: %w", err)
	}
	return nil
}

func content(body string) *sestypes.Content {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	return &sestypes.Content{Data: aws.String(body), Charset: aws.String("UTF-8")}
}
