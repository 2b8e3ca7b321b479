// Package mailer renders and sends the welcome email that carries a new
// account's verification link.
package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jaytaylor/html2text"

	"litepost/internal/observability"
	"litepost/pkg/interfaces"
	"litepost/pkg/types"
)

// WelcomeSubject is the subject line of the verification email.
const WelcomeSubject = "Welcome to LitePost - Verify your email address"

var (
	ErrNoRecipient = errors.New("mailer: recipient address required")
	ErrNoSender    = errors.New("mailer: from address required")
)

// Email is a rendered message ready for a Sender.
type Email struct {
	To      string
	From    string
	Subject string
	HTML    string
	Text    string
}

// Sender delivers a rendered email.
type Sender interface {
	Send(ctx context.Context, email Email) error
}

// Config describes where links point and who the mail is from.
type Config struct {
	Provider         string `yaml:"provider" envconfig:"PROVIDER" validate:"omitempty,oneof=ses log"`
	From             string `yaml:"from" envconfig:"FROM" validate:"omitempty,email"`
	VerifyURL        string `yaml:"verify_url" envconfig:"VERIFY_URL" validate:"required,url"`
	SignInURL        string `yaml:"sign_in_url" envconfig:"SIGN_IN_URL" validate:"required,url"`
	Region           string `yaml:"region" envconfig:"REGION"`
	Profile          string `yaml:"profile" envconfig:"PROFILE"`
	ConfigurationSet string `yaml:"configuration_set" envconfig:"CONFIGURATION_SET"`
}

// DefaultConfig logs instead of sending.
func DefaultConfig() Config {
	return Config{
		Provider:  "log",
		VerifyURL: "https://litepost.io/app/settings/verify",
		SignInURL: "https://litepost.io/app/login",
		Region:    "us-east-1",
	}
}

// Mailer implements interfaces.Mailer.
type Mailer struct {
	config Config
	sender Sender
	logger *slog.Logger
}

var _ interfaces.Mailer = (*Mailer)(nil)

// New builds a Mailer over an explicit sender.
func New(config Config, sender Sender, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Mailer{
		config: config,
		sender: sender,
		logger: logger.With("component", "mailer"),
	}
}

// NewFromConfig selects the sender named by config.Provider.
func NewFromConfig(config Config, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	var sender Sender
	switch config.Provider {
	case "ses":
		sender = NewSESSender(SESConfig{
			Region:           config.Region,
			Profile:          config.Profile,
			ConfigurationSet: config.ConfigurationSet,
		}, nil)
	default:
		sender = NewLogSender(logger)
	}
	return New(config, sender, logger)
}

// SendWelcome renders the verification email for a new account and sends it.
func (m *Mailer) SendWelcome(ctx context.Context, notice *types.NewUserNotice) error {
	email, err := m.RenderWelcome(notice)
	if err != nil {
		return err
	}
	if err := m.sender.Send(ctx, email); err != nil {
		return fmt.Errorf("send welcome email to user %s: %w", notice.User.ID, err)
	}
	m.logger.Info("welcome email sent", "user", notice.User.ID)
	return nil
}

type welcomeData struct {
	DisplayName      string
	VerificationLink string
	SignInLink       string
}

var welcomeTemplate = template.Must(template.New("welcome").Parse(`<html>
<body>
<p>Hi {{.DisplayName}},</p>
<p>Thanks for signing up for LitePost. Please confirm your email address:</p>
<p><a href="{{.VerificationLink}}">Verify my email address</a></p>
<p>Once verified you can <a href="{{.SignInLink}}">sign in</a> and start live blogging.</p>
</body>
</html>
`))

// RenderWelcome builds the html and text parts without sending.
func (m *Mailer) RenderWelcome(notice *types.NewUserNotice) (Email, error) {
	if notice == nil || strings.TrimSpace(notice.User.Email) == "" {
		return Email{}, ErrNoRecipient
	}

	data := welcomeData{
		DisplayName:      types.DisplayNameFor(notice.User.Name, notice.User.Username),
		VerificationLink: VerificationLink(m.config.VerifyURL, notice.VerificationToken),
		SignInLink:       m.config.SignInURL,
	}

	var html bytes.Buffer
	if err := welcomeTemplate.Execute(&html, data); err != nil {
		return Email{}, fmt.Errorf("render welcome email: %w", err)
	}

	text, err := html2text.FromString(html.String(), html2text.Options{PrettyTables: true})
	if err != nil {
		return Email{}, fmt.Errorf("render welcome text part: %w", err)
	}

	return Email{
		To:      strings.TrimSpace(notice.User.Email),
		From:    m.config.From,
		Subject: WelcomeSubject,
		HTML:    html.String(),
		Text:    strings.TrimSpace(text),
	}, nil
}

// VerificationLink appends the token as the "t" query parameter.
func VerificationLink(base, token string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + "?t=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("t", token)
	u.RawQuery = q.Encode()
	return u.String()
}
