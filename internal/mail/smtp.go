package mail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	gomail "github.com/wneessen/go-mail"

	"feedmail/internal/config"
)

const maxSendRetries = 3

// SMTPSender sends through one SMTP account, retrying transient
// transport failures with exponential backoff.
type SMTPSender struct {
	client *gomail.Client
	from   string
	log    *slog.Logger
}

func NewSMTPSender(cfg config.SMTPConfig, log *slog.Logger) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}

	opts := []gomail.Option{}
	if cfg.Port != 0 {
		opts = append(opts, gomail.WithPort(cfg.Port))
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}
	if cfg.StartTLS {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	}

	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}

	return &SMTPSender{client: client, from: cfg.From, log: log}, nil
}

func (s *SMTPSender) Send(ctx context.Context, to, cc, bcc []string, mails []Mail) error {
	for _, m := range mails {
		msg, err := s.build(to, cc, bcc, m)
		if err != nil {
			return &SendError{Err: err}
		}

		backoff := retry.WithMaxRetries(maxSendRetries, retry.NewExponential(time.Second))
		err = retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := s.client.DialAndSendWithContext(ctx, msg); err != nil {
				s.log.Warn("mail send attempt failed", "subject", m.Subject, "error", err)
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			return &SendError{Err: err}
		}
	}
	return nil
}

func (s *SMTPSender) build(to, cc, bcc []string, m Mail) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", s.from, err)
	}
	if err := msg.To(to...); err != nil {
		return nil, fmt.Errorf("invalid to address: %w", err)
	}
	if err := msg.Cc(cc...); err != nil {
		return nil, fmt.Errorf("invalid cc address: %w", err)
	}
	if err := msg.Bcc(bcc...); err != nil {
		return nil, fmt.Errorf("invalid bcc address: %w", err)
	}
	msg.Subject(m.Subject)
	msg.SetBodyString(gomail.TypeTextHTML, m.Body)
	return msg, nil
}
