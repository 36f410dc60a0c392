package worker

import (
	"context"
	"fmt"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/service/sending"
)

// NewTransport builds the configured outbound transport.
func NewTransport(ctx context.Context, cfg *config.Config) (sending.Transport, error) {
	switch cfg.Transport.Provider {
	case "smtp":
		return NewSMTPTransport(SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		}), nil
	case "ses":
		return NewSESTransport(ctx, SESConfig{
			Region:           cfg.SES.Region,
			AccessKey:        cfg.SES.AccessKey,
			SecretKey:        cfg.SES.SecretKey,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Provider)
	}
}
