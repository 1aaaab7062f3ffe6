// Package notify is the delivery dispatcher: it carries verification
// challenges to the owner and released documents to recipients over email,
// SMS and WhatsApp. Concrete channels are thin adapters; a channel failure
// is data reported back to the engine, never a fatal condition.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"vigil/internal/config"
	"vigil/internal/domain"
)

// Outcome is the per-channel result of one (recipient, document) delivery.
// Channels missing from the recipient's contact set report as skipped.
type Outcome struct {
	Email    string `json:"email"`
	SMS      string `json:"sms"`
	WhatsApp string `json:"whatsapp"`
}

// Dispatcher is the capability the trigger engine consumes.
type Dispatcher interface {
	NotifyOwner(ctx context.Context, code string, deadline time.Time) error
	ReleaseToRecipient(ctx context.Context, r domain.Recipient, d domain.Document, accessCode string) Outcome
}

// EmailSender delivers a single message to one address.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMSSender delivers a short text to one phone number.
type SMSSender interface {
	Send(ctx context.Context, to, message string) error
}

// WhatsAppSender delivers a message to one WhatsApp number.
type WhatsAppSender interface {
	Send(ctx context.Context, to, message string) error
}

// Notifier is the production Dispatcher. Senders left nil are treated as
// unconfigured channels.
type Notifier struct {
	Email     EmailSender
	SMS       SMSSender
	WhatsApp  WhatsAppSender
	Templates Catalog

	OwnerName  string
	OwnerEmail string
	OwnerPhone string

	InactivityDays int

	// Timeout bounds each outbound channel call so a stuck provider cannot
	// wedge the evaluation tick.
	Timeout time.Duration
	Log     zerolog.Logger
}

// New wires channels from config by key presence, mirroring how providers
// are selected at startup.
func New(cfg *config.Config, log zerolog.Logger) *Notifier {
	n := &Notifier{
		Templates:      NewCatalog(cfg.Templates),
		OwnerName:      cfg.Owner.Name,
		OwnerEmail:     cfg.Owner.Email,
		OwnerPhone:     cfg.Owner.Phone,
		InactivityDays: cfg.Monitor.InactivityDays,
		Timeout:        30 * time.Second,
		Log:            log,
	}
	if cfg.Channels.SMTP.Host != "" {
		n.Email = &SMTPSender{
			Host:     cfg.Channels.SMTP.Host,
			Port:     cfg.Channels.SMTP.Port,
			Username: cfg.Channels.SMTP.Username,
			Password: cfg.Channels.SMTP.Password,
			From:     cfg.Channels.SMTP.From,
		}
	}
	if cfg.Channels.SMS.AccountSID != "" {
		n.SMS = &TwilioSMS{
			AccountSID: cfg.Channels.SMS.AccountSID,
			AuthToken:  cfg.Channels.SMS.AuthToken,
			From:       cfg.Channels.SMS.From,
			APIURL:     cfg.Channels.SMS.APIURL,
		}
	}
	if chain := NewWhatsAppChain(cfg, log); len(chain.Providers) > 0 {
		n.WhatsApp = chain
	}
	return n
}

func (n *Notifier) timeout() time.Duration {
	if n.Timeout > 0 {
		return n.Timeout
	}
	return 30 * time.Second
}

// NotifyOwner delivers the life-verification challenge to the owner,
// falling back from email to SMS. An error means no channel got through.
func (n *Notifier) NotifyOwner(ctx context.Context, code string, deadline time.Time) error {
	subject := "Vigil: life verification required"
	body := fmt.Sprintf(
		"Your dead-man's switch triggered after %d days of inactivity.\n\n"+
			"If you are alive and well, submit this verification code before %s:\n\n"+
			"    %s\n\n"+
			"You can also use your kill-switch secret to permanently disarm the system.\n"+
			"If no response arrives in time, your documents will be released to your recipients.",
		n.InactivityDays, deadline.UTC().Format(time.RFC3339), code)

	var lastErr error
	if n.Email != nil && n.OwnerEmail != "" {
		cctx, cancel := context.WithTimeout(ctx, n.timeout())
		err := n.Email.Send(cctx, n.OwnerEmail, subject, body)
		cancel()
		if err == nil {
			n.Log.Info().Str("channel", domain.ChannelEmail).Msg("owner challenge delivered")
			return nil
		}
		lastErr = err
		n.Log.Error().Err(err).Str("channel", domain.ChannelEmail).Msg("owner challenge delivery failed")
	}
	if n.SMS != nil && n.OwnerPhone != "" {
		cctx, cancel := context.WithTimeout(ctx, n.timeout())
		err := n.SMS.Send(cctx, n.OwnerPhone, fmt.Sprintf("Vigil verification code: %s (respond before %s)", code, deadline.UTC().Format(time.RFC3339)))
		cancel()
		if err == nil {
			n.Log.Info().Str("channel", domain.ChannelSMS).Msg("owner challenge delivered")
			return nil
		}
		lastErr = err
		n.Log.Error().Err(err).Str("channel", domain.ChannelSMS).Msg("owner challenge delivery failed")
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no owner notification channel configured")
	}
	return lastErr
}

// ReleaseToRecipient sends one document notice to one recipient across all
// configured channels. Each channel reports its own result; a failure on
// one channel does not abort the others.
func (n *Notifier) ReleaseToRecipient(ctx context.Context, r domain.Recipient, d domain.Document, accessCode string) Outcome {
	tpl := n.Templates.Resolve(r.Language)
	out := Outcome{
		Email:    domain.DeliverySkipped,
		SMS:      domain.DeliverySkipped,
		WhatsApp: domain.DeliverySkipped,
	}

	if n.Email != nil && r.Email != "" {
		subject, body := RenderEmail(tpl, r, d, accessCode)
		out.Email = n.attempt(ctx, domain.ChannelEmail, r.Name, d.Name, func(cctx context.Context) error {
			return n.Email.Send(cctx, r.Email, subject, body)
		})
	}
	if n.SMS != nil && r.Phone != "" {
		msg := RenderAccessSMS(tpl, r, d, accessCode)
		out.SMS = n.attempt(ctx, domain.ChannelSMS, r.Name, d.Name, func(cctx context.Context) error {
			return n.SMS.Send(cctx, r.Phone, msg)
		})
	}
	if n.WhatsApp != nil && r.WhatsApp != "" {
		msg := RenderAccessSMS(tpl, r, d, accessCode)
		out.WhatsApp = n.attempt(ctx, domain.ChannelWhatsApp, r.Name, d.Name, func(cctx context.Context) error {
			return n.WhatsApp.Send(cctx, r.WhatsApp, msg)
		})
	}
	return out
}

func (n *Notifier) attempt(ctx context.Context, channel, recipient, document string, send func(context.Context) error) string {
	cctx, cancel := context.WithTimeout(ctx, n.timeout())
	defer cancel()
	if err := send(cctx); err != nil {
		n.Log.Error().Err(err).
			Str("channel", channel).
			Str("recipient", recipient).
			Str("document", document).
			Msg("release delivery failed")
		return domain.DeliveryFailed
	}
	n.Log.Info().
		Str("channel", channel).
		Str("recipient", recipient).
		Str("document", document).
		Msg("release delivery sent")
	return domain.DeliverySent
}
