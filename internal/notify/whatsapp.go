package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"vigil/internal/config"
)

// WhatsAppProvider is one concrete way to reach a WhatsApp number.
type WhatsAppProvider interface {
	Name() string
	Send(ctx context.Context, to, message string) error
}

// WhatsAppChain tries its providers in order and stops at the first success.
type WhatsAppChain struct {
	Providers []WhatsAppProvider
	Log       zerolog.Logger
}

// NewWhatsAppChain builds the provider chain from whichever credentials are
// present: the official business API first, then Twilio, then a self-hosted
// web API gateway.
func NewWhatsAppChain(cfg *config.Config, log zerolog.Logger) *WhatsAppChain {
	c := &WhatsAppChain{Log: log}
	wa := cfg.Channels.WhatsApp
	if wa.BusinessToken != "" && wa.BusinessPhoneID != "" {
		c.Providers = append(c.Providers, &BusinessAPI{
			Token:   wa.BusinessToken,
			PhoneID: wa.BusinessPhoneID,
		})
	}
	if cfg.Channels.SMS.AccountSID != "" && wa.TwilioFrom != "" {
		c.Providers = append(c.Providers, &TwilioWhatsApp{
			AccountSID: cfg.Channels.SMS.AccountSID,
			AuthToken:  cfg.Channels.SMS.AuthToken,
			From:       wa.TwilioFrom,
			APIURL:     cfg.Channels.SMS.APIURL,
		})
	}
	if wa.WebAPIURL != "" {
		c.Providers = append(c.Providers, &WebAPI{
			URL:   wa.WebAPIURL,
			Token: wa.WebAPIToken,
		})
	}
	return c
}

func (c *WhatsAppChain) Send(ctx context.Context, to, message string) error {
	var lastErr error
	for _, p := range c.Providers {
		err := p.Send(ctx, to, message)
		if err == nil {
			c.Log.Info().Str("provider", p.Name()).Msg("whatsapp message delivered")
			return nil
		}
		lastErr = err
		c.Log.Warn().Err(err).Str("provider", p.Name()).Msg("whatsapp provider failed, trying next")
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no whatsapp provider configured")
	}
	return lastErr
}

// BusinessAPI sends through the Meta WhatsApp Business cloud endpoint.
type BusinessAPI struct {
	Token   string
	PhoneID string
	APIURL  string
	Client  *http.Client
}

func (b *BusinessAPI) Name() string { return "business-api" }

func (b *BusinessAPI) endpoint() string {
	base := b.APIURL
	if base == "" {
		base = "https://graph.facebook.com/v17.0"
	}
	return fmt.Sprintf("%s/%s/messages", strings.TrimRight(base, "/"), b.PhoneID)
}

func (b *BusinessAPI) Send(ctx context.Context, to, message string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                strings.TrimPrefix(cleanPhone(to), "+"),
		"type":              "text",
		"text":              map[string]string{"body": message},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+b.Token)
	req.Header.Set("Content-Type", "application/json")
	return doSend(httpClient(b.Client), req, "business-api", to)
}

// TwilioWhatsApp reuses the Twilio messages endpoint with whatsapp: address
// prefixes.
type TwilioWhatsApp struct {
	AccountSID string
	AuthToken  string
	From       string
	APIURL     string
	Client     *http.Client
}

func (t *TwilioWhatsApp) Name() string { return "twilio" }

func (t *TwilioWhatsApp) Send(ctx context.Context, to, message string) error {
	sms := &TwilioSMS{AccountSID: t.AccountSID, AuthToken: t.AuthToken, APIURL: t.APIURL}
	form := url.Values{}
	form.Set("To", "whatsapp:"+cleanPhone(to))
	form.Set("From", "whatsapp:"+cleanPhone(t.From))
	form.Set("Body", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sms.endpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.AccountSID, t.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return doSend(httpClient(t.Client), req, "twilio", to)
}

// WebAPI posts to a self-hosted WhatsApp gateway.
type WebAPI struct {
	URL    string
	Token  string
	Client *http.Client
}

func (w *WebAPI) Name() string { return "web-api" }

func (w *WebAPI) Send(ctx context.Context, to, message string) error {
	body, err := json.Marshal(map[string]string{
		"to":      cleanPhone(to),
		"message": message,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}
	req.Header.Set("Content-Type", "application/json")
	return doSend(httpClient(w.Client), req, "web-api", to)
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return http.DefaultClient
}

func doSend(client *http.Client, req *http.Request, provider, to string) error {
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp %s send to %s: %w", provider, to, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("whatsapp %s send to %s: status %d: %s", provider, to, res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
