package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const twilioAPIBase = "https://api.twilio.com/2010-04-01"

// TwilioSMS sends texts through the Twilio messages endpoint. APIURL is
// overridable for tests.
type TwilioSMS struct {
	AccountSID string
	AuthToken  string
	From       string
	APIURL     string
	Client     *http.Client
}

func (t *TwilioSMS) endpoint() string {
	base := t.APIURL
	if base == "" {
		base = twilioAPIBase
	}
	return fmt.Sprintf("%s/Accounts/%s/Messages.json", strings.TrimRight(base, "/"), t.AccountSID)
}

func (t *TwilioSMS) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

func (t *TwilioSMS) Send(ctx context.Context, to, message string) error {
	form := url.Values{}
	form.Set("To", cleanPhone(to))
	form.Set("From", t.From)
	form.Set("Body", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.AccountSID, t.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := t.client().Do(req)
	if err != nil {
		return fmt.Errorf("sms send to %s: %w", to, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("sms send to %s: status %d: %s", to, res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// cleanPhone strips formatting and ensures a leading +.
func cleanPhone(phone string) string {
	var b strings.Builder
	for _, c := range phone {
		if c >= '0' && c <= '9' || c == '+' {
			b.WriteRune(c)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return cleaned
	}
	if !strings.HasPrefix(cleaned, "+") {
		cleaned = "+" + cleaned
	}
	return cleaned
}
