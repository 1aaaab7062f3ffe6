package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"vigil/internal/domain"
)

// Config models vigil.yml. Recipients, documents and channel credentials
// are static configuration loaded once at startup; the trigger logic never
// mutates them.
type Config struct {
	Owner struct {
		Name     string `yaml:"name"`
		Email    string `yaml:"email"`
		Phone    string `yaml:"phone"`
		WhatsApp string `yaml:"whatsapp"`
		Language string `yaml:"language"`
	} `yaml:"owner"`

	Monitor struct {
		InactivityDays    int    `yaml:"inactivity_days"`
		VerificationHours int    `yaml:"verification_hours"`
		PollInterval      string `yaml:"poll_interval"`
	} `yaml:"monitor"`

	Channels struct {
		SMTP struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
			From     string `yaml:"from"`
		} `yaml:"smtp"`
		SMS struct {
			AccountSID string `yaml:"account_sid"`
			AuthToken  string `yaml:"auth_token"`
			From       string `yaml:"from"`
			APIURL     string `yaml:"api_url"`
		} `yaml:"sms"`
		WhatsApp struct {
			BusinessToken   string `yaml:"business_token"`
			BusinessPhoneID string `yaml:"business_phone_id"`
			TwilioFrom      string `yaml:"twilio_from"`
			WebAPIURL       string `yaml:"web_api_url"`
			WebAPIToken     string `yaml:"web_api_token"`
		} `yaml:"whatsapp"`
	} `yaml:"channels"`

	// Templates extend or override the built-in message catalog, keyed by
	// language tag.
	Templates map[string]MessageTemplate `yaml:"templates"`

	Recipients []domain.Recipient `yaml:"recipients"`
	Documents  []domain.Document  `yaml:"documents"`
}

// MessageTemplate is the structured per-language message record used for
// release notifications.
type MessageTemplate struct {
	Subject   string `yaml:"subject"`
	Greeting  string `yaml:"greeting"`
	Body      string `yaml:"body"`
	Closing   string `yaml:"closing"`
	AccessSMS string `yaml:"access_sms"`
}

// DefaultLanguage is the fallback for unknown language tags.
const DefaultLanguage = "english"

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with 'vigil init'", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config can actually drive a release: owner contact,
// timing windows, at least one recipient with a channel and at least one
// document. Configuration errors are fatal at startup.
func (c *Config) Validate() error {
	if c.Owner.Email == "" {
		return fmt.Errorf("config.owner.email is required")
	}
	if c.Monitor.InactivityDays <= 0 {
		return fmt.Errorf("config.monitor.inactivity_days must be >= 1")
	}
	if c.Monitor.VerificationHours <= 0 {
		return fmt.Errorf("config.monitor.verification_hours must be >= 1")
	}
	if c.Monitor.PollInterval != "" {
		if _, err := time.ParseDuration(c.Monitor.PollInterval); err != nil {
			return fmt.Errorf("config.monitor.poll_interval: %w", err)
		}
	}
	if len(c.Recipients) == 0 {
		return fmt.Errorf("config.recipients must not be empty")
	}
	for i, r := range c.Recipients {
		if r.Name == "" {
			return fmt.Errorf("recipient %d has no name", i)
		}
		if r.Email == "" && r.Phone == "" && r.WhatsApp == "" {
			return fmt.Errorf("recipient %s has no contact channel", r.Name)
		}
	}
	if len(c.Documents) == 0 {
		return fmt.Errorf("config.documents must not be empty")
	}
	for i, d := range c.Documents {
		if d.Name == "" {
			return fmt.Errorf("document %d has no name", i)
		}
		if d.Locator == "" {
			return fmt.Errorf("document %s has no locator", d.Name)
		}
	}
	for tag, tpl := range c.Templates {
		if tag == "" {
			return fmt.Errorf("config.templates contains an empty language tag")
		}
		if tpl.Subject == "" || tpl.Body == "" {
			return fmt.Errorf("template %s must set subject and body", tag)
		}
	}
	return nil
}

// PollInterval returns the monitor cadence, hourly by default.
func (c *Config) PollInterval() time.Duration {
	if c.Monitor.PollInterval == "" {
		return time.Hour
	}
	d, err := time.ParseDuration(c.Monitor.PollInterval)
	if err != nil {
		return time.Hour
	}
	return d
}

// VerificationWindow returns the grace period after a challenge is issued.
func (c *Config) VerificationWindow() time.Duration {
	return time.Duration(c.Monitor.VerificationHours) * time.Hour
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "vigil.yml")
}

// GenerateDefault returns default config YAML for 'vigil init'.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `owner:
  name: Your Name
  email: you@example.com
  phone: "+10000000000"
  whatsapp: "+10000000000"
  language: english

monitor:
  inactivity_days: 10
  verification_hours: 48
  poll_interval: 1h

channels:
  smtp:
    host: smtp.gmail.com
    port: 587
    username: you@example.com
    password: app-password
    from: you@example.com
  sms:
    account_sid: ""
    auth_token: ""
    from: ""
  whatsapp:
    business_token: ""
    business_phone_id: ""

recipients:
  - name: John Doe
    email: john@example.com
    phone: "+11234567890"
    whatsapp: "+11234567890"
    language: english

documents:
  - name: Insurance Policy
    description: Life insurance policy documents
    locator: https://drive.example.com/file/d/xyz
`
