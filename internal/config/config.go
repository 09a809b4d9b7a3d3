package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models bookline.yml.
type Config struct {
	Site struct {
		ID       string `yaml:"id" json:"id"`
		Name     string `yaml:"name" json:"name"`
		Timezone string `yaml:"timezone" json:"timezone"`
	} `yaml:"site" json:"site"`
	Booking struct {
		TokenTTL        string `yaml:"token_ttl" json:"token_ttl"`
		TokenRetention  string `yaml:"token_retention" json:"token_retention"`
		GuestDailyLimit int    `yaml:"guest_daily_limit" json:"guest_daily_limit"`
		AllowGuests     *bool  `yaml:"allow_guests" json:"allow_guests"`
	} `yaml:"booking" json:"booking"`
	Links struct {
		BaseURL string `yaml:"base_url" json:"base_url"`
	} `yaml:"links" json:"links"`
	Notify struct {
		Drivers []string `yaml:"drivers" json:"drivers"`
		AMQP    struct {
			Exchange string `yaml:"exchange" json:"exchange"`
		} `yaml:"amqp" json:"amqp"`
		Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
	} `yaml:"notify" json:"notify"`
	Schedule struct {
		Weekdays []string `yaml:"weekdays" json:"weekdays"`
		Windows  []Window `yaml:"windows" json:"windows"`
	} `yaml:"schedule" json:"schedule"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	Statuses       []string `yaml:"statuses" json:"statuses,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Window is a daily time range in HH:MM.
type Window struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

var knownDrivers = map[string]bool{"log": true, "amqp": true, "webhook": true}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default("bookline"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Site.ID == "" {
		return fmt.Errorf("config.site.id is required")
	}
	if c.Site.Timezone != "" {
		if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
			return fmt.Errorf("config.site.timezone: %w", err)
		}
	}
	if c.Booking.TokenTTL != "" {
		d, err := time.ParseDuration(c.Booking.TokenTTL)
		if err != nil {
			return fmt.Errorf("config.booking.token_ttl: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config.booking.token_ttl must be positive")
		}
	}
	if c.Booking.TokenRetention != "" {
		if _, err := time.ParseDuration(c.Booking.TokenRetention); err != nil {
			return fmt.Errorf("config.booking.token_retention: %w", err)
		}
	}
	if c.Booking.GuestDailyLimit < 0 {
		return fmt.Errorf("config.booking.guest_daily_limit must not be negative")
	}
	if c.Links.BaseURL != "" {
		u, err := url.Parse(c.Links.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.links.base_url must be an absolute URL")
		}
	}
	for _, d := range c.Notify.Drivers {
		if !knownDrivers[d] {
			return fmt.Errorf("unknown notify driver %s", d)
		}
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
	}
	for _, wd := range c.Schedule.Weekdays {
		if _, ok := weekdayNames[strings.ToLower(wd)]; !ok {
			return fmt.Errorf("unknown weekday %s", wd)
		}
	}
	for _, w := range c.Schedule.Windows {
		if err := w.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that the window is a well-formed HH:MM range.
func (w Window) Validate() error {
	start, err := time.Parse("15:04", w.Start)
	if err != nil {
		return fmt.Errorf("window start %q: must be HH:MM", w.Start)
	}
	end, err := time.Parse("15:04", w.End)
	if err != nil {
		return fmt.Errorf("window end %q: must be HH:MM", w.End)
	}
	if !end.After(start) {
		return fmt.Errorf("window %s-%s: end must be after start", w.Start, w.End)
	}
	return nil
}

// TokenTTL is how long an emailed action link stays valid.
func (c *Config) TokenTTL() time.Duration {
	if c == nil || c.Booking.TokenTTL == "" {
		return 72 * time.Hour
	}
	d, err := time.ParseDuration(c.Booking.TokenTTL)
	if err != nil || d <= 0 {
		return 72 * time.Hour
	}
	return d
}

// TokenRetention is how long consumed tokens are kept before sweeping.
func (c *Config) TokenRetention() time.Duration {
	if c == nil || c.Booking.TokenRetention == "" {
		return 30 * 24 * time.Hour
	}
	d, err := time.ParseDuration(c.Booking.TokenRetention)
	if err != nil {
		return 30 * 24 * time.Hour
	}
	return d
}

// GuestDailyLimit returns the per-email pending bookings allowed per day.
func (c *Config) GuestDailyLimit() int {
	if c == nil || c.Booking.GuestDailyLimit == 0 {
		return 1
	}
	return c.Booking.GuestDailyLimit
}

func (c *Config) GuestsAllowed() bool {
	if c == nil || c.Booking.AllowGuests == nil {
		return true
	}
	return *c.Booking.AllowGuests
}

// Location is the timezone that defines a calendar day.
func (c *Config) Location() *time.Location {
	if c == nil || c.Site.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Site.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Weekdays returns the configured schedule days, all week when unset.
func (c *Config) Weekdays() []time.Weekday {
	if c == nil || len(c.Schedule.Weekdays) == 0 {
		return []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday}
	}
	var days []time.Weekday
	for _, wd := range c.Schedule.Weekdays {
		if d, ok := weekdayNames[strings.ToLower(wd)]; ok {
			days = append(days, d)
		}
	}
	return days
}

// ParseWeekday maps a short weekday name (mon, tue, ...) to time.Weekday.
func ParseWeekday(name string) (time.Weekday, bool) {
	d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bookline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(siteID string) string {
	return fmt.Sprintf(defaultTemplate, siteID)
}

// Default returns the default Config struct for a site.
func Default(siteID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(siteID))).Decode(&cfg)
	cfg.Site.ID = siteID
	return &cfg
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

const defaultTemplate = `site:
  id: %s
  name: Shared infrastructure
  timezone: UTC

booking:
  token_ttl: 72h
  token_retention: 720h
  guest_daily_limit: 1
  allow_guests: true

links:
  base_url: http://127.0.0.1:8080

notify:
  drivers: [log]
  amqp:
    exchange: booking.exchange

schedule:
  weekdays: [mon, tue, wed, thu, fri]
  windows:
    - {start: "09:00", end: "10:00"}
    - {start: "10:00", end: "11:00"}
    - {start: "11:00", end: "12:00"}
    - {start: "14:00", end: "15:00"}
    - {start: "15:00", end: "16:00"}
    - {start: "16:00", end: "17:00"}
`
