// Package config loads run settings from a YAML file, then environment
// variables prefixed SALVO_, then command-line flags (applied by the caller).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/yourneighborhoodchef/salvo/internal/acquire"
	"github.com/yourneighborhoodchef/salvo/internal/client"
	"github.com/yourneighborhoodchef/salvo/internal/retry"
)

const EnvPrefix = "SALVO_"

type Config struct {
	Sale    SaleConfig    `yaml:"sale" envPrefix:"SALE_"`
	Burst   BurstConfig   `yaml:"burst" envPrefix:"BURST_"`
	Session SessionConfig `yaml:"session" envPrefix:"SESSION_"`
	Probe   ProbeConfig   `yaml:"probe" envPrefix:"PROBE_"`
	Clock   ClockConfig   `yaml:"clock" envPrefix:"CLOCK_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
	Notify  NotifyConfig  `yaml:"notify" envPrefix:"NOTIFY_"`
	// ExitAt is a wall-clock cutoff "HH:MM" in the sale time zone after
	// which the run is abandoned regardless of state.
	ExitAt string `yaml:"exit_at" env:"EXIT_AT"`
}

type SaleConfig struct {
	BaseURL    string `yaml:"base_url" env:"BASE_URL"`
	ID         string `yaml:"id" env:"ID"`
	ItemCode   string `yaml:"item_code" env:"ITEM_CODE"`
	TimeZone   string `yaml:"time_zone" env:"TIME_ZONE"`
	ListPath   string `yaml:"list_path" env:"LIST_PATH"`
	RedeemPath string `yaml:"redeem_path" env:"REDEEM_PATH"`
	Referer    string `yaml:"referer" env:"REFERER"`
	Source     int    `yaml:"source" env:"SOURCE"`
}

type BurstConfig struct {
	Concurrency int           `yaml:"concurrency" env:"CONCURRENCY"`
	Lead        time.Duration `yaml:"lead" env:"LEAD"`
	Deadline    time.Duration `yaml:"deadline" env:"DEADLINE"`
	Policy      string        `yaml:"policy" env:"POLICY"`
	Tick        time.Duration `yaml:"tick" env:"TICK"`
	// MaxRPS caps sliding-window refills; zero disables the cap.
	MaxRPS    float64 `yaml:"max_rps" env:"MAX_RPS"`
	RateBurst int     `yaml:"rate_burst" env:"RATE_BURST"`
}

type SessionConfig struct {
	// Cookie is a raw Cookie header copied from a logged-in browser.
	Cookie  string            `yaml:"cookie" env:"COOKIE"`
	Cookies map[string]string `yaml:"cookies"`
	Proxies []string          `yaml:"proxies" env:"PROXIES" envSeparator:","`
	Timeout time.Duration     `yaml:"timeout" env:"TIMEOUT"`
}

type ProbeConfig struct {
	MaxAttempts     uint          `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
}

type ClockConfig struct {
	MaxRTT time.Duration `yaml:"max_rtt" env:"MAX_RTT"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	JSON  bool   `yaml:"json" env:"JSON"`
	// Every logs a heartbeat after this many completed attempts.
	Every int64 `yaml:"every" env:"EVERY"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

type NotifyConfig struct {
	WebhookURL    string `yaml:"webhook_url" env:"WEBHOOK_URL"`
	NATSURL       string `yaml:"nats_url" env:"NATS_URL"`
	NATSSubject   string `yaml:"nats_subject" env:"NATS_SUBJECT"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	RedisChannel  string `yaml:"redis_channel" env:"REDIS_CHANNEL"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		Sale: SaleConfig{
			BaseURL:  "https://www.jlc.com",
			TimeZone: "Asia/Shanghai",
			Source:   4,
		},
		Burst: BurstConfig{
			Concurrency: 30,
			Lead:        300 * time.Millisecond,
			Deadline:    15 * time.Second,
			Policy:      acquire.FixedBurst.String(),
			Tick:        acquire.DefaultTick,
		},
		Session: SessionConfig{Timeout: 10 * time.Second},
		Probe: ProbeConfig{
			MaxAttempts:     retry.DefaultPolicy.MaxAttempts,
			InitialInterval: retry.DefaultPolicy.InitialInterval,
			MaxInterval:     retry.DefaultPolicy.MaxInterval,
		},
		Clock: ClockConfig{MaxRTT: 5 * time.Second},
		Log:   LogConfig{Level: "info", Every: 50},
		Notify: NotifyConfig{
			NATSSubject:  "salvo.outcome",
			RedisChannel: "salvo:outcome",
		},
	}
}

// Load reads path (optional) and then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	return cfg, nil
}

// Validate checks everything the core relies on being non-empty or
// non-zero.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Sale.BaseURL) == "" {
		errs = append(errs, errors.New("sale.base_url is required"))
	}
	if strings.TrimSpace(c.Sale.ID) == "" {
		errs = append(errs, errors.New("sale.id is required"))
	}
	if strings.TrimSpace(c.Sale.ItemCode) == "" {
		errs = append(errs, errors.New("sale.item_code is required"))
	}
	if c.Burst.Concurrency <= 0 {
		errs = append(errs, errors.New("burst.concurrency must be positive"))
	}
	if c.Burst.Lead <= 0 {
		errs = append(errs, errors.New("burst.lead must be positive"))
	}
	if c.Burst.Deadline <= 0 {
		errs = append(errs, errors.New("burst.deadline must be positive"))
	}
	if c.Burst.Tick <= 0 {
		errs = append(errs, errors.New("burst.tick must be positive"))
	}
	if _, err := acquire.ParsePolicy(c.Burst.Policy); err != nil {
		errs = append(errs, fmt.Errorf("burst.policy: %w", err))
	}
	if c.Burst.MaxRPS < 0 {
		errs = append(errs, errors.New("burst.max_rps must not be negative"))
	}
	if c.Probe.MaxAttempts == 0 {
		errs = append(errs, errors.New("probe.max_attempts must be positive"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("sale.time_zone: %w", err))
	}
	if c.ExitAt != "" {
		if _, err := time.Parse("15:04", c.ExitAt); err != nil {
			errs = append(errs, fmt.Errorf("exit_at %q: want HH:MM", c.ExitAt))
		}
	}
	return errors.Join(errs...)
}

// Policy returns the parsed dispatch policy.
func (c *Config) Policy() acquire.Policy {
	p, err := acquire.ParsePolicy(c.Burst.Policy)
	if err != nil {
		return acquire.FixedBurst
	}
	return p
}

// Location is the time zone for sale times that carry none.
func (c *Config) Location() (*time.Location, error) {
	if c.Sale.TimeZone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Sale.TimeZone)
}

// RetryPolicy is the probe retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy
	p.MaxAttempts = c.Probe.MaxAttempts
	if c.Probe.InitialInterval > 0 {
		p.InitialInterval = c.Probe.InitialInterval
	}
	if c.Probe.MaxInterval > 0 {
		p.MaxInterval = c.Probe.MaxInterval
	}
	return p
}

// ExitDeadline resolves ExitAt to the next such wall-clock instant after
// now. ok is false when no cutoff is configured.
func (c *Config) ExitDeadline(now time.Time) (time.Time, bool) {
	if c.ExitAt == "" {
		return time.Time{}, false
	}
	hm, err := time.Parse("15:04", c.ExitAt)
	if err != nil {
		return time.Time{}, false
	}
	loc, err := c.Location()
	if err != nil {
		loc = time.Local
	}
	local := now.In(loc)
	cutoff := time.Date(local.Year(), local.Month(), local.Day(), hm.Hour(), hm.Minute(), 0, 0, loc)
	if !cutoff.After(local) {
		cutoff = cutoff.AddDate(0, 0, 1)
	}
	return cutoff, true
}

// Cookies merges the raw header and the map; the header wins on conflict.
func (c *Config) Cookies() map[string]string {
	out := make(map[string]string, len(c.Session.Cookies))
	for k, v := range c.Session.Cookies {
		out[k] = v
	}
	for _, ck := range client.ParseCookieHeader(c.Session.Cookie) {
		out[ck.Name] = ck.Value
	}
	return out
}
