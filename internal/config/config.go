// Package config loads the engine configuration.
//
// Precedence, low to high: Default(), the YAML file, JOBAPPLY_* env vars.
// Nested env keys use a double underscore: JOBAPPLY_ENGINE__CONCURRENCY_LIMIT.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/eligibility"
	"jobapply-engine/internal/logger"
	"jobapply-engine/internal/portal/form"
	"jobapply-engine/internal/retry"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "JOBAPPLY_"

const (
	PortalGreenhouse      = "greenhouse"
	PortalLever           = "lever"
	PortalSmartRecruiters = "smartrecruiters"
)

type Config struct {
	App struct {
		Port     int    `json:"port" yaml:"port" koanf:"port"`
		DataDir  string `json:"data_dir" yaml:"data_dir" koanf:"data_dir"`
		LogLevel string `json:"log_level" yaml:"log_level" koanf:"log_level"`
	} `json:"app" yaml:"app" koanf:"app"`

	Engine    Engine             `json:"engine" yaml:"engine" koanf:"engine"`
	Retry     Retry              `json:"retry" yaml:"retry" koanf:"retry"`
	Policy    eligibility.Policy `json:"policy" yaml:"policy" koanf:"policy"`
	Search    Search             `json:"search" yaml:"search" koanf:"search"`
	Applicant form.Applicant     `json:"applicant" yaml:"applicant" koanf:"applicant"`
	Portals   []Portal           `json:"portals" yaml:"portals" koanf:"portals"`
	Confirm   Confirm            `json:"confirm" yaml:"confirm" koanf:"confirm"`
}

type Engine struct {
	ConcurrencyLimit   int      `json:"concurrency_limit" yaml:"concurrency_limit" koanf:"concurrency_limit"`
	PerPortalRateLimit Duration `json:"per_portal_rate_limit" yaml:"per_portal_rate_limit" koanf:"per_portal_rate_limit"`
	HaltOnBlock        bool     `json:"halt_on_block" yaml:"halt_on_block" koanf:"halt_on_block"`
	// RunEvery schedules runs in serve mode; zero disables scheduling.
	RunEvery   Duration `json:"run_every" yaml:"run_every" koanf:"run_every"`
	RunOnStart bool     `json:"run_on_start" yaml:"run_on_start" koanf:"run_on_start"`
}

type Retry struct {
	Inspect RetryPolicy `json:"inspect" yaml:"inspect" koanf:"inspect"`
	Submit  RetryPolicy `json:"submit" yaml:"submit" koanf:"submit"`
	Ledger  RetryPolicy `json:"ledger" yaml:"ledger" koanf:"ledger"`
}

type RetryPolicy struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts" koanf:"max_attempts"`
	BaseDelay   Duration `json:"base_delay" yaml:"base_delay" koanf:"base_delay"`
	Multiplier  float64  `json:"multiplier" yaml:"multiplier" koanf:"multiplier"`
	Jitter      bool     `json:"jitter" yaml:"jitter" koanf:"jitter"`
	MaxDelay    Duration `json:"max_delay" yaml:"max_delay" koanf:"max_delay"`
}

func (p RetryPolicy) Controller() retry.Config {
	return retry.Config{
		MaxAttempts: p.MaxAttempts,
		BaseDelay:   p.BaseDelay.Std(),
		Multiplier:  p.Multiplier,
		Jitter:      p.Jitter,
		MaxDelay:    p.MaxDelay.Std(),
	}
}

type Search struct {
	Keywords []string `json:"keywords" yaml:"keywords" koanf:"keywords"`
	Location string   `json:"location" yaml:"location" koanf:"location"`
	MaxAge   Duration `json:"max_age" yaml:"max_age" koanf:"max_age"`
	// Limit caps postings per portal per run; zero is unlimited.
	Limit int `json:"limit" yaml:"limit" koanf:"limit"`
}

func (s Search) Criteria() domain.SearchCriteria {
	return domain.SearchCriteria{
		Keywords: s.Keywords,
		Location: s.Location,
		MaxAge:   s.MaxAge.Std(),
		Limit:    s.Limit,
	}
}

type Portal struct {
	ID        string           `json:"id" yaml:"id" koanf:"id"`
	Type      string           `json:"type" yaml:"type" koanf:"type"`
	Enabled   bool             `json:"enabled" yaml:"enabled" koanf:"enabled"`
	APIBase   string           `json:"api_base,omitempty" yaml:"api_base,omitempty" koanf:"api_base"`
	BoardBase string           `json:"board_base,omitempty" yaml:"board_base,omitempty" koanf:"board_base"`
	Timeout   Duration         `json:"timeout" yaml:"timeout" koanf:"timeout"`
	Companies []domain.Company `json:"companies" yaml:"companies" koanf:"companies"`
}

type Confirm struct {
	Enabled  bool     `json:"enabled" yaml:"enabled" koanf:"enabled"`
	IMAPHost string   `json:"imap_host" yaml:"imap_host" koanf:"imap_host"`
	IMAPPort int      `json:"imap_port" yaml:"imap_port" koanf:"imap_port"`
	Username string   `json:"username" yaml:"username" koanf:"username"`
	Mailbox  string   `json:"mailbox" yaml:"mailbox" koanf:"mailbox"`
	Interval Duration `json:"interval" yaml:"interval" koanf:"interval"`
	// LookbackDays bounds which submitted records are matched against mail.
	LookbackDays int      `json:"lookback_days" yaml:"lookback_days" koanf:"lookback_days"`
	SubjectAny   []string `json:"subject_any" yaml:"subject_any" koanf:"subject_any"`
}

// EnabledPortals returns enabled portal entries in file order.
func (c Config) EnabledPortals() []Portal {
	var out []Portal
	for _, p := range c.Portals {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

func Default() Config {
	var c Config
	c.App.Port = 38471
	c.App.DataDir = "data"
	c.App.LogLevel = "info"

	c.Engine = Engine{
		ConcurrencyLimit:   2,
		PerPortalRateLimit: Duration(20 * time.Second),
		HaltOnBlock:        true,
	}
	c.Retry = Retry{
		Inspect: RetryPolicy{MaxAttempts: 3, BaseDelay: Duration(2 * time.Second), Multiplier: 2, Jitter: true, MaxDelay: Duration(30 * time.Second)},
		Submit:  RetryPolicy{MaxAttempts: 2, BaseDelay: Duration(5 * time.Second), Multiplier: 2, Jitter: true, MaxDelay: Duration(time.Minute)},
		Ledger:  RetryPolicy{MaxAttempts: 3, BaseDelay: Duration(50 * time.Millisecond), Multiplier: 2, Jitter: true, MaxDelay: Duration(time.Second)},
	}
	c.Policy = eligibility.DefaultPolicy()
	c.Search = Search{MaxAge: Duration(72 * time.Hour)}
	c.Portals = []Portal{
		{ID: PortalGreenhouse, Type: PortalGreenhouse, Enabled: true, Timeout: Duration(30 * time.Second)},
		{ID: PortalLever, Type: PortalLever, Enabled: true, Timeout: Duration(30 * time.Second)},
		{ID: PortalSmartRecruiters, Type: PortalSmartRecruiters, Timeout: Duration(30 * time.Second)},
	}
	c.Confirm = Confirm{
		IMAPPort:     993,
		Mailbox:      "INBOX",
		Interval:     Duration(30 * time.Minute),
		LookbackDays: 14,
		SubjectAny: []string{
			"thank you for applying",
			"application received",
			"we received your application",
		},
	}
	return c
}

// Load layers the YAML file at path (optional when empty) and env vars over
// Default(), then normalizes and validates the result.
func Load(ctx context.Context, path string) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}
	if err := unmarshal(k, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	cfg, v := NormalizeAndValidate(cfg)
	for _, w := range v.Warnings {
		logger.Named("config").Warn(ctx, w)
	}
	if !v.OK() {
		return cfg, v.Err()
	}
	return cfg, nil
}

// envKey maps JOBAPPLY_ENGINE__CONCURRENCY_LIMIT to engine.concurrency_limit.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func unmarshal(k *koanf.Koanf, cfg *Config) error {
	return k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.TextUnmarshallerHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			Result:           cfg,
			WeaklyTypedInput: true,
			// lists from the file replace the defaults instead of merging
			ZeroFields: true,
		},
	})
}
