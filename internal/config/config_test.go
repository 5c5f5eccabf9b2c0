package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jobapply-engine/internal/config"
	"jobapply-engine/internal/domain"

	"github.com/smartystreets/goconvey/convey"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// setEnv sets vars and returns a func that clears them.
func setEnv(vars map[string]string) func() {
	for k, v := range vars {
		_ = os.Setenv(k, v)
	}
	return func() {
		for k := range vars {
			_ = os.Unsetenv(k)
		}
	}
}

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()

		convey.Convey("When loading defaults only", func() {
			cfg, err := config.Load(ctx, "")

			convey.Convey("Then the built-in defaults apply", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Engine.ConcurrencyLimit, convey.ShouldEqual, 2)
				convey.So(cfg.Engine.PerPortalRateLimit.Std(), convey.ShouldEqual, 20*time.Second)
				convey.So(cfg.Policy.AllowedMechanisms, convey.ShouldResemble, []domain.Mechanism{domain.MechanismEasyApply})
				convey.So(cfg.Policy.RequireNoCaptchaSignal, convey.ShouldBeTrue)
				convey.So(cfg.Retry.Inspect.MaxAttempts, convey.ShouldEqual, 3)
				convey.So(len(cfg.Portals), convey.ShouldEqual, 3)
				convey.So(len(cfg.EnabledPortals()), convey.ShouldEqual, 2)
			})
		})

		convey.Convey("When loading a YAML file", func() {
			path := writeFile(t, `
app:
  port: 9000
  data_dir: /tmp/jobapply
engine:
  concurrency_limit: 3
  per_portal_rate_limit: 45s
  run_every: 2h
retry:
  submit:
    max_attempts: 4
    base_delay: 1s
    multiplier: 3
policy:
  allowed_mechanisms: [easy_apply, external_form]
  require_no_captcha_signal: true
  excluded_companies: ["Acme ", acme, Globex]
  max_posting_age_hours: 24
search:
  keywords: [golang, platform]
  max_age: 48h
portals:
  - id: gh
    type: greenhouse
    enabled: true
    companies:
      - slug: stripe
        name: Stripe
`)
			cfg, err := config.Load(ctx, path)

			convey.Convey("Then file values override defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.App.Port, convey.ShouldEqual, 9000)
				convey.So(cfg.Engine.ConcurrencyLimit, convey.ShouldEqual, 3)
				convey.So(cfg.Engine.PerPortalRateLimit.Std(), convey.ShouldEqual, 45*time.Second)
				convey.So(cfg.Engine.RunEvery.Std(), convey.ShouldEqual, 2*time.Hour)
				convey.So(cfg.Retry.Submit.MaxAttempts, convey.ShouldEqual, 4)
				convey.So(cfg.Retry.Submit.Controller().BaseDelay, convey.ShouldEqual, time.Second)
				convey.So(cfg.Search.Criteria().MaxAge, convey.ShouldEqual, 48*time.Hour)
			})

			convey.Convey("Then untouched sections keep their defaults", func() {
				convey.So(cfg.Retry.Inspect.MaxAttempts, convey.ShouldEqual, 3)
				convey.So(cfg.App.LogLevel, convey.ShouldEqual, "info")
			})

			convey.Convey("Then lists replace the defaults", func() {
				convey.So(len(cfg.Portals), convey.ShouldEqual, 1)
				convey.So(cfg.Portals[0].ID, convey.ShouldEqual, "gh")
				convey.So(cfg.Portals[0].Companies[0].Slug, convey.ShouldEqual, "stripe")
				convey.So(len(cfg.Policy.AllowedMechanisms), convey.ShouldEqual, 2)
			})

			convey.Convey("Then lists are normalized", func() {
				convey.So(cfg.Policy.ExcludedCompanies, convey.ShouldResemble, []string{"Acme", "Globex"})
			})
		})

		convey.Convey("When env vars are set", func() {
			defer setEnv(map[string]string{
				"JOBAPPLY_ENGINE__CONCURRENCY_LIMIT": "5",
				"JOBAPPLY_ENGINE__HALT_ON_BLOCK":     "false",
				"JOBAPPLY_SEARCH__KEYWORDS":          "go,rust",
				"JOBAPPLY_SEARCH__MAX_AGE":           "12h",
			})()
			path := writeFile(t, "engine:\n  concurrency_limit: 3\n")

			cfg, err := config.Load(ctx, path)

			convey.Convey("Then env wins over the file", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Engine.ConcurrencyLimit, convey.ShouldEqual, 5)
				convey.So(cfg.Engine.HaltOnBlock, convey.ShouldBeFalse)
				convey.So(cfg.Search.Keywords, convey.ShouldResemble, []string{"go", "rust"})
				convey.So(cfg.Search.MaxAge.Std(), convey.ShouldEqual, 12*time.Hour)
			})
		})

		convey.Convey("When the file is invalid", func() {
			path := writeFile(t, `
engine:
  concurrency_limit: 0
policy:
  allowed_mechanisms: [teleport]
portals:
  - id: x
    type: workday
`)
			_, err := config.Load(ctx, path)

			convey.Convey("Then every problem is reported", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(err.Error(), convey.ShouldContainSubstring, "engine.concurrency_limit")
				convey.So(err.Error(), convey.ShouldContainSubstring, "allowed_mechanisms")
				convey.So(err.Error(), convey.ShouldContainSubstring, "portals[0].type")
			})
		})

		convey.Convey("When the file does not exist", func() {
			_, err := config.Load(ctx, filepath.Join(t.TempDir(), "missing.yml"))

			convey.Convey("Then loading fails", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
			})
		})
	})
}
