package config

import (
	"fmt"
	"strings"
)

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

type Validation struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (v *Validation) addErr(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}
func (v *Validation) addWarn(format string, args ...any) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
}
func (v Validation) OK() bool { return len(v.Errors) == 0 }

// Err renders the errors as a bullet list wrapping ErrInvalidConfig.
func (v Validation) Err() error {
	if v.OK() {
		return nil
	}
	return fmt.Errorf("%w:\n- %s", ErrInvalidConfig, strings.Join(v.Errors, "\n- "))
}

func Validate(cfg Config) error {
	_, v := NormalizeAndValidate(cfg)
	return v.Err()
}

// NormalizeAndValidate returns a copy with trimmed, de-duplicated lists and
// the problems found in it.
func NormalizeAndValidate(cfg Config) (Config, Validation) {
	out := cfg
	out.Portals = append([]Portal(nil), cfg.Portals...)
	var res Validation

	trimList := func(xs []string) []string {
		seen := map[string]bool{}
		var ys []string
		for _, x := range xs {
			x = strings.TrimSpace(x)
			if x == "" {
				continue
			}
			key := strings.ToLower(x)
			if seen[key] {
				continue
			}
			seen[key] = true
			ys = append(ys, x)
		}
		return ys
	}

	out.Search.Keywords = trimList(out.Search.Keywords)
	out.Policy.ExcludedCompanies = trimList(out.Policy.ExcludedCompanies)
	out.Confirm.SubjectAny = trimList(out.Confirm.SubjectAny)
	out.App.LogLevel = strings.ToLower(strings.TrimSpace(out.App.LogLevel))

	if out.App.Port <= 0 || out.App.Port > 65535 {
		res.addErr("app.port must be 1..65535")
	}
	if strings.TrimSpace(out.App.DataDir) == "" {
		res.addErr("app.data_dir is required")
	}
	if out.App.LogLevel != "" && !logLevels[out.App.LogLevel] {
		res.addErr("app.log_level must be one of debug, info, warn, error")
	}

	// engine
	if out.Engine.ConcurrencyLimit < 1 {
		res.addErr("engine.concurrency_limit must be >= 1")
	} else if out.Engine.ConcurrencyLimit > 8 {
		res.addWarn("engine.concurrency_limit is high (%d); portals may start blocking.", out.Engine.ConcurrencyLimit)
	}
	if out.Engine.PerPortalRateLimit < 0 {
		res.addErr("engine.per_portal_rate_limit must be >= 0")
	} else if out.Engine.PerPortalRateLimit.Std().Seconds() < 5 {
		res.addWarn("engine.per_portal_rate_limit is very low (%s) and may trigger anti-automation defenses.", out.Engine.PerPortalRateLimit)
	}
	if out.Engine.RunEvery < 0 {
		res.addErr("engine.run_every must be >= 0")
	}

	// retry
	for _, r := range []struct {
		name string
		p    RetryPolicy
	}{
		{"retry.inspect", out.Retry.Inspect},
		{"retry.submit", out.Retry.Submit},
		{"retry.ledger", out.Retry.Ledger},
	} {
		if err := r.p.Controller().Validate(); err != nil {
			res.addErr("%s: %v", r.name, err)
		}
	}

	// policy
	if err := out.Policy.Validate(); err != nil {
		for _, e := range splitJoined(err) {
			res.addErr("%v", e)
		}
	}

	if out.Search.MaxAge < 0 {
		res.addErr("search.max_age must be >= 0")
	}
	if out.Search.Limit < 0 {
		res.addErr("search.limit must be >= 0")
	}

	// portals
	ids := map[string]bool{}
	enabled := 0
	for i, p := range out.Portals {
		p.ID = strings.TrimSpace(p.ID)
		p.Type = strings.ToLower(strings.TrimSpace(p.Type))
		out.Portals[i] = p

		if p.ID == "" {
			res.addErr("portals[%d].id is required", i)
		} else if ids[p.ID] {
			res.addErr("portals[%d].id %q is duplicated", i, p.ID)
		}
		ids[p.ID] = true

		switch p.Type {
		case PortalGreenhouse, PortalLever, PortalSmartRecruiters:
		default:
			res.addErr("portals[%d].type must be greenhouse, lever or smartrecruiters, got %q", i, p.Type)
		}
		if p.Timeout < 0 {
			res.addErr("portals[%d].timeout must be >= 0", i)
		}
		if !p.Enabled {
			continue
		}
		enabled++
		if len(p.Companies) == 0 {
			res.addWarn("portal %q has no companies; discovery will find nothing.", p.ID)
		}
		for j, c := range p.Companies {
			if strings.TrimSpace(c.Slug) == "" {
				res.addErr("portals[%d].companies[%d].slug is required", i, j)
			}
		}
	}
	if enabled == 0 {
		res.addWarn("no portals enabled; runs will be rejected.")
	}

	// applicant (only needed once something is submitted)
	a := out.Applicant
	if strings.TrimSpace(a.Email) == "" || strings.TrimSpace(a.FirstName) == "" {
		res.addWarn("applicant first_name and email are empty; forms will not be fillable.")
	}
	if strings.TrimSpace(a.ResumePath) == "" {
		res.addWarn("applicant.resume_path is empty; forms that require a resume will be skipped.")
	}

	// confirm (password not required here; it's in keychain)
	if out.Confirm.Enabled {
		if strings.TrimSpace(out.Confirm.IMAPHost) == "" {
			res.addErr("confirm.imap_host is required when confirm.enabled=true")
		}
		if out.Confirm.IMAPPort <= 0 {
			res.addErr("confirm.imap_port is required when confirm.enabled=true")
		}
		if strings.TrimSpace(out.Confirm.Username) == "" {
			res.addErr("confirm.username is required when confirm.enabled=true")
		}
		if strings.TrimSpace(out.Confirm.Mailbox) == "" {
			res.addErr("confirm.mailbox is required when confirm.enabled=true")
		}
		if out.Confirm.LookbackDays <= 0 {
			res.addErr("confirm.lookback_days must be > 0")
		}
		if len(out.Confirm.SubjectAny) == 0 {
			res.addWarn("confirm.subject_any is empty; no confirmations will match.")
		}
	}

	return out, res
}

func splitJoined(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
