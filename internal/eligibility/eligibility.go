// Package eligibility decides whether a posting may be applied to.
package eligibility

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"jobapply-engine/internal/domain"
)

const (
	ReasonCaptcha         = "captcha"
	ReasonMechanism       = "mechanism not allowed"
	ReasonExcludedCompany = "excluded company"
	ReasonTooOld          = "posting too old"
	ReasonAlreadyApplied  = "already applied"
	ReasonPortalBlocked   = "portal blocked"
)

type Policy struct {
	AllowedMechanisms      []domain.Mechanism `json:"allowed_mechanisms" yaml:"allowed_mechanisms" koanf:"allowed_mechanisms"`
	RequireNoCaptchaSignal bool               `json:"require_no_captcha_signal" yaml:"require_no_captcha_signal" koanf:"require_no_captcha_signal"`
	ExcludedCompanies      []string           `json:"excluded_companies" yaml:"excluded_companies" koanf:"excluded_companies"`
	// MaxPostingAgeHours of 0 means no age limit.
	MaxPostingAgeHours int `json:"max_posting_age_hours" yaml:"max_posting_age_hours" koanf:"max_posting_age_hours"`
}

// DefaultPolicy only allows easy-apply postings without a CAPTCHA.
func DefaultPolicy() Policy {
	return Policy{
		AllowedMechanisms:      []domain.Mechanism{domain.MechanismEasyApply},
		RequireNoCaptchaSignal: true,
		MaxPostingAgeHours:     72,
	}
}

func (p Policy) Validate() error {
	var errs []error
	if len(p.AllowedMechanisms) == 0 {
		errs = append(errs, errors.New("policy.allowed_mechanisms must not be empty"))
	}
	for i, m := range p.AllowedMechanisms {
		if _, err := domain.ParseMechanism(string(m)); err != nil {
			errs = append(errs, fmt.Errorf("policy.allowed_mechanisms[%d]: %w", i, err))
		}
	}
	if p.MaxPostingAgeHours < 0 {
		errs = append(errs, errors.New("policy.max_posting_age_hours must be >= 0"))
	}
	return errors.Join(errs...)
}

func (p Policy) allows(m domain.Mechanism) bool {
	for _, a := range p.AllowedMechanisms {
		if a == m {
			return true
		}
	}
	return false
}

func (p Policy) excludes(company string) bool {
	key := normalizeCompany(company)
	if key == "" {
		return false
	}
	for _, c := range p.ExcludedCompanies {
		if normalizeCompany(c) == key {
			return true
		}
	}
	return false
}

func normalizeCompany(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Decision is the filter's verdict. Reasons is empty iff Eligible.
type Decision struct {
	Eligible bool     `json:"eligible"`
	Reasons  []string `json:"reasons,omitempty"`
}

// Reason is the first reason, the one recorded as a skip reason.
func (d Decision) Reason() string {
	if len(d.Reasons) == 0 {
		return ""
	}
	return d.Reasons[0]
}

func decision(reasons []string) Decision {
	return Decision{Eligible: len(reasons) == 0, Reasons: reasons}
}

// Prescreen applies the rules that need no portal traffic: company
// exclusions and posting age.
func Prescreen(p domain.Posting, policy Policy, now time.Time) Decision {
	return decision(staticReasons(p, policy, now))
}

// Decide applies the whole policy to an inspected posting. It is pure.
func Decide(p domain.Posting, in domain.Inspection, policy Policy, now time.Time) Decision {
	var reasons []string
	if policy.RequireNoCaptchaSignal && in.CaptchaDetected {
		reasons = append(reasons, ReasonCaptcha)
	}
	if !policy.allows(in.Mechanism) {
		reasons = append(reasons, ReasonMechanism)
	}
	return decision(append(reasons, staticReasons(p, policy, now)...))
}

func staticReasons(p domain.Posting, policy Policy, now time.Time) []string {
	var reasons []string
	if policy.excludes(p.Company) {
		reasons = append(reasons, ReasonExcludedCompany)
	}
	if policy.MaxPostingAgeHours > 0 && p.Age(now) > time.Duration(policy.MaxPostingAgeHours)*time.Hour {
		reasons = append(reasons, ReasonTooOld)
	}
	return reasons
}
