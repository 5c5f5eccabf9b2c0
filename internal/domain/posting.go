package domain

import (
	"fmt"
	"strings"
	"time"
)

// Mechanism is how a posting accepts applications.
type Mechanism string

const (
	MechanismEasyApply    Mechanism = "easy_apply"
	MechanismExternalForm Mechanism = "external_form"
	MechanismUnknown      Mechanism = "unknown"
)

func ParseMechanism(s string) (Mechanism, error) {
	switch m := Mechanism(strings.ToLower(strings.TrimSpace(s))); m {
	case MechanismEasyApply, MechanismExternalForm, MechanismUnknown:
		return m, nil
	default:
		return "", fmt.Errorf("unknown submission mechanism %q", s)
	}
}

// PostingID identifies a posting across runs: the portal it came from plus
// the portal's own id for it.
type PostingID struct {
	Portal     string `json:"portal"`
	ExternalID string `json:"external_id"`
}

func (id PostingID) String() string { return id.Portal + ":" + id.ExternalID }

// Posting is immutable once discovered.
type Posting struct {
	ID          PostingID `json:"id"`
	Title       string    `json:"title"`
	Company     string    `json:"company"`
	Location    string    `json:"location"`
	URL         string    `json:"url"`
	ApplyURL    string    `json:"apply_url,omitempty"`
	Description string    `json:"-"`

	// Mechanism starts as the discovery-time hint; an attempt overwrites
	// its copy with the inspected mechanism.
	Mechanism Mechanism `json:"mechanism"`

	PostedAt     time.Time `json:"posted_at,omitzero"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Age is measured from PostedAt, or DiscoveredAt when the portal gave no date.
func (p Posting) Age(now time.Time) time.Duration {
	t := p.PostedAt
	if t.IsZero() {
		t = p.DiscoveredAt
	}
	if t.IsZero() || now.Before(t) {
		return 0
	}
	return now.Sub(t)
}

// SearchCriteria narrows discovery. Zero values mean "no constraint".
type SearchCriteria struct {
	Keywords []string      `json:"keywords,omitempty"`
	Location string        `json:"location,omitempty"`
	MaxAge   time.Duration `json:"max_age,omitempty"`
	Limit    int           `json:"limit,omitempty"`
}

func (c SearchCriteria) Matches(p Posting, now time.Time) bool {
	if loc := strings.ToLower(strings.TrimSpace(c.Location)); loc != "" {
		if !strings.Contains(strings.ToLower(p.Location), loc) {
			return false
		}
	}
	if c.MaxAge > 0 && p.Age(now) > c.MaxAge {
		return false
	}
	if len(c.Keywords) == 0 {
		return true
	}
	text := strings.ToLower(p.Title + " " + p.Description)
	for _, kw := range c.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// Inspection is what an adapter learned from the application page.
type Inspection struct {
	Mechanism       Mechanism `json:"mechanism"`
	CaptchaDetected bool      `json:"captcha_detected"`

	// RequiredUnknownFields lists required form fields the applicant
	// profile cannot fill.
	RequiredUnknownFields []string `json:"required_unknown_fields,omitempty"`
}

type SubmissionResult struct {
	SubmittedAt  time.Time `json:"submitted_at"`
	Confirmation string    `json:"confirmation,omitempty"`
}
