// Package smartrecruiters drives jobs.smartrecruiters.com postings.
package smartrecruiters

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strings"
	"time"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/logger"
	"jobapply-engine/internal/portal"
	"jobapply-engine/internal/portal/form"
	"jobapply-engine/internal/portal/session"
)

const (
	DefaultAPIBase  = "https://api.smartrecruiters.com/v1/companies"
	DefaultJobsBase = "https://jobs.smartrecruiters.com"

	pageSize = 100
	// maxOffset stops runaway pagination on boards that misreport totalFound.
	maxOffset = 5000
)

type Config struct {
	ID        string // portal id, defaults to "smartrecruiters"
	APIBase   string
	JobsBase  string
	Companies []domain.Company
	Applicant form.Applicant
	Timeout   time.Duration
	UserAgent string
}

type Adapter struct {
	cfg  Config
	page form.Page
	log  logger.Logger
	now  func() time.Time
}

func New(cfg Config) *Adapter {
	if cfg.ID == "" {
		cfg.ID = "smartrecruiters"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.JobsBase == "" {
		cfg.JobsBase = DefaultJobsBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	cfg.JobsBase = strings.TrimRight(cfg.JobsBase, "/")

	return &Adapter{
		cfg: cfg,
		page: form.Page{
			PortalID:          cfg.ID,
			FormSelector:      `form#st-apply-form, form[action*="/apply"]`,
			ApplyLinkSelector: `a#st-apply[href^="http"]:not([href*="smartrecruiters.com"])`,
			ConfirmSelectors:  []string{".st-apply-confirmation", `[data-test="application-success"]`},
			Mapping:           mapping,
		},
		log: logger.Named("ats:" + cfg.ID),
		now: time.Now,
	}
}

var mapping = form.Mapping{
	Values: map[string]func(form.Applicant) string{
		"firstName":   func(a form.Applicant) string { return a.FirstName },
		"lastName":    func(a form.Applicant) string { return a.LastName },
		"email":       func(a form.Applicant) string { return a.Email },
		"phoneNumber": func(a form.Applicant) string { return a.Phone },
		"location":    func(a form.Applicant) string { return a.Location },
		"linkedin":    func(a form.Applicant) string { return a.LinkedInURL },
	},
	Files: map[string]bool{"resume": true},
}

func (a *Adapter) ID() string { return a.cfg.ID }

func (a *Adapter) session() *session.Session {
	return session.New(a.cfg.ID, session.WithTimeout(a.cfg.Timeout), session.WithUserAgent(a.cfg.UserAgent))
}

type postingsResponse struct {
	Content    []srPosting `json:"content"`
	TotalFound int         `json:"totalFound"`
}

type srPosting struct {
	ID           string    `json:"id"`
	UUID         string    `json:"uuid"`
	Ref          string    `json:"ref"`
	Name         string    `json:"name"`
	ReleasedDate time.Time `json:"releasedDate"`
	Location     struct {
		City    string `json:"city"`
		Region  string `json:"region"`
		Country string `json:"country"`
		Remote  bool   `json:"remote"`
	} `json:"location"`
}

func (a *Adapter) Discover(ctx context.Context, c domain.SearchCriteria) iter.Seq2[domain.Posting, error] {
	return func(yield func(domain.Posting, error) bool) {
		sess := a.session()
		emitted := 0
		for _, co := range a.cfg.Companies {
			for offset := 0; offset <= maxOffset; offset += pageSize {
				if ctx.Err() != nil {
					return
				}
				var pr postingsResponse
				apiURL := fmt.Sprintf("%s/%s/postings?limit=%d&offset=%d", a.cfg.APIBase, url.PathEscape(co.Slug), pageSize, offset)
				if err := sess.GetJSON(ctx, "discover", apiURL, &pr); err != nil {
					a.log.Warn(ctx, "postings fetch failed", logger.String("company", co.Slug), logger.Error(err))
					if !yield(domain.Posting{}, err) {
						return
					}
					break
				}

				now := a.now()
				for _, sp := range pr.Content {
					id := firstNonEmpty(sp.ID, sp.UUID, sp.Ref)
					if id == "" || strings.TrimSpace(sp.Name) == "" {
						continue
					}
					p := a.toPosting(co, id, sp, now)
					if !c.Matches(p, now) {
						continue
					}
					if !yield(p, nil) {
						return
					}
					emitted++
					if c.Limit > 0 && emitted >= c.Limit {
						return
					}
				}
				if len(pr.Content) == 0 || (pr.TotalFound > 0 && offset+pageSize >= pr.TotalFound) {
					break
				}
			}
		}
	}
}

func (a *Adapter) toPosting(co domain.Company, id string, sp srPosting, now time.Time) domain.Posting {
	parts := nonEmpty(sp.Location.City, sp.Location.Region, sp.Location.Country)
	if sp.Location.Remote {
		parts = append(parts, "Remote")
	}
	jobURL := fmt.Sprintf("%s/%s/%s", a.cfg.JobsBase, url.PathEscape(co.Slug), url.PathEscape(id))
	return domain.Posting{
		ID:           domain.PostingID{Portal: a.cfg.ID, ExternalID: co.Slug + ":" + id},
		Title:        form.CleanText(sp.Name),
		Company:      co.DisplayName(),
		Location:     strings.Join(parts, ", "),
		URL:          jobURL,
		ApplyURL:     jobURL,
		Mechanism:    domain.MechanismUnknown,
		PostedAt:     sp.ReleasedDate.UTC(),
		DiscoveredAt: now,
	}
}

func (a *Adapter) Inspect(ctx context.Context, p domain.Posting) (domain.Inspection, error) {
	page, err := a.session().Get(ctx, "inspect", p.ApplyURL)
	if err != nil {
		return domain.Inspection{}, err
	}
	return a.page.Inspect(page, a.cfg.Applicant), nil
}

func (a *Adapter) Submit(ctx context.Context, p domain.Posting) (domain.SubmissionResult, error) {
	return a.page.Submit(ctx, a.session(), p.ApplyURL, a.cfg.Applicant, a.now)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func nonEmpty(vals ...string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

var _ portal.Adapter = (*Adapter)(nil)
