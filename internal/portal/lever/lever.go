// Package lever drives jobs.lever.co postings.
package lever

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/logger"
	"jobapply-engine/internal/portal"
	"jobapply-engine/internal/portal/form"
	"jobapply-engine/internal/portal/session"
)

const (
	DefaultAPIBase  = "https://api.lever.co/v0/postings"
	DefaultJobsBase = "https://jobs.lever.co"
)

type Config struct {
	ID        string // portal id, defaults to "lever"
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
		cfg.ID = "lever"
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
			FormSelector:      `form#application-form, form[action$="/apply"]`,
			ApplyLinkSelector: `a.postings-btn[href^="http"]:not([href*="lever.co"])`,
			ConfirmSelectors:  []string{`[data-qa="msg-submit-success"]`, ".application-confirmation"},
			Mapping:           mapping,
		},
		log: logger.Named("ats:" + cfg.ID),
		now: time.Now,
	}
}

var mapping = form.Mapping{
	Values: map[string]func(form.Applicant) string{
		"name":           func(a form.Applicant) string { return a.FullName() },
		"email":          func(a form.Applicant) string { return a.Email },
		"phone":          func(a form.Applicant) string { return a.Phone },
		"location":       func(a form.Applicant) string { return a.Location },
		"urls[LinkedIn]": func(a form.Applicant) string { return a.LinkedInURL },
	},
	Files: map[string]bool{"resume": true},
}

func (a *Adapter) ID() string { return a.cfg.ID }

func (a *Adapter) session() *session.Session {
	return session.New(a.cfg.ID, session.WithTimeout(a.cfg.Timeout), session.WithUserAgent(a.cfg.UserAgent))
}

type leverPosting struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	HostedURL  string `json:"hostedUrl"`
	ApplyURL   string `json:"applyUrl"`
	CreatedAt  int64  `json:"createdAt"` // ms epoch
	Categories struct {
		Location string `json:"location"`
		Team     string `json:"team"`
	} `json:"categories"`
	DescriptionPlain string `json:"descriptionPlain"`
}

func (a *Adapter) Discover(ctx context.Context, c domain.SearchCriteria) iter.Seq2[domain.Posting, error] {
	return func(yield func(domain.Posting, error) bool) {
		sess := a.session()
		emitted := 0
		for _, co := range a.cfg.Companies {
			if ctx.Err() != nil {
				return
			}
			var postings []leverPosting
			apiURL := fmt.Sprintf("%s/%s?mode=json", a.cfg.APIBase, co.Slug)
			if err := sess.GetJSON(ctx, "discover", apiURL, &postings); err != nil {
				a.log.Warn(ctx, "postings fetch failed", logger.String("company", co.Slug), logger.Error(err))
				if !yield(domain.Posting{}, err) {
					return
				}
				continue
			}

			now := a.now()
			for _, lp := range postings {
				if lp.ID == "" || strings.TrimSpace(lp.Text) == "" {
					continue
				}
				p := a.toPosting(co, lp, now)
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
		}
	}
}

func (a *Adapter) toPosting(co domain.Company, lp leverPosting, now time.Time) domain.Posting {
	hosted := lp.HostedURL
	if hosted == "" {
		hosted = fmt.Sprintf("%s/%s/%s", a.cfg.JobsBase, co.Slug, lp.ID)
	}
	apply := lp.ApplyURL
	if apply == "" {
		apply = strings.TrimRight(hosted, "/") + "/apply"
	}
	var posted time.Time
	if lp.CreatedAt > 0 {
		posted = time.UnixMilli(lp.CreatedAt).UTC()
	}
	return domain.Posting{
		ID:           domain.PostingID{Portal: a.cfg.ID, ExternalID: co.Slug + ":" + lp.ID},
		Title:        form.CleanText(lp.Text),
		Company:      co.DisplayName(),
		Location:     form.CleanText(lp.Categories.Location),
		URL:          hosted,
		ApplyURL:     apply,
		Description:  lp.DescriptionPlain,
		Mechanism:    domain.MechanismUnknown,
		PostedAt:     posted,
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

var _ portal.Adapter = (*Adapter)(nil)
