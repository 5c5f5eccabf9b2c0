// Package greenhouse drives Greenhouse-hosted job boards.
package greenhouse

import (
	"context"
	"fmt"
	"html"
	"iter"
	"strconv"
	"strings"
	"time"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/logger"
	"jobapply-engine/internal/portal"
	"jobapply-engine/internal/portal/form"
	"jobapply-engine/internal/portal/session"

	"github.com/PuerkitoBio/goquery"
)

const (
	DefaultAPIBase   = "https://boards-api.greenhouse.io/v1/boards"
	DefaultBoardBase = "https://boards.greenhouse.io"
)

type Config struct {
	ID        string // portal id, defaults to "greenhouse"
	APIBase   string
	BoardBase string
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
		cfg.ID = "greenhouse"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.BoardBase == "" {
		cfg.BoardBase = DefaultBoardBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	cfg.BoardBase = strings.TrimRight(cfg.BoardBase, "/")

	return &Adapter{
		cfg: cfg,
		page: form.Page{
			PortalID:          cfg.ID,
			FormSelector:      "form#application_form, form#application-form",
			ApplyLinkSelector: `a.apply-link[href^="http"], a[data-mapped="true"][href^="http"]`,
			ConfirmSelectors:  []string{"#application_confirmation", ".application-confirmation"},
			Mapping:           mapping,
		},
		log: logger.Named("ats:" + cfg.ID),
		now: time.Now,
	}
}

var mapping = form.Mapping{
	Values: map[string]func(form.Applicant) string{
		"first_name": func(a form.Applicant) string { return a.FirstName },
		"last_name":  func(a form.Applicant) string { return a.LastName },
		"email":      func(a form.Applicant) string { return a.Email },
		"phone":      func(a form.Applicant) string { return a.Phone },
		"location":   func(a form.Applicant) string { return a.Location },
	},
	Files: map[string]bool{"resume": true},
}

func (a *Adapter) ID() string { return a.cfg.ID }

func (a *Adapter) session() *session.Session {
	return session.New(a.cfg.ID, session.WithTimeout(a.cfg.Timeout), session.WithUserAgent(a.cfg.UserAgent))
}

type boardJobs struct {
	Jobs []struct {
		ID             int64  `json:"id"`
		Title          string `json:"title"`
		UpdatedAt      string `json:"updated_at"`
		FirstPublished string `json:"first_published"`
		AbsoluteURL    string `json:"absolute_url"`
		Content        string `json:"content"`
		Location       struct {
			Name string `json:"name"`
		} `json:"location"`
	} `json:"jobs"`
}

func (a *Adapter) Discover(ctx context.Context, c domain.SearchCriteria) iter.Seq2[domain.Posting, error] {
	return func(yield func(domain.Posting, error) bool) {
		sess := a.session()
		emitted := 0
		for _, co := range a.cfg.Companies {
			if ctx.Err() != nil {
				return
			}
			var board boardJobs
			apiURL := fmt.Sprintf("%s/%s/jobs?content=true", a.cfg.APIBase, co.Slug)
			if err := sess.GetJSON(ctx, "discover", apiURL, &board); err != nil {
				a.log.Warn(ctx, "board fetch failed", logger.String("company", co.Slug), logger.Error(err))
				if !yield(domain.Posting{}, err) {
					return
				}
				continue
			}

			now := a.now()
			for _, j := range board.Jobs {
				if j.ID == 0 || strings.TrimSpace(j.Title) == "" {
					continue
				}
				p := domain.Posting{
					ID:           domain.PostingID{Portal: a.cfg.ID, ExternalID: co.Slug + ":" + strconv.FormatInt(j.ID, 10)},
					Title:        form.CleanText(j.Title),
					Company:      co.DisplayName(),
					Location:     form.CleanText(j.Location.Name),
					URL:          a.jobURL(co.Slug, j.ID, j.AbsoluteURL),
					Description:  htmlText(j.Content),
					Mechanism:    domain.MechanismUnknown,
					PostedAt:     parseTime(j.FirstPublished, j.UpdatedAt),
					DiscoveredAt: now,
				}
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

func (a *Adapter) jobURL(slug string, id int64, abs string) string {
	if abs != "" {
		return abs
	}
	return fmt.Sprintf("%s/%s/jobs/%d", a.cfg.BoardBase, slug, id)
}

func (a *Adapter) Inspect(ctx context.Context, p domain.Posting) (domain.Inspection, error) {
	page, err := a.session().Get(ctx, "inspect", applyURL(p))
	if err != nil {
		return domain.Inspection{}, err
	}
	return a.page.Inspect(page, a.cfg.Applicant), nil
}

func (a *Adapter) Submit(ctx context.Context, p domain.Posting) (domain.SubmissionResult, error) {
	return a.page.Submit(ctx, a.session(), applyURL(p), a.cfg.Applicant, a.now)
}

func applyURL(p domain.Posting) string {
	if p.ApplyURL != "" {
		return p.ApplyURL
	}
	return p.URL
}

func parseTime(vals ...string) time.Time {
	for _, v := range vals {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(v)); err == nil {
			return t
		}
	}
	return time.Time{}
}

// htmlText flattens the board API's escaped HTML description.
func htmlText(escaped string) string {
	if escaped == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html.UnescapeString(escaped)))
	if err != nil {
		return ""
	}
	return form.CleanText(doc.Text())
}

var _ portal.Adapter = (*Adapter)(nil)
