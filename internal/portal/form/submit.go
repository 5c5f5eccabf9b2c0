package form

import (
	"context"
	"strings"
	"time"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/portal"
	"jobapply-engine/internal/portal/session"
)

// Page describes where a portal keeps its application form.
type Page struct {
	PortalID string
	// FormSelector matches the application form.
	FormSelector string
	// ApplyLinkSelector matches an outbound "apply on company site" link
	// shown instead of a form.
	ApplyLinkSelector string
	// ConfirmSelectors match the success message after submitting.
	ConfirmSelectors []string
	Mapping          Mapping
}

// Inspect classifies a fetched application page against the profile a.
// It only reads.
func (p Page) Inspect(page *session.Page, a Applicant) domain.Inspection {
	in := domain.Inspection{
		Mechanism:       domain.MechanismUnknown,
		CaptchaDetected: session.HasCaptcha(page.Doc.Selection),
	}
	f, ok := Parse(page.Doc, page.URL, p.FormSelector)
	if !ok {
		if p.ApplyLinkSelector != "" && page.Doc.Find(p.ApplyLinkSelector).Length() > 0 {
			in.Mechanism = domain.MechanismExternalForm
		}
		return in
	}
	in.Mechanism, in.RequiredUnknownFields = Classify(f, p.Mapping, a)
	return in
}

// Submit loads the application page in sess, fills the form from a and
// posts it. now stamps the result.
func (p Page) Submit(ctx context.Context, sess *session.Session, pageURL string, a Applicant, now func() time.Time) (domain.SubmissionResult, error) {
	const op = "submit"

	page, err := sess.Get(ctx, op, pageURL)
	if err != nil {
		return domain.SubmissionResult{}, err
	}
	if session.HasCaptcha(page.Doc.Selection) {
		return domain.SubmissionResult{}, portal.BlockedByPortal(p.PortalID, op, "captcha on application form")
	}

	f, ok := Parse(page.Doc, page.URL, p.FormSelector)
	if !ok {
		return domain.SubmissionResult{}, portal.ElementNotFound(p.PortalID, op, p.FormSelector)
	}
	if !strings.EqualFold(f.Method, "POST") {
		return domain.SubmissionResult{}, portal.UnexpectedPageState(p.PortalID, op, "application form method "+f.Method)
	}

	vals, files, err := Fill(f, p.Mapping, a)
	if err != nil {
		return domain.SubmissionResult{}, portal.UnexpectedPageState(p.PortalID, op, err.Error())
	}

	resp, err := sess.PostMultipart(ctx, op, f.Action, vals, files)
	if err != nil {
		return domain.SubmissionResult{}, err
	}
	msg, ok := Confirmed(resp, p.ConfirmSelectors)
	if !ok {
		return domain.SubmissionResult{}, portal.UnexpectedPageState(p.PortalID, op, "no confirmation after submit").Committed()
	}
	return domain.SubmissionResult{SubmittedAt: now(), Confirmation: msg}, nil
}
