package greenhouse

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/portal"
	"jobapply-engine/internal/portal/form"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const easyForm = `<html><body><h1>Backend Engineer</h1>
<form id="application_form" action="/acme/jobs/1/applications" method="post" enctype="multipart/form-data">
  <input type="hidden" name="token" value="t-1">
  <input name="job_application[first_name]" required>
  <input name="job_application[last_name]" required>
  <input name="job_application[email]" type="email" required>
  <input name="job_application[resume]" type="file" required>
  <input type="submit" value="Submit">
</form></body></html>`

const captchaForm = `<html><body>
<form id="application_form" action="/acme/jobs/2/applications" method="post">
  <input name="job_application[first_name]" required>
  <div class="g-recaptcha" data-sitekey="x"></div>
</form></body></html>`

const questionForm = `<html><body>
<form id="application_form" action="/acme/jobs/3/applications" method="post">
  <input name="job_application[first_name]" required>
  <textarea name="job_application[answers][0][text_value]" required></textarea>
</form></body></html>`

type board struct {
	mu       sync.Mutex
	received map[string]string
	srv      *httptest.Server
}

func newBoard(t *testing.T) *board {
	t.Helper()
	b := &board{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/boards/acme/jobs", func(w http.ResponseWriter, r *http.Request) {
		fresh := time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339)
		old := time.Now().Add(-30 * 24 * time.Hour).UTC().Format(time.RFC3339)
		fmt.Fprintf(w, `{"jobs":[
 {"id":1,"title":"Backend Engineer","updated_at":%q,"absolute_url":"%s/acme/jobs/1","location":{"name":"Remote"},"content":"&lt;p&gt;Go and Postgres&lt;/p&gt;"},
 {"id":2,"title":"Platform Engineer","updated_at":%q,"absolute_url":"%s/acme/jobs/2","location":{"name":"Berlin"}},
 {"id":3,"title":"Data Engineer","updated_at":%q,"absolute_url":"%s/acme/jobs/3","location":{"name":"Remote"}},
 {"id":4,"title":"Office Manager","updated_at":%q,"absolute_url":"%s/acme/jobs/4","location":{"name":"Remote"}}
]}`, fresh, b.srv.URL, fresh, b.srv.URL, old, b.srv.URL, fresh, b.srv.URL)
	})
	mux.HandleFunc("/v1/boards/down/jobs", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oops", http.StatusBadGateway)
	})
	mux.HandleFunc("/acme/jobs/1", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, easyForm) })
	mux.HandleFunc("/acme/jobs/2", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, captchaForm) })
	mux.HandleFunc("/acme/jobs/3", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, questionForm) })
	mux.HandleFunc("/acme/jobs/9", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	mux.HandleFunc("/acme/jobs/1/applications", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		b.mu.Lock()
		b.received = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			b.received[k] = v[0]
		}
		if fh := r.MultipartForm.File["job_application[resume]"]; len(fh) == 1 {
			b.received["resume.filename"] = fh[0].Filename
		}
		b.mu.Unlock()
		fmt.Fprint(w, `<div id="application_confirmation">Thank you for applying.</div>`)
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func newAdapter(t *testing.T, b *board, companies ...domain.Company) *Adapter {
	t.Helper()
	resume := filepath.Join(t.TempDir(), "resume.pdf")
	require.NoError(t, os.WriteFile(resume, []byte("%PDF"), 0o600))
	return New(Config{
		APIBase:   b.srv.URL + "/v1/boards",
		BoardBase: b.srv.URL,
		Companies: companies,
		Applicant: form.Applicant{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", ResumePath: resume},
		Timeout:   5 * time.Second,
	})
}

func TestDiscover(t *testing.T) {
	b := newBoard(t)
	a := newAdapter(t, b, domain.Company{Slug: "down"}, domain.Company{Slug: "acme", Name: "Acme"})

	var got []domain.Posting
	var errs []error
	for p, err := range a.Discover(context.Background(), domain.SearchCriteria{Keywords: []string{"engineer"}, MaxAge: 7 * 24 * time.Hour}) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		got = append(got, p)
	}

	require.Len(t, errs, 1, "a failing board is reported and skipped")
	assert.Equal(t, portal.KindNavigation, portal.KindOf(errs[0]))

	require.Len(t, got, 2, "old and non-matching postings are filtered out")
	assert.Equal(t, domain.PostingID{Portal: "greenhouse", ExternalID: "acme:1"}, got[0].ID)
	assert.Equal(t, "Acme", got[0].Company)
	assert.Equal(t, "Remote", got[0].Location)
	assert.Equal(t, "Go and Postgres", got[0].Description)
	assert.Equal(t, b.srv.URL+"/acme/jobs/1", got[0].URL)
	assert.Equal(t, domain.MechanismUnknown, got[0].Mechanism)
	assert.False(t, got[0].PostedAt.IsZero())
}

func TestDiscoverHonorsLimitAndEarlyStop(t *testing.T) {
	b := newBoard(t)
	a := newAdapter(t, b, domain.Company{Slug: "acme"})

	n := 0
	for range a.Discover(context.Background(), domain.SearchCriteria{Limit: 2}) {
		n++
	}
	assert.Equal(t, 2, n)

	n = 0
	for range a.Discover(context.Background(), domain.SearchCriteria{}) {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestInspect(t *testing.T) {
	b := newBoard(t)
	a := newAdapter(t, b)
	ctx := context.Background()

	in, err := a.Inspect(ctx, domain.Posting{URL: b.srv.URL + "/acme/jobs/1"})
	require.NoError(t, err)
	assert.Equal(t, domain.Inspection{Mechanism: domain.MechanismEasyApply}, in)

	in, err = a.Inspect(ctx, domain.Posting{URL: b.srv.URL + "/acme/jobs/2"})
	require.NoError(t, err)
	assert.True(t, in.CaptchaDetected)

	in, err = a.Inspect(ctx, domain.Posting{URL: b.srv.URL + "/acme/jobs/3"})
	require.NoError(t, err)
	assert.Equal(t, domain.MechanismExternalForm, in.Mechanism)
	assert.Equal(t, []string{"job_application[answers][0][text_value]"}, in.RequiredUnknownFields)

	_, err = a.Inspect(ctx, domain.Posting{URL: b.srv.URL + "/acme/jobs/9"})
	assert.True(t, portal.IsBlocked(err))

	_, err = a.Inspect(ctx, domain.Posting{URL: b.srv.URL + "/acme/jobs/404"})
	assert.Equal(t, portal.KindUnexpectedPageState, portal.KindOf(err))
}

func TestSubmit(t *testing.T) {
	b := newBoard(t)
	a := newAdapter(t, b)

	res, err := a.Submit(context.Background(), domain.Posting{URL: b.srv.URL + "/acme/jobs/1"})
	require.NoError(t, err)
	assert.Equal(t, "Thank you for applying.", res.Confirmation)
	assert.False(t, res.SubmittedAt.IsZero())

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, "t-1", b.received["token"])
	assert.Equal(t, "Ada", b.received["job_application[first_name]"])
	assert.Equal(t, "ada@example.com", b.received["job_application[email]"])
	assert.Equal(t, "resume.pdf", b.received["resume.filename"])
}

func TestSubmitFailures(t *testing.T) {
	b := newBoard(t)
	a := newAdapter(t, b)
	ctx := context.Background()

	_, err := a.Submit(ctx, domain.Posting{URL: b.srv.URL + "/acme/jobs/2"})
	assert.True(t, portal.IsBlocked(err), "captcha at submit time is a block")

	_, err = a.Submit(ctx, domain.Posting{URL: b.srv.URL + "/acme/jobs/3"})
	assert.Equal(t, portal.KindUnexpectedPageState, portal.KindOf(err))

	_, err = a.Submit(ctx, domain.Posting{URL: b.srv.URL + "/v1/boards/acme/jobs"})
	assert.Equal(t, portal.KindElementNotFound, portal.KindOf(err))
	assert.True(t, portal.IsTransient(err))
}
