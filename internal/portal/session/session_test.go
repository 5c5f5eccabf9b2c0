package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"jobapply-engine/internal/portal"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetClassifiesResponses(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.UserAgent())
		fmt.Fprint(w, `<html><body><h1>Hello</h1></body></html>`)
	})
	mux.HandleFunc("/denied", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) })
	mux.HandleFunc("/busy", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTooManyRequests) })
	mux.HandleFunc("/challenge", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<script src="/cdn-cgi/challenge-platform/h/b/orchestrate"></script>`)
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) })
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := New("acme", WithUserAgent("test-agent"))
	ctx := context.Background()

	page, err := s.Get(ctx, "inspect", srv.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.Status)
	assert.Equal(t, "Hello", page.Doc.Find("h1").Text())
	assert.Equal(t, "/ok", page.URL.Path)

	cases := map[string]portal.ErrorKind{
		"/denied":    portal.KindBlocked,
		"/busy":      portal.KindBlocked,
		"/challenge": portal.KindBlocked,
		"/down":      portal.KindNavigation,
		"/gone":      portal.KindUnexpectedPageState,
	}
	for path, want := range cases {
		_, err := s.Get(ctx, "inspect", srv.URL+path)
		assert.Equal(t, want, portal.KindOf(err), path)
	}
}

func TestGetKeepsCookiesWithinSession(t *testing.T) {
	var sawCookie bool
	mux := http.NewServeMux()
	mux.HandleFunc("/set", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
		fmt.Fprint(w, "<html></html>")
	})
	mux.HandleFunc("/check", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("sid")
		sawCookie = err == nil && c.Value == "abc"
		fmt.Fprint(w, "<html></html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := New("acme")
	_, err := s.Get(context.Background(), "inspect", srv.URL+"/set")
	require.NoError(t, err)
	_, err = s.Get(context.Background(), "inspect", srv.URL+"/check")
	require.NoError(t, err)
	assert.True(t, sawCookie)

	sawCookie = true
	_, err = New("acme").Get(context.Background(), "inspect", srv.URL+"/check")
	require.NoError(t, err)
	assert.False(t, sawCookie, "fresh sessions start without cookies")
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			fmt.Fprint(w, "{not json")
			return
		}
		fmt.Fprint(w, `{"jobs":[{"id":7}]}`)
	}))
	defer srv.Close()

	var v struct {
		Jobs []struct {
			ID int `json:"id"`
		} `json:"jobs"`
	}
	s := New("acme")
	require.NoError(t, s.GetJSON(context.Background(), "discover", srv.URL+"/jobs", &v))
	require.Len(t, v.Jobs, 1)
	assert.Equal(t, 7, v.Jobs[0].ID)

	err := s.GetJSON(context.Background(), "discover", srv.URL+"/bad", &v)
	assert.Equal(t, portal.KindUnexpectedPageState, portal.KindOf(err))
}

func TestPostMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		if r.FormValue("email") == "fail@example.com" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f, hdr, err := r.FormFile("resume")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		fmt.Fprintf(w, `<p class="ok">%s %s %s</p>`, r.FormValue("email"), hdr.Filename, b)
	}))
	defer srv.Close()

	s := New("acme")
	files := []File{{Field: "resume", Name: "cv.pdf", Content: []byte("%PDF")}}

	page, err := s.PostMultipart(context.Background(), "submit", srv.URL, url.Values{"email": {"ada@example.com"}}, files)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com cv.pdf %PDF", page.Doc.Find(".ok").Text())

	_, err = s.PostMultipart(context.Background(), "submit", srv.URL, url.Values{"email": {"fail@example.com"}}, files)
	var pe *portal.Error
	require.True(t, errors.As(err, &pe))
	assert.True(t, pe.MaybeCommitted, "failures after sending may have reached the portal")
	assert.False(t, portal.IsTransient(err))
}

func TestTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, err := New("acme").Get(context.Background(), "inspect", addr)
	assert.Equal(t, portal.KindNavigation, portal.KindOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New("acme").Get(ctx, "inspect", addr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHasCaptcha(t *testing.T) {
	for html, want := range map[string]bool{
		`<div class="g-recaptcha"></div>`:   true,
		`<div class="h-captcha"></div>`:     true,
		`<div class="cf-turnstile"></div>`:  true,
		`<form><input name="email"></form>`: false,
	} {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		require.NoError(t, err)
		assert.Equal(t, want, HasCaptcha(doc.Selection), html)
	}
}

func TestResolve(t *testing.T) {
	base, _ := url.Parse("https://boards.example.com/acme/jobs/1")
	got, err := Resolve(base, " /acme/jobs/1/apply ")
	require.NoError(t, err)
	assert.Equal(t, "https://boards.example.com/acme/jobs/1/apply", got)

	got, err = Resolve(nil, "https://x.example/y")
	require.NoError(t, err)
	assert.Equal(t, "https://x.example/y", got)
}
