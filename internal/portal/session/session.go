// Package session is the HTTP browsing session adapters drive portals with:
// a cookie jar per session, page fetches parsed into goquery documents, and
// block and CAPTCHA detection.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"jobapply-engine/internal/portal"

	"github.com/PuerkitoBio/goquery"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) jobapply/1.0"
	maxPageBytes     = 4 << 20
)

// Page is a fetched and parsed HTML response.
type Page struct {
	URL    *url.URL
	Status int
	Header http.Header
	Body   string
	Doc    *goquery.Document
}

// Session is one portal browsing session. It is not shared between attempts.
type Session struct {
	portal    string
	hc        *http.Client
	userAgent string
}

type Option func(*Session)

func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.hc.Timeout = d
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(s *Session) {
		if ua != "" {
			s.userAgent = ua
		}
	}
}

// WithTransport swaps the round tripper, e.g. for httptest servers.
func WithTransport(rt http.RoundTripper) Option {
	return func(s *Session) {
		if rt != nil {
			s.hc.Transport = rt
		}
	}
}

func New(portalID string, opts ...Option) *Session {
	jar, _ := cookiejar.New(nil)
	s := &Session{
		portal:    portalID,
		hc:        &http.Client{Jar: jar, Timeout: 30 * time.Second},
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get fetches an HTML page. Block pages come back as BlockedByPortal,
// 5xx and transport failures as NavigationError, other 4xx as
// UnexpectedPageState.
func (s *Session) Get(ctx context.Context, op, raw string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, portal.UnexpectedPageState(s.portal, op, "bad url "+raw)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	return s.do(req, op)
}

// GetJSON fetches raw into v.
func (s *Session) GetJSON(ctx context.Context, op, raw string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return portal.UnexpectedPageState(s.portal, op, "bad url "+raw)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.hc.Do(req)
	if err != nil {
		return s.transportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return s.transportError(op, err)
	}
	if err := s.checkStatus(op, resp, string(body)); err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return portal.UnexpectedPageState(s.portal, op, "decode json: "+err.Error())
	}
	return nil
}

// File is a multipart file part.
type File struct {
	Field    string
	Name     string
	Content  []byte
	MimeType string
}

// PostMultipart submits a form. Once the request is sent, any failure is
// marked as possibly committed.
func (s *Session) PostMultipart(ctx context.Context, op, action string, values url.Values, files []File) (*Page, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, vs := range values {
		for _, v := range vs {
			if err := mw.WriteField(k, v); err != nil {
				return nil, portal.UnexpectedPageState(s.portal, op, "build form: "+err.Error())
			}
		}
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.Field, f.Name))
		ct := f.MimeType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		w, err := mw.CreatePart(h)
		if err != nil {
			return nil, portal.UnexpectedPageState(s.portal, op, "build form: "+err.Error())
		}
		if _, err := w.Write(f.Content); err != nil {
			return nil, portal.UnexpectedPageState(s.portal, op, "build form: "+err.Error())
		}
	}
	if err := mw.Close(); err != nil {
		return nil, portal.UnexpectedPageState(s.portal, op, "build form: "+err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action, &buf)
	if err != nil {
		return nil, portal.UnexpectedPageState(s.portal, op, "bad form action "+action)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	page, err := s.do(req, op)
	if err != nil {
		var pe *portal.Error
		if errors.As(err, &pe) && pe.Kind != portal.KindBlocked {
			pe.Committed()
		}
		return nil, err
	}
	return page, nil
}

func (s *Session) do(req *http.Request, op string) (*Page, error) {
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, s.transportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, s.transportError(op, err)
	}
	if err := s.checkStatus(op, resp, string(body)); err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, portal.UnexpectedPageState(s.portal, op, "parse html: "+err.Error())
	}
	return &Page{
		URL:    resp.Request.URL,
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   string(body),
		Doc:    doc,
	}, nil
}

func (s *Session) checkStatus(op string, resp *http.Response, body string) error {
	if LooksBlocked(resp, preview(body)) {
		return portal.BlockedByPortal(s.portal, op, fmt.Sprintf("status %d from %s", resp.StatusCode, resp.Request.URL.Host))
	}
	switch {
	case resp.StatusCode >= 500:
		return portal.NavigationError(s.portal, op, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return portal.UnexpectedPageState(s.portal, op, fmt.Sprintf("status %d for %s", resp.StatusCode, resp.Request.URL))
	}
	return nil
}

func (s *Session) transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return portal.NavigationError(s.portal, op, err)
}

// LooksBlocked reports Cloudflare challenges, rate limiting and
// access-denied pages.
func LooksBlocked(resp *http.Response, bodyPreview string) bool {
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		return true
	}

	server := strings.ToLower(resp.Header.Get("Server"))
	if strings.Contains(server, "cloudflare") && resp.Header.Get("CF-RAY") != "" && resp.StatusCode >= 400 {
		return true
	}

	low := strings.ToLower(bodyPreview)
	return strings.Contains(low, "/cdn-cgi/challenge-platform") ||
		(strings.Contains(low, "cloudflare") && strings.Contains(low, "checking your browser")) ||
		(strings.Contains(low, "attention required") && strings.Contains(low, "cloudflare"))
}

var captchaSelectors = []string{
	".g-recaptcha",
	".h-captcha",
	".cf-turnstile",
	`script[src*="recaptcha"]`,
	`script[src*="hcaptcha.com"]`,
	`script[src*="challenges.cloudflare.com/turnstile"]`,
	`iframe[src*="recaptcha"]`,
}

// HasCaptcha reports whether sel contains a CAPTCHA widget.
func HasCaptcha(sel *goquery.Selection) bool {
	for _, q := range captchaSelectors {
		if sel.Find(q).Length() > 0 {
			return true
		}
	}
	return false
}

// Resolve makes ref absolute against base.
func Resolve(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	if base == nil {
		return u.String(), nil
	}
	return base.ResolveReference(u).String(), nil
}

func preview(body string) string {
	const n = 4096
	if len(body) > n {
		return body[:n]
	}
	return body
}
