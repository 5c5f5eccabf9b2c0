// Package form reads application forms off portal pages, decides whether
// the applicant profile can complete them, and fills them.
package form

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/portal/session"

	"github.com/PuerkitoBio/goquery"
)

// Applicant is the profile submitted with every application.
type Applicant struct {
	FirstName   string `json:"first_name" yaml:"first_name" koanf:"first_name"`
	LastName    string `json:"last_name" yaml:"last_name" koanf:"last_name"`
	Email       string `json:"email" yaml:"email" koanf:"email"`
	Phone       string `json:"phone" yaml:"phone" koanf:"phone"`
	Location    string `json:"location" yaml:"location" koanf:"location"`
	LinkedInURL string `json:"linkedin_url" yaml:"linkedin_url" koanf:"linkedin_url"`
	ResumePath  string `json:"resume_path" yaml:"resume_path" koanf:"resume_path"`
}

func (a Applicant) FullName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

type Field struct {
	Name     string
	Type     string // text, email, tel, file, hidden, textarea, select, checkbox, ...
	Label    string
	Required bool
	Value    string
}

type Form struct {
	Action string
	Method string
	Fields []Field
}

// Mapping tells how a portal's standard field names map onto the profile.
type Mapping struct {
	Values map[string]func(Applicant) string
	// Files lists file inputs that take the resume.
	Files map[string]bool
}

func (m Mapping) lookup(name string) (func(Applicant) string, bool) {
	if fn, ok := m.Values[name]; ok {
		return fn, true
	}
	fn, ok := m.Values[innerName(name)]
	return fn, ok
}

func (m Mapping) isResume(name string) bool {
	return m.Files[name] || m.Files[innerName(name)]
}

// innerName turns job_application[first_name] into first_name.
func innerName(name string) string {
	if i := strings.LastIndex(name, "["); i >= 0 && strings.HasSuffix(name, "]") {
		return name[i+1 : len(name)-1]
	}
	return name
}

// Parse reads the first form matched by selector. ok is false when the
// page has no such form.
func Parse(doc *goquery.Document, base *url.URL, selector string) (f Form, ok bool) {
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return Form{}, false
	}

	action, _ := sel.Attr("action")
	if abs, err := session.Resolve(base, action); err == nil {
		action = abs
	}
	method := strings.ToUpper(strings.TrimSpace(sel.AttrOr("method", "GET")))

	f = Form{Action: action, Method: method}
	seen := map[string]bool{}
	sel.Find("input[name], textarea[name], select[name]").Each(func(_ int, in *goquery.Selection) {
		name := strings.TrimSpace(in.AttrOr("name", ""))
		if name == "" {
			return
		}
		typ := strings.ToLower(in.AttrOr("type", ""))
		switch goquery.NodeName(in) {
		case "textarea":
			typ = "textarea"
		case "select":
			typ = "select"
		}
		if typ == "" {
			typ = "text"
		}
		if typ == "submit" || typ == "button" || typ == "reset" {
			return
		}
		// Radio groups and checkbox arrays repeat the name.
		if seen[name] {
			return
		}
		seen[name] = true

		f.Fields = append(f.Fields, Field{
			Name:     name,
			Type:     typ,
			Label:    labelFor(sel, in),
			Required: isRequired(sel, in),
			Value:    in.AttrOr("value", ""),
		})
	})
	return f, true
}

func isRequired(form, in *goquery.Selection) bool {
	if _, ok := in.Attr("required"); ok {
		return true
	}
	if strings.EqualFold(in.AttrOr("aria-required", ""), "true") {
		return true
	}
	return strings.HasSuffix(strings.TrimSpace(labelFor(form, in)), "*")
}

func labelFor(form, in *goquery.Selection) string {
	if id, ok := in.Attr("id"); ok && id != "" {
		if l := form.Find(fmt.Sprintf(`label[for=%q]`, id)).First(); l.Length() > 0 {
			return CleanText(l.Text())
		}
	}
	if l := in.Closest("label"); l.Length() > 0 {
		return CleanText(l.Text())
	}
	return ""
}

// Classify decides the submission mechanism of a parsed form for the
// given mapping and profile.
func Classify(f Form, m Mapping, a Applicant) (domain.Mechanism, []string) {
	if len(f.Fields) == 0 {
		return domain.MechanismUnknown, nil
	}
	missing := Unfillable(f, m, a)
	if len(missing) > 0 {
		return domain.MechanismExternalForm, missing
	}
	return domain.MechanismEasyApply, nil
}

// Unfillable lists required fields that a cannot fill through m: fields the
// mapping does not know, mapped fields whose profile value is empty, and
// resume inputs when no resume is configured.
func Unfillable(f Form, m Mapping, a Applicant) []string {
	var out []string
	for _, fl := range f.Fields {
		if !fl.Required || fl.Type == "hidden" {
			continue
		}
		if fl.Type == "file" && m.isResume(fl.Name) {
			if strings.TrimSpace(a.ResumePath) != "" {
				continue
			}
		} else if fn, ok := m.lookup(fl.Name); ok && strings.TrimSpace(fn(a)) != "" {
			continue
		}
		out = append(out, fl.Name)
	}
	sort.Strings(out)
	return out
}

// Fill builds the submission payload. Hidden fields keep their values,
// mapped fields take the applicant's, and the resume is attached to every
// resume file input.
func Fill(f Form, m Mapping, a Applicant) (url.Values, []session.File, error) {
	if missing := Unfillable(f, m, a); len(missing) > 0 {
		return nil, nil, fmt.Errorf("required fields without a profile value: %s", strings.Join(missing, ", "))
	}

	var resume *session.File
	vals := url.Values{}
	var files []session.File
	for _, fl := range f.Fields {
		switch {
		case fl.Type == "hidden":
			vals.Set(fl.Name, fl.Value)
		case fl.Type == "file":
			if !m.isResume(fl.Name) || strings.TrimSpace(a.ResumePath) == "" {
				// required resume inputs were rejected above
				continue
			}
			if resume == nil {
				r, err := loadResume(a.ResumePath)
				if err != nil {
					return nil, nil, err
				}
				resume = &r
			}
			part := *resume
			part.Field = fl.Name
			files = append(files, part)
		default:
			if fn, ok := m.lookup(fl.Name); ok {
				if v := fn(a); v != "" {
					vals.Set(fl.Name, v)
				}
			}
		}
	}
	return vals, files, nil
}

func loadResume(path string) (session.File, error) {
	if strings.TrimSpace(path) == "" {
		return session.File{}, fmt.Errorf("applicant.resume_path is not set")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return session.File{}, fmt.Errorf("read resume: %w", err)
	}
	mt := "application/octet-stream"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		mt = "application/pdf"
	case ".docx":
		mt = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		mt = "text/plain"
	}
	return session.File{Name: filepath.Base(path), Content: b, MimeType: mt}, nil
}

// CleanText collapses whitespace, including non-breaking spaces.
func CleanText(s string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}

// Confirmed reports whether a post-submit page reads as an accepted
// application.
func Confirmed(page *session.Page, selectors []string) (string, bool) {
	for _, q := range selectors {
		if s := page.Doc.Find(q).First(); s.Length() > 0 {
			return CleanText(s.Text()), true
		}
	}
	low := strings.ToLower(page.Doc.Text())
	for _, phrase := range confirmationPhrases {
		if strings.Contains(low, phrase) {
			return phrase, true
		}
	}
	return "", false
}

var confirmationPhrases = []string{
	"thank you for applying",
	"thanks for applying",
	"application has been submitted",
	"application submitted",
	"we have received your application",
	"we've received your application",
}
