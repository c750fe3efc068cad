// Package scrape implements the two fetch tiers: a static HTTP fetch that is
// cheap but defeated by anti-bot pages and JavaScript shells, and a render
// fetch through a headless-browser API. Both return payloads keyed by the
// Field constants and plug into fetch.Tiered.
package scrape

import (
	"regexp"
	"slices"

	"github.com/sells-group/research-engine/internal/model"
)

// Payload keys written by the tiers.
const (
	FieldURL         = "url"
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldText        = "text"
	FieldEmails      = "emails"
	FieldStatusCode  = "status_code"
	FieldSource      = "source"
	FieldBlocked     = "blocked"
)

// Source values.
const (
	SourceStatic = "static"
	SourceRender = "render"
	SourceReader = "reader"
)

var emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// extractEmails returns the distinct addresses in text in order of first
// appearance.
func extractEmails(text string) []any {
	var out []any
	var seen []string
	for _, m := range emailRe.FindAllString(text, -1) {
		if slices.Contains(seen, m) {
			continue
		}
		seen = append(seen, m)
		out = append(out, m)
	}
	return out
}

// pagePayload builds the payload for fetched content. Empty fields are
// omitted so that sufficiency checks see them as missing.
func pagePayload(source, url string, status int, title, description, text string) model.Payload {
	p := model.Payload{
		FieldURL:        url,
		FieldSource:     source,
		FieldStatusCode: status,
	}
	if title != "" {
		p[FieldTitle] = title
	}
	if description != "" {
		p[FieldDescription] = description
	}
	if text != "" {
		p[FieldText] = text
	}
	if emails := extractEmails(text); len(emails) > 0 {
		p[FieldEmails] = emails
	}
	return p
}
