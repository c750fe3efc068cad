package scrape

import (
	"html"
	"regexp"
	"strings"
)

var (
	titleRe     = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	metaDescRe  = regexp.MustCompile(`(?is)<meta\s+[^>]*name=["']description["'][^>]*content=["']([^"']*)["']`)
	mailtoRe    = regexp.MustCompile(`(?i)href=["']mailto:([^"'?]+)`)
	noiseRe     = regexp.MustCompile(`(?is)<(script|style|nav|footer|noscript|svg)[^>]*>.*?</(script|style|nav|footer|noscript|svg)>`)
	commentRe   = regexp.MustCompile(`(?s)<!--.*?-->`)
	blockTagRe  = regexp.MustCompile(`(?i)</?(p|div|br|li|tr|h[1-6]|section|article|header)[^>]*>`)
	tagRe       = regexp.MustCompile(`<[^>]+>`)
	spaceRe     = regexp.MustCompile(`[ \t\r\f\v\x{00a0}]+`)
	blankLineRe = regexp.MustCompile(`\n\s*\n(\s*\n)+`)
)

func extractTitle(body string) string {
	if m := titleRe.FindStringSubmatch(body); len(m) > 1 {
		return strings.TrimSpace(html.UnescapeString(m[1]))
	}
	return ""
}

func extractDescription(body string) string {
	if m := metaDescRe.FindStringSubmatch(body); len(m) > 1 {
		return strings.TrimSpace(html.UnescapeString(m[1]))
	}
	return ""
}

// htmlToText drops non-content elements, strips tags, decodes entities and
// collapses whitespace. mailto targets are appended so that addresses hidden
// behind link text survive.
func htmlToText(body string) string {
	var mailto []string
	for _, m := range mailtoRe.FindAllStringSubmatch(body, -1) {
		mailto = append(mailto, m[1])
	}

	s := commentRe.ReplaceAllString(body, "")
	s = noiseRe.ReplaceAllString(s, "")
	s = blockTagRe.ReplaceAllString(s, "\n")
	s = tagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = spaceRe.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	s = blankLineRe.ReplaceAllString(s, "\n\n")
	s = strings.TrimSpace(s)

	if len(mailto) > 0 {
		s += "\n" + strings.Join(mailto, "\n")
	}
	return s
}
