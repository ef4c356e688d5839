package docanalysis

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	pageAnchor    = regexp.MustCompile(`\[\[page=(\d+)\]\]`)
	sentenceBreak = regexp.MustCompile(`[.!?;]\s+|\n+`)
	partyPattern  = regexp.MustCompile(`\b([A-Z][A-Za-z&]*(?: [A-Z][A-Za-z&]*)* (?:Inc|LLC|Ltd|GmbH|Corp|plc))\b`)
	datePattern   = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|(?:January|February|March|April|May|June|July|August|September|October|November|December) \d{1,2}, \d{4})\b`)
)

type sentence struct {
	Text string
	Page int // 0 when the text carries no page anchor
}

// splitSentences breaks text into sentences, tracking the page anchor that
// precedes each one.
func splitSentences(text string) []sentence {
	var out []sentence
	page, pos := 0, 0
	for _, loc := range pageAnchor.FindAllStringSubmatchIndex(text, -1) {
		out = appendSentences(out, text[pos:loc[0]], page)
		page, _ = strconv.Atoi(text[loc[2]:loc[3]])
		pos = loc[1]
	}
	return appendSentences(out, text[pos:], page)
}

func appendSentences(out []sentence, segment string, page int) []sentence {
	for _, s := range sentenceBreak.Split(segment, -1) {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, sentence{Text: s, Page: page})
	}
	return out
}

// withAnchors joins pages, prefixing each with its [[page=N]] anchor.
func withAnchors(pages []string) string {
	var b strings.Builder
	for i, p := range pages {
		fmt.Fprintf(&b, "[[page=%d]]\n%s\n", i+1, p)
	}
	return b.String()
}

// classKeywords maps sentence classes to the lower-case fragments that
// signal them.
var classKeywords = []struct {
	class    string
	keywords []string
}{
	{"term", []string{"term of this", "shall commence", "remain in effect"}},
	{"termination", []string{"terminat"}},
	{"liability", []string{"liabil"}},
	{"indemnity", []string{"indemnif", "indemnit"}},
	{"confidentiality", []string{"confidential"}},
	{"payment", []string{"payment", "fees", "invoice"}},
	{"pricing", []string{"price adjust", "pricing"}},
	{"warranty", []string{"warrant"}},
	{"assignment", []string{"assign"}},
	{"governing_law", []string{"governing law", "governed by"}},
	{"dispute_resolution", []string{"arbitration", "dispute"}},
	{"ip_rights", []string{"intellectual property"}},
	{"exclusivity", []string{"exclusiv", "non-compete"}},
}

// NoClass marks a sentence that matched no class.
const NoClass = "no-class"

// classify returns the matched classes and a confidence that grows with the
// number of keyword hits.
func classify(text string) ([]string, float64) {
	lower := strings.ToLower(text)
	var classes []string
	hits := 0
	for _, ck := range classKeywords {
		matched := false
		for _, kw := range ck.keywords {
			if strings.Contains(lower, kw) {
				hits++
				matched = true
			}
		}
		if matched {
			classes = append(classes, ck.class)
		}
	}
	if len(classes) == 0 {
		return []string{NoClass}, 0
	}
	if hits > 3 {
		hits = 3
	}
	return classes, 0.5 + 0.15*float64(hits)
}

func hasClass(classes []string, class string) bool {
	for _, c := range classes {
		if c == class {
			return true
		}
	}
	return false
}

func extractParties(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range partyPattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}
