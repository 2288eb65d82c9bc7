// Package rewriter rewrites verbalised punctuation phrases into characters
// and normalises whitespace, without understanding the surrounding
// language. Rules are an ordered table of compiled regexps applied to the
// running output, followed by a single whitespace-normalisation pass.
package rewriter

import (
	"regexp"
	"strings"
)

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

var rules = buildRules([]struct {
	phrase      string
	replacement string
}{
	{`new paragraph`, "\n\n"},
	{`new line`, "\n"},
	{`full stop|period`, "."},
	{`question mark`, "?"},
	{`exclamation mark`, "!"},
	{`open parenthesis`, "("},
	{`close parenthesis`, ")"},
	{`open bracket`, "["},
	{`close bracket`, "]"},
	{`open quote`, `"`},
	{`close quote`, `"`},
	{`semicolon`, ";"},
	{`colon`, ":"},
	{`comma`, ","},
})

func buildRules(defs []struct {
	phrase      string
	replacement string
}) []rule {
	out := make([]rule, 0, len(defs))
	for _, d := range defs {
		out = append(out, rule{
			pattern:     regexp.MustCompile(`(?i)\b(?:` + d.phrase + `)\b`),
			replacement: d.replacement,
		})
	}
	return out
}

var (
	reHorizontalWS   = regexp.MustCompile(`[ \t]+`)
	reTrimAroundNL   = regexp.MustCompile(`[ \t]*\n[ \t]*`)
	reSpaceBeforeEnd = regexp.MustCompile(`[ \t]+([,.;:!?\)\]\}])`)
	reSpaceAfterOpen = regexp.MustCompile(`([(\[{"])[ \t]+`)
	reQuoteOpenGap   = regexp.MustCompile(`(["])[ \t]+([[:alnum:]])`)
	reQuoteCloseGap  = regexp.MustCompile(`([[:alnum:].,;:!?])[ \t]+(")`)
	reMissingSpace   = regexp.MustCompile(`([,.;:!?])([^\s,.;:!?)\]}"\n])`)
	reExtraNewlines  = regexp.MustCompile(`\n{3,}`)
)

// Rewrite applies the spoken-punctuation rules followed by whitespace
// normalisation, returning the result and how many rule substitutions were
// applied. Empty or whitespace-only input returns ("", 0).
func Rewrite(text string) (string, int) {
	if strings.TrimSpace(text) == "" {
		return "", 0
	}

	applied := 0
	out := text
	for _, r := range rules {
		matches := r.pattern.FindAllStringIndex(out, -1)
		if len(matches) == 0 {
			continue
		}
		applied += len(matches)
		out = r.pattern.ReplaceAllString(out, r.replacement)
	}

	out = normalizeWhitespace(out)
	return out, applied
}

// NormalizeWhitespace applies the whitespace-normalisation pass on its
// own, without the spoken-punctuation rule substitutions, for callers
// (such as a Clean-mode formatter) that only want that part of Rewrite.
func NormalizeWhitespace(s string) string {
	return normalizeWhitespace(s)
}

func normalizeWhitespace(s string) string {
	s = reTrimAroundNL.ReplaceAllString(s, "\n")
	s = reHorizontalWS.ReplaceAllString(s, " ")
	s = reSpaceBeforeEnd.ReplaceAllString(s, "$1")
	s = reSpaceAfterOpen.ReplaceAllString(s, "$1")
	s = reQuoteOpenGap.ReplaceAllString(s, "$1$2")
	s = reQuoteCloseGap.ReplaceAllString(s, "$1$2")
	s = reMissingSpace.ReplaceAllString(s, "$1 $2")
	s = reExtraNewlines.ReplaceAllString(s, "\n\n")

	// Whitespace around newlines was trimmed above; trim leading/trailing
	// horizontal whitespace of the whole string.
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}
