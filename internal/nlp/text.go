// Package nlp holds the text primitives shared by claim extraction, role
// redaction and the extractive generator: sentence segmentation and content
// token normalization.
package nlp

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
)

var citationMarker = regexp.MustCompile(`\s*\[[^\]]{1,64}\]`)

// Sentences splits text into trimmed sentences. Bracketed citation markers
// such as "[1]" or "[hr-handbook#4.2]" are removed first.
func Sentences(text string) []string {
	text = strings.TrimSpace(citationMarker.ReplaceAllString(text, ""))
	if text == "" {
		return nil
	}

	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithTokenization(false),
	)
	if err != nil {
		return splitLines(text)
	}

	var out []string
	for _, s := range doc.Sentences() {
		if t := strings.TrimSpace(s.Text); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return splitLines(text)
	}
	return out
}

func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Normalize lowercases text and collapses every run of non-alphanumeric
// characters into one space.
func Normalize(text string) string {
	return strings.Join(Tokens(text), " ")
}

// Tokens returns lowercase alphanumeric tokens in order.
func Tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ContentTokens returns the distinct non-stopword tokens of text.
func ContentTokens(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range Tokens(text) {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// TokenSet is ContentTokens as a set.
func TokenSet(text string) map[string]struct{} {
	toks := ContentTokens(text)
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}

func IsNumeric(tok string) bool {
	for _, r := range tok {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return tok != ""
}

// ContainsPhrase reports whether the normalized phrase occurs in the
// normalized text on token boundaries.
func ContainsPhrase(normalizedText, phrase string) bool {
	p := Normalize(phrase)
	if p == "" {
		return false
	}
	return strings.Contains(" "+normalizedText+" ", " "+p+" ")
}

var negation = regexp.MustCompile(`(?i)\b(not|no|never|cannot|without|except|none|nor|neither|nobody|nothing)\b|n['’]t\b`)

// Negated reports whether text contains a negator ("not", "never",
// "cannot", "without", "don't" and similar).
func Negated(text string) bool {
	return negation.MatchString(text)
}

// Negators are deliberately absent: "not" and "no" are content.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {}, "of": {}, "to": {}, "in": {},
	"on": {}, "at": {}, "for": {}, "by": {}, "with": {}, "from": {}, "as": {}, "is": {}, "are": {},
	"was": {}, "were": {}, "be": {}, "been": {}, "being": {}, "it": {}, "its": {}, "this": {},
	"that": {}, "these": {}, "those": {}, "which": {}, "who": {}, "whom": {}, "what": {}, "when": {},
	"where": {}, "how": {}, "do": {}, "does": {}, "did": {}, "can": {}, "could": {}, "will": {},
	"would": {}, "shall": {}, "should": {}, "may": {}, "might": {}, "must": {}, "have": {}, "has": {},
	"had": {}, "i": {}, "you": {}, "we": {}, "they": {}, "he": {}, "she": {}, "them": {}, "their": {},
	"our": {}, "your": {}, "my": {}, "me": {}, "us": {}, "there": {}, "here": {}, "any": {}, "all": {},
	"per": {}, "than": {}, "then": {}, "so": {}, "if": {}, "also": {}, "such": {},
	"into": {}, "about": {}, "up": {}, "out": {}, "each": {}, "other": {}, "s": {},
}
