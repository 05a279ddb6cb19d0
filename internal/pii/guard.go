// Package pii screens outbound chat content for personally identifying information.
// Classification is heuristic: a Flagged verdict blocks the message, a Clean one is no guarantee.
package pii

import (
	"regexp"
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// Verdict is the outcome of classifying a piece of text.
type Verdict string

const (
	Clean   Verdict = "clean"
	Flagged Verdict = "flagged"
)

// Reasons reported with a Flagged verdict.
const (
	ReasonEmail        = "email"
	ReasonPhone        = "phone"
	ReasonNationalID   = "national_id"
	ReasonIntroduction = "introduction"
)

// Result carries the verdict and, when flagged, which detectors fired.
type Result struct {
	Verdict Verdict
	Reasons []string
}

// Flagged reports whether the text must not be transmitted.
func (r Result) Flagged() bool { return r.Verdict == Flagged }

// DefaultIntroPhrases are identity-introduction phrases (pt, en). A phrase only counts when the
// next word starts with an uppercase letter, as in "meu nome é João".
var DefaultIntroPhrases = []string{
	"meu nome é",
	"meu nome e",
	"me chamo",
	"eu sou o",
	"eu sou a",
	"sou o",
	"sou a",
	"my name is",
	"i am",
	"i'm",
	"call me",
}

var (
	emailRe      = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	// CPF and SSN-like digit groups.
	nationalIDRe = regexp.MustCompile(`\b\d{3}\.\d{3}\.\d{3}-\d{2}\b|\b\d{3}-\d{2}-\d{4}\b`)

	// Matches whole digit runs only. Eight bare digits need a leading 9, a - or . separator
	// or an area code, so a CEP or "2019 2020" is not a phone.
	phoneRe = regexp.MustCompile(`(?:^|\D)(?:` +
		`(?:\(?\d{2}\)?\s?)?9\d{4}[-.\s]?\d{4}` +
		`|(?:\(?\d{2}\)?\s?)?\d{4}[-.]\d{4}` +
		`|\(?\d{2}\)?\s?\d{4}\s\d{4}` +
		`)(?:\D|$)`)
)

// Guard classifies text. It is safe for concurrent use.
type Guard struct {
	intro *goahocorasick.Machine
}

// NewGuard builds the introduction-phrase automaton. With no phrases, DefaultIntroPhrases is used.
func NewGuard(phrases ...string) (*Guard, error) {
	if len(phrases) == 0 {
		phrases = DefaultIntroPhrases
	}
	patterns := make([][]rune, 0, len(phrases))
	for _, p := range phrases {
		patterns = append(patterns, normalize(p))
	}

	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, err
	}
	return &Guard{intro: m}, nil
}

// Classify returns Flagged if text looks like it carries an email address, a phone number,
// a national ID or a self-introduction followed by a name.
func (g *Guard) Classify(text string) Result {
	var reasons []string
	if emailRe.MatchString(text) {
		reasons = append(reasons, ReasonEmail)
	}
	// An ID is not reported a second time as a phone number.
	rest := text
	if nationalIDRe.MatchString(text) {
		reasons = append(reasons, ReasonNationalID)
		rest = nationalIDRe.ReplaceAllString(text, " ")
	}
	if phoneRe.MatchString(rest) {
		reasons = append(reasons, ReasonPhone)
	}
	if g.hasIntroduction(text) {
		reasons = append(reasons, ReasonIntroduction)
	}

	if len(reasons) == 0 {
		return Result{Verdict: Clean}
	}
	return Result{Verdict: Flagged, Reasons: reasons}
}

func (g *Guard) hasIntroduction(text string) bool {
	original := []rune(text)
	lowered := normalize(text)
	if len(lowered) == 0 {
		return false
	}

	for _, term := range g.intro.MultiPatternSearch(lowered, false) {
		start := term.Pos
		end := start + len(term.Word)
		if start > 0 && unicode.IsLetter(lowered[start-1]) {
			continue
		}
		if followedByName(original, end) {
			return true
		}
	}
	return false
}

// followedByName reports whether runes[at:] is whitespace and then a capitalized word.
func followedByName(runes []rune, at int) bool {
	i := at
	for i < len(runes) && unicode.IsSpace(runes[i]) {
		i++
	}
	if i == at || i >= len(runes) {
		return false
	}
	return unicode.IsUpper(runes[i])
}

// normalize lowercases rune by rune so positions line up with the original text.
func normalize(s string) []rune {
	runes := []rune(strings.ReplaceAll(s, "’", "'"))
	for i, r := range runes {
		runes[i] = unicode.ToLower(r)
	}
	return runes
}
