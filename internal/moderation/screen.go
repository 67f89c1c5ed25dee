package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// Bare domains need a trailing path so "v2.0" and "3.14" pass.
	urlPattern   = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// Verdict is the outcome of screening a submission.
type Verdict struct {
	Blocked bool
	Rule    string
	Reason  string
}

type rule struct {
	name   string
	reason string
	match  func(string) bool
}

// Screen rejects obvious spam before it is stored. Rules are evaluated in
// order and the first match wins.
type Screen struct {
	rules []rule
}

func NewScreen() *Screen {
	return &Screen{rules: []rule{
		{"url", "Links are not allowed", urlPattern.MatchString},
		{"phone", "Phone numbers are not allowed", phonePattern.MatchString},
		{"char_flood", "Too many repeated characters", runFlood(5)},
		{"word_flood", "Too many repeated words", wordFlood(3)},
	}}
}

// Check screens text. A nil Screen lets everything through.
func (s *Screen) Check(text string) Verdict {
	if s == nil {
		return Verdict{}
	}
	for _, r := range s.rules {
		if r.match(text) {
			return Verdict{Blocked: true, Rule: r.name, Reason: r.reason}
		}
	}
	return Verdict{}
}

// runFlood matches n or more identical consecutive runes. RE2 has no
// backreferences, hence the scan.
func runFlood(n int) func(string) bool {
	return func(text string) bool {
		run, prev := 0, rune(-1)
		for _, r := range text {
			if r == prev {
				run++
			} else {
				run, prev = 1, r
			}
			if run >= n {
				return true
			}
		}
		return false
	}
}

// wordFlood matches the same word n or more times in a row, ignoring case.
func wordFlood(n int) func(string) bool {
	return func(text string) bool {
		run, prev := 0, ""
		for _, w := range strings.FieldsFunc(text, unicode.IsSpace) {
			w = strings.ToLower(w)
			if w == prev {
				run++
			} else {
				run, prev = 1, w
			}
			if run >= n {
				return true
			}
		}
		return false
	}
}
