// Package safety scores how much concrete, identifying detail a piece of
// content carries.
//
// A Scorer abstracts content by replacing concrete references (addresses,
// links, numbers that identify someone or something) with placeholders and
// reports a safety score in [0,1]. The cache and cluster manager use the
// score to decide what may be stored or grouped.
package safety

import (
	"math"
	"regexp"
	"strings"
)

// Assessment is the result of scoring one piece of content.
type Assessment struct {
	// Abstracted is the content with concrete references replaced.
	Abstracted string `json:"abstracted"`

	// Score is 1 for content without concrete references and decreases with
	// every reference found.
	Score float64 `json:"score"`

	// ConcreteReferences is the number of replaced references.
	ConcreteReferences int `json:"concrete_references"`

	// Success reports whether abstraction produced usable content.
	Success bool `json:"success"`
}

// Scorer scores content. Implementations must be pure.
type Scorer interface {
	Score(content string) Assessment
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(content string) Assessment

// Score implements Scorer.
func (f ScorerFunc) Score(content string) Assessment {
	return f(content)
}

// DefaultPenalty is the score deducted per concrete reference.
const DefaultPenalty = 0.15

type rule struct {
	placeholder string
	pattern     *regexp.Regexp
}

// Rules run in order; earlier rules consume text before later ones see it.
var defaultRules = []rule{
	{"[email]", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{"[url]", regexp.MustCompile(`(?i)\b(?:https?|ftp)://[^\s<>"']+`)},
	{"[ip]", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	{"[phone]", regexp.MustCompile(`\+?\d{1,3}[\s.\-]?\(?\d{2,4}\)?[\s.\-]\d{3,4}[\s.\-]?\d{3,4}\b`)},
	{"[path]", regexp.MustCompile(`(?:[A-Za-z]:\\|~/|/)(?:[\w.\-]+[/\\])+[\w.\-]*`)},
	{"[number]", regexp.MustCompile(`\b\d{6,}\b`)},
}

// RuleScorer is a Scorer based on regular expressions.
//
// Example usage:
//
//	scorer := safety.NewRuleScorer()
//	a := scorer.Score("mail me at jane@example.com")
//	// a.Abstracted == "mail me at [email]", a.Score == 0.85
type RuleScorer struct {
	rules   []rule
	penalty float64
}

// NewRuleScorer creates a RuleScorer with the built-in rules and
// DefaultPenalty.
func NewRuleScorer() *RuleScorer {
	return &RuleScorer{rules: defaultRules, penalty: DefaultPenalty}
}

// NewRuleScorerWithPenalty creates a RuleScorer deducting penalty per
// reference. Non-positive penalties fall back to DefaultPenalty.
func NewRuleScorerWithPenalty(penalty float64) *RuleScorer {
	s := NewRuleScorer()
	if penalty > 0 {
		s.penalty = penalty
	}
	return s
}

// Score implements Scorer.
//
// The score is max(0, 1 - penalty * references). Abstraction fails for
// blank content and for content that is nothing but placeholders.
func (s *RuleScorer) Score(content string) Assessment {
	abstracted := content
	refs := 0
	for _, r := range s.rules {
		abstracted = r.pattern.ReplaceAllStringFunc(abstracted, func(string) string {
			refs++
			return r.placeholder
		})
	}

	return Assessment{
		Abstracted:         abstracted,
		Score:              math.Max(0, 1-s.penalty*float64(refs)),
		ConcreteReferences: refs,
		Success:            hasSubstance(abstracted, s.rules),
	}
}

func hasSubstance(abstracted string, rules []rule) bool {
	rest := abstracted
	for _, r := range rules {
		rest = strings.ReplaceAll(rest, r.placeholder, "")
	}
	return strings.TrimSpace(rest) != ""
}
