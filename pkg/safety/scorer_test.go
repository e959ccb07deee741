package safety_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oceanbase/powermem-substrate/pkg/safety"
)

func TestRuleScorer(t *testing.T) {
	scorer := safety.NewRuleScorer()

	tests := []struct {
		name       string
		content    string
		abstracted string
		refs       int
		success    bool
	}{
		{"plain", "prefers tea over coffee", "prefers tea over coffee", 0, true},
		{"email", "mail me at jane.doe@example.com", "mail me at [email]", 1, true},
		{"url", "docs at https://example.com/a?b=c", "docs at [url]", 1, true},
		{"ip", "server 192.168.1.10 is down", "server [ip] is down", 1, true},
		{"phone", "call +1 415 555 1234 later", "call [phone] later", 1, true},
		{"path", "config lives in /etc/app/config.yaml", "config lives in [path]", 1, true},
		{"number", "account 12345678 closed", "account [number] closed", 1, true},
		{"several", "jane@example.com and bob@example.org", "[email] and [email]", 2, true},
		{"only references", "jane@example.com", "[email]", 1, false},
		{"blank", "   ", "   ", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := scorer.Score(tt.content)
			assert.Equal(t, tt.abstracted, a.Abstracted)
			assert.Equal(t, tt.refs, a.ConcreteReferences)
			assert.Equal(t, tt.success, a.Success)
			assert.InDelta(t, 1-safety.DefaultPenalty*float64(tt.refs), a.Score, 1e-12)
		})
	}
}

func TestRuleScorerFloorsAtZero(t *testing.T) {
	scorer := safety.NewRuleScorerWithPenalty(0.5)
	a := scorer.Score("a@example.com b@example.com c@example.com")
	assert.Equal(t, 3, a.ConcreteReferences)
	assert.Zero(t, a.Score)
}

func TestRuleScorerPenaltyFallback(t *testing.T) {
	scorer := safety.NewRuleScorerWithPenalty(-1)
	a := scorer.Score("see https://example.com")
	assert.InDelta(t, 1-safety.DefaultPenalty, a.Score, 1e-12)
}

func TestScorerFunc(t *testing.T) {
	var s safety.Scorer = safety.ScorerFunc(func(content string) safety.Assessment {
		return safety.Assessment{Abstracted: content, Score: 0.42, Success: true}
	})
	assert.Equal(t, 0.42, s.Score("x").Score)
}
