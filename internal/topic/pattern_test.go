package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		key     string
		pattern string
		want    bool
	}{
		{"order.created.v1", "order.%", true},
		{"order.created.v1", "%.v1", true},
		{"order.created.v1", "order.%.v1", true},
		{"order.created.v1", "order.created.v1", true},
		{"order.created.v1", "invoice.%", false},
		{"order.created.v1", "order.%.v2", false},

		// '%' matches the empty run too.
		{"order.", "order.%", true},
		{"order", "order%", true},

		// Anchors are accepted and stripped; matching is whole-key anyway.
		{"order.created.v1", "^order.%", true},
		{"order.created.v1", "%.v1$", true},
		{"order.created.v1", "^order.%.v1$", true},

		// Whole-key matching: no implicit substring match.
		{"big.order.created.v1", "order.%", false},

		// Regex metacharacters in the pattern are literal.
		{"a+b", "a+b", true},
		{"axb", "a+b", false},
		{"a.b", "a.b", true},
		{"axb", "a.b", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Matches(tt.key, tt.pattern),
			"key=%q pattern=%q", tt.key, tt.pattern)
	}
}

// The default rule set drives the stop-on-match and fan-out behavior the
// router demos rely on; pin the outcomes for two representative keys.
func TestDefaultRulesRouting(t *testing.T) {
	rules, meta, err := DefaultRules()
	assert.NoError(t, err)
	assert.Equal(t, 20, meta.MaxRules)
	assert.NotEmpty(t, rules)

	destinations := func(key string) []string {
		var out []string
		for _, rule := range rules {
			if !rule.Enabled {
				continue
			}
			if Matches(key, rule.Pattern) {
				out = append(out, rule.Destination)
				if rule.StopOnMatch {
					break
				}
			}
		}
		return out
	}

	// A cancelled event hits the audit rule first and stops there.
	assert.Equal(t, []string{"events.audit.cancelled"},
		destinations("order.cancelled.vip.eu.v1"))

	// A regular VIP EU order fans out to order, vip and gdpr destinations.
	assert.Equal(t, []string{"events.order.v1", "events.notification.vip", "events.notification.gdpr"},
		destinations("order.place.vip.eu.v1"))
}
