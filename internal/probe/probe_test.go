package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"llmrelay-go/internal/credential"
)

func TestNormalizeModel(t *testing.T) {
	base, wants := NormalizeModel("claude-sonnet-4-20250514-1M")
	assert.Equal(t, "claude-sonnet-4-20250514", base)
	assert.True(t, wants)

	base, wants = NormalizeModel("claude-sonnet-4-20250514-1M-thinking")
	assert.Equal(t, "claude-sonnet-4-20250514-thinking", base)
	assert.True(t, wants)

	base, wants = NormalizeModel("claude-opus-4-1-20250805")
	assert.Equal(t, "claude-opus-4-1-20250805", base)
	assert.False(t, wants)
}

func TestPlanFollowsLearnedFlag(t *testing.T) {
	model := "claude-sonnet-4-20250514"

	// No marker: standard header, no probing.
	assert.Equal(t, Attempt{Primary: StandardBeta}, Plan(model, false, credential.LaneFlags{}))

	// Unknown lane flag: probe with a fallback.
	p := Plan(model, true, credential.LaneFlags{})
	assert.True(t, p.Probing)
	assert.Equal(t, PremiumWindowBeta, p.Primary)
	assert.Equal(t, StandardBeta, p.Fallback)

	// Learned yes: direct premium header.
	p = Plan(model, true, credential.LaneFlags{Sonnet: credential.Enabled})
	assert.False(t, p.Probing)
	assert.Equal(t, PremiumWindowBeta, p.Primary)

	// Learned no: never send the premium token again.
	p = Plan(model, true, credential.LaneFlags{Sonnet: credential.Disabled})
	assert.False(t, p.Probing)
	assert.Equal(t, StandardBeta, p.Primary)

	// Opus lane is independent of the sonnet flag.
	p = Plan("claude-opus-4-1-20250805", true, credential.LaneFlags{Sonnet: credential.Disabled})
	assert.True(t, p.Probing)
}

func TestPlanUnknownFamilySendsDirectly(t *testing.T) {
	p := Plan("claude-haiku-3-5", true, credential.LaneFlags{})
	assert.False(t, p.Probing)
	assert.Equal(t, PremiumWindowBeta, p.Primary)
}

func TestIsDenied(t *testing.T) {
	msg := "the long context beta is not yet available for this subscription, 1m context requires upgrade"
	assert.True(t, IsDenied(400, msg))
	assert.True(t, IsDenied(403, msg))
	assert.True(t, IsDenied(404, msg))

	// Right message, wrong status.
	assert.False(t, IsDenied(500, msg))
	assert.False(t, IsDenied(429, msg))

	// Denial phrasing without the feature mention.
	assert.False(t, IsDenied(400, "this model requires an upgrade"))

	// Feature mention without denial phrasing.
	assert.False(t, IsDenied(400, "1m context window selected"))

	assert.True(t, IsDenied(400, "context-1m-2025-08-07 is not enabled for this account"))
}
