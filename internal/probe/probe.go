// Package probe decides, per credential and model lane, whether to send the
// extended-context beta capability header directly, withhold it, or try it
// once and learn from the answer.
package probe

import (
	"strings"

	"llmrelay-go/internal/credential"
)

const (
	// StandardBeta is always sent on OAuth-backed chat requests.
	StandardBeta = "oauth-2025-04-20"
	// PremiumWindowBeta additionally unlocks the 1M context window.
	PremiumWindowBeta = StandardBeta + ",context-1m-2025-08-07"
)

// Attempt is the dispatch plan for one request.
type Attempt struct {
	Primary string
	// Fallback is the header to retry with when the probe is denied.
	// Only set while Probing.
	Fallback string
	Probing  bool
}

// NormalizeModel strips the -1M marker off a requested model name. The
// marker composes with a trailing -thinking suffix.
func NormalizeModel(model string) (base string, wants1M bool) {
	if prefix, ok := strings.CutSuffix(model, "-1M-thinking"); ok {
		return prefix + "-thinking", true
	}
	if prefix, ok := strings.CutSuffix(model, "-1M"); ok {
		return prefix, true
	}
	return model, false
}

// Plan picks the beta header strategy from the request and what the
// credential has already learned about its lane.
func Plan(model string, wants1M bool, flags credential.LaneFlags) Attempt {
	if !wants1M {
		return Attempt{Primary: StandardBeta}
	}
	family := credential.FamilyOf(model)
	if family == credential.FamilyOther {
		// No lane to learn from; send the header and let the upstream judge.
		return Attempt{Primary: PremiumWindowBeta}
	}
	switch flags.Get(family) {
	case credential.Enabled:
		return Attempt{Primary: PremiumWindowBeta}
	case credential.Disabled:
		return Attempt{Primary: StandardBeta}
	default:
		return Attempt{Primary: PremiumWindowBeta, Fallback: StandardBeta, Probing: true}
	}
}

var denialPhrases = []string{
	"not enabled",
	"not available",
	"not allowed",
	"no access",
	"without access",
	"requires",
	"beta",
	"upgrade",
	"not found",
	"missing",
}

// IsDenied reports whether an upstream error means the credential lacks the
// probed capability, as opposed to an unrelated failure. Only 400/403/404
// qualify, and the message must both mention the feature and read like a
// denial.
func IsDenied(status int, message string) bool {
	if status != 400 && status != 403 && status != 404 {
		return false
	}
	msg := strings.ToLower(message)
	mentions := strings.Contains(msg, "context-1m") ||
		strings.Contains(msg, "1m context") ||
		strings.Contains(msg, "1m window") ||
		(strings.Contains(msg, "1m") && strings.Contains(msg, "context"))
	if !mentions {
		return false
	}
	for _, phrase := range denialPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
