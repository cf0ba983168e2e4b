package credential

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Window spans for the rolling usage buckets.
const (
	SessionWindow = 5 * time.Hour
	WeeklyWindow  = 7 * 24 * time.Hour
)

// UsageBreakdown accumulates token counts.
type UsageBreakdown struct {
	InputTokens  int64 `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int64 `json:"output_tokens" yaml:"output_tokens"`
}

func (b *UsageBreakdown) add(in, out int64) {
	b.InputTokens += in
	b.OutputTokens += out
}

// UsageWindow is one rolling bucket (session or weekly) with a per-family
// breakdown and its reset boundary.
type UsageWindow struct {
	Total    UsageBreakdown `json:"total" yaml:"total"`
	Sonnet   UsageBreakdown `json:"sonnet" yaml:"sonnet"`
	Opus     UsageBreakdown `json:"opus" yaml:"opus"`
	Other    UsageBreakdown `json:"other" yaml:"other"`
	ResetsAt *int64         `json:"resets_at,omitempty" yaml:"resets_at,omitempty"`
	HasReset TriState       `json:"has_reset" yaml:"has_reset"`
}

// Clone returns a copy with its own boundary pointer.
func (w UsageWindow) Clone() UsageWindow {
	out := w
	if w.ResetsAt != nil {
		v := *w.ResetsAt
		out.ResetsAt = &v
	}
	return out
}

func (w *UsageWindow) familyBucket(f Family) *UsageBreakdown {
	switch f {
	case FamilySonnet:
		return &w.Sonnet
	case FamilyOpus:
		return &w.Opus
	default:
		return &w.Other
	}
}

func (w *UsageWindow) zero() {
	w.Total = UsageBreakdown{}
	w.Sonnet = UsageBreakdown{}
	w.Opus = UsageBreakdown{}
	w.Other = UsageBreakdown{}
}

// BoundaryFunc fetches the refreshed reset boundary from the upstream usage
// endpoint. A nil result with nil error means the upstream reports no window.
type BoundaryFunc func() (*int64, error)

// Roll expires the bucket when its boundary has passed. The boundary is
// re-read from upstream; a missing boundary clears the window, an upstream
// failure falls back to now+span so accounting keeps moving.
func (w *UsageWindow) Roll(now time.Time, span time.Duration, fetch BoundaryFunc) {
	if w.ResetsAt == nil || now.Unix() < *w.ResetsAt {
		return
	}
	boundary, err := fetch()
	switch {
	case err != nil:
		log.WithError(err).Warn("usage boundary refresh failed, applying fallback window")
		fb := now.Add(span).Unix()
		w.ResetsAt = &fb
		w.HasReset = Enabled
		w.zero()
	case boundary == nil:
		w.ResetsAt = nil
		w.HasReset = Disabled
		w.zero()
	default:
		w.ResetsAt = boundary
		w.HasReset = Enabled
		w.zero()
	}
}

// Add accumulates usage into the window and its family sub-bucket. The first
// ever add seeds the boundary at now+span when none is known.
func (w *UsageWindow) Add(f Family, in, out int64, now time.Time, span time.Duration) {
	if w.ResetsAt == nil && w.HasReset == Unknown {
		b := now.Add(span).Unix()
		w.ResetsAt = &b
		w.HasReset = Enabled
	}
	w.Total.add(in, out)
	w.familyBucket(f).add(in, out)
}

// AccumulateUsage rolls both windows and adds the observed token counts.
func (c *Cookie) AccumulateUsage(f Family, in, out int64, now time.Time, session, weekly BoundaryFunc) {
	c.Session.Roll(now, SessionWindow, session)
	c.Weekly.Roll(now, WeeklyWindow, weekly)
	c.Session.Add(f, in, out, now, SessionWindow)
	c.Weekly.Add(f, in, out, now, WeeklyWindow)
}
