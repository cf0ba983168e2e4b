// Package reconciler converges the in-memory pool actors with the storage
// layer. In DB mode an external writer (another replica, the storage CLI, a
// manual edit) can change the tables underneath a running server; the three
// loops here pull those changes in without restarting.
package reconciler

import (
	"bytes"
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"llmrelay-go/internal/credential"
)

// Source is the snapshot-reading slice of the storage layer.
type Source interface {
	LoadCookies(ctx context.Context) ([]credential.Cookie, []credential.WastedCookie, error)
	LoadKeys(ctx context.Context) ([]credential.APIKey, error)
	LoadVertex(ctx context.Context) ([]credential.ServiceAccount, error)
}

// Intervals sets the cadence of each loop. Zero disables that loop.
type Intervals struct {
	Keys    time.Duration
	Cookies time.Duration
	Vertex  time.Duration
}

// Reconciler owns the three background loops. Pools it is not given are
// skipped.
type Reconciler struct {
	source  Source
	cookies *credential.CookieActor
	keys    *credential.Pool[credential.APIKey]
	vertex  *credential.Pool[credential.ServiceAccount]

	intervals Intervals
	done      chan struct{}
}

// New wires a reconciler. Call Start to launch the loops.
func New(source Source, cookies *credential.CookieActor, keys *credential.Pool[credential.APIKey], vertex *credential.Pool[credential.ServiceAccount], intervals Intervals) *Reconciler {
	return &Reconciler{
		source:    source,
		cookies:   cookies,
		keys:      keys,
		vertex:    vertex,
		intervals: intervals,
		done:      make(chan struct{}),
	}
}

// Start launches the loops. They stop when ctx is cancelled or Stop is called.
func (r *Reconciler) Start(ctx context.Context) {
	if r.keys != nil && r.intervals.Keys > 0 {
		go r.loop(ctx, "keys", r.intervals.Keys, r.reconcileKeys)
	}
	if r.cookies != nil && r.intervals.Cookies > 0 {
		go r.loop(ctx, "cookies", r.intervals.Cookies, r.reconcileCookies)
	}
	if r.vertex != nil && r.intervals.Vertex > 0 {
		go r.loop(ctx, "vertex", r.intervals.Vertex, r.reconcileVertex)
	}
}

// Stop terminates all loops.
func (r *Reconciler) Stop() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

func (r *Reconciler) loop(ctx context.Context, name string, every time.Duration, tick func(context.Context) error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-t.C:
			if err := tick(ctx); err != nil {
				// A failed tick is skipped; the next one retries.
				log.WithError(err).Warnf("reconcile %s failed", name)
			}
		}
	}
}

// reconcileKeys converges the key pool to the stored set in both directions:
// stored keys missing from the pool are added, pool keys missing from
// storage are removed.
func (r *Reconciler) reconcileKeys(ctx context.Context) error {
	stored, err := r.source.LoadKeys(ctx)
	if err != nil {
		return err
	}
	st, err := r.keys.GetStatus(ctx)
	if err != nil {
		return err
	}

	want := make(map[string]struct{}, len(stored))
	for _, k := range stored {
		want[k.Value] = struct{}{}
	}
	have := make(map[string]struct{})
	for _, bucket := range [][]credential.APIKey{st.Valid, st.Exhausted, st.Invalid} {
		for _, k := range bucket {
			have[k.Value] = struct{}{}
		}
	}

	for _, k := range stored {
		if _, ok := have[k.Value]; ok {
			continue
		}
		if err := r.keys.Submit(ctx, k); err != nil {
			log.WithError(err).Warnf("reconcile keys: add %s", redact(k.Value))
		} else {
			log.Infof("reconcile keys: added %s", redact(k.Value))
		}
	}
	for v := range have {
		if _, ok := want[v]; ok {
			continue
		}
		if err := r.keys.Delete(ctx, v); err != nil {
			log.WithError(err).Warnf("reconcile keys: remove %s", redact(v))
		} else {
			log.Infof("reconcile keys: removed %s", redact(v))
		}
	}
	return nil
}

// reconcileCookies converges conservatively. Stored cookies missing from the
// actor are added, and retirements recorded in storage are applied through
// Reclassify. The actor's own cookies are never removed here: a cookie absent
// from a snapshot may simply be mid-write, and losing a live session costs
// more than keeping a stale one for a tick.
func (r *Reconciler) reconcileCookies(ctx context.Context) error {
	stored, wasted, err := r.source.LoadCookies(ctx)
	if err != nil {
		return err
	}
	st, err := r.cookies.GetStatus(ctx)
	if err != nil {
		return err
	}

	have := make(map[string]struct{}, len(st.Valid)+len(st.Exhausted)+len(st.Invalid))
	active := make(map[string]struct{}, len(st.Valid)+len(st.Exhausted))
	for _, c := range st.Valid {
		have[c.Value] = struct{}{}
		active[c.Value] = struct{}{}
	}
	for _, c := range st.Exhausted {
		have[c.Value] = struct{}{}
		active[c.Value] = struct{}{}
	}
	for _, w := range st.Invalid {
		have[w.Value] = struct{}{}
	}

	for _, c := range stored {
		if _, ok := have[c.Value]; ok {
			continue
		}
		if err := r.cookies.Submit(ctx, c); err != nil {
			log.WithError(err).Warnf("reconcile cookies: add %s", c.Ellipse())
		} else {
			log.Infof("reconcile cookies: added %s", c.Ellipse())
		}
	}
	for _, w := range wasted {
		if _, ok := active[w.Value]; !ok {
			continue
		}
		reason := w.Reason
		if reason == nil {
			reason = &credential.Reason{Kind: credential.ReasonBanned}
		}
		if err := r.cookies.Reclassify(ctx, w.Value, reason); err != nil {
			log.WithError(err).Warn("reconcile cookies: reclassify failed")
		} else {
			log.Infof("reconcile cookies: retired %s (%s)", redact(w.Value), reason)
		}
	}
	return nil
}

// reconcileVertex upserts stored service accounts and prunes by id.
func (r *Reconciler) reconcileVertex(ctx context.Context) error {
	stored, err := r.source.LoadVertex(ctx)
	if err != nil {
		return err
	}
	st, err := r.vertex.GetStatus(ctx)
	if err != nil {
		return err
	}

	want := make(map[string]credential.ServiceAccount, len(stored))
	for _, sa := range stored {
		want[sa.ID] = sa
	}
	have := make(map[string]credential.ServiceAccount)
	for _, bucket := range [][]credential.ServiceAccount{st.Valid, st.Exhausted, st.Invalid} {
		for _, sa := range bucket {
			have[sa.ID] = sa
		}
	}

	for id, sa := range want {
		cur, ok := have[id]
		switch {
		case !ok:
			if err := r.vertex.Submit(ctx, sa); err != nil {
				log.WithError(err).Warnf("reconcile vertex: add %s", id)
			} else {
				log.Infof("reconcile vertex: added %s", id)
			}
		case !bytes.Equal(cur.RawKey, sa.RawKey):
			// Key document rotated in place.
			if err := r.vertex.Update(ctx, sa); err != nil {
				log.WithError(err).Warnf("reconcile vertex: update %s", id)
			}
		}
	}
	for id := range have {
		if _, ok := want[id]; ok {
			continue
		}
		if err := r.vertex.Delete(ctx, id); err != nil {
			log.WithError(err).Warnf("reconcile vertex: remove %s", id)
		} else {
			log.Infof("reconcile vertex: removed %s", id)
		}
	}
	return nil
}

func redact(key string) string {
	if len(key) <= 10 {
		return key
	}
	return key[:10] + "..."
}
