package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrelay-go/internal/credential"
)

type fakeSource struct {
	cookies []credential.Cookie
	wasted  []credential.WastedCookie
	keys    []credential.APIKey
	vertex  []credential.ServiceAccount
}

func (f *fakeSource) LoadCookies(context.Context) ([]credential.Cookie, []credential.WastedCookie, error) {
	return f.cookies, f.wasted, nil
}
func (f *fakeSource) LoadKeys(context.Context) ([]credential.APIKey, error) { return f.keys, nil }
func (f *fakeSource) LoadVertex(context.Context) ([]credential.ServiceAccount, error) {
	return f.vertex, nil
}

func TestReconcileKeysSetDiff(t *testing.T) {
	ctx := context.Background()
	pool := credential.NewKeyPool([]credential.APIKey{{Value: "keep"}, {Value: "stale"}}, nil, 5, 0)
	t.Cleanup(pool.Stop)

	src := &fakeSource{keys: []credential.APIKey{{Value: "keep"}, {Value: "fresh"}}}
	r := New(src, nil, pool, nil, Intervals{})

	require.NoError(t, r.reconcileKeys(ctx))

	st, err := pool.GetStatus(ctx)
	require.NoError(t, err)
	values := make([]string, 0, len(st.Valid))
	for _, k := range st.Valid {
		values = append(values, k.Value)
	}
	assert.ElementsMatch(t, []string{"keep", "fresh"}, values)
}

func TestReconcileKeysLeavesCooldownAlone(t *testing.T) {
	ctx := context.Background()
	pool := credential.NewKeyPool([]credential.APIKey{{Value: "hot"}}, nil, 5, 0)
	t.Cleanup(pool.Stop)

	got, err := pool.Request(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Return(ctx, got, credential.TooManyRequests(time.Now().Add(time.Hour).Unix())))

	src := &fakeSource{keys: []credential.APIKey{{Value: "hot"}}}
	r := New(src, nil, pool, nil, Intervals{})
	require.NoError(t, r.reconcileKeys(ctx))

	st, err := pool.GetStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Valid, "a cooling key counts as present and is not re-added")
	require.Len(t, st.Exhausted, 1)
}

func TestReconcileCookiesAddsMissing(t *testing.T) {
	ctx := context.Background()
	actor := credential.NewCookieActor(nil, nil, credential.CookieActorOptions{})
	t.Cleanup(actor.Stop)

	src := &fakeSource{cookies: []credential.Cookie{{Value: "sessionKey=sk-new"}}}
	r := New(src, actor, nil, nil, Intervals{})
	require.NoError(t, r.reconcileCookies(ctx))

	st, err := actor.GetStatus(ctx)
	require.NoError(t, err)
	require.Len(t, st.Valid, 1)
	assert.Equal(t, "sessionKey=sk-new", st.Valid[0].Value)
}

func TestReconcileCookiesAppliesExternalRetirement(t *testing.T) {
	ctx := context.Background()
	actor := credential.NewCookieActor([]credential.Cookie{{Value: "sessionKey=sk-live"}}, nil, credential.CookieActorOptions{})
	t.Cleanup(actor.Stop)

	src := &fakeSource{
		wasted: []credential.WastedCookie{{
			Value:  "sessionKey=sk-live",
			Reason: &credential.Reason{Kind: credential.ReasonBanned, Message: "flagged elsewhere"},
		}},
	}
	r := New(src, actor, nil, nil, Intervals{})
	require.NoError(t, r.reconcileCookies(ctx))

	require.Eventually(t, func() bool {
		st, err := actor.GetStatus(ctx)
		return err == nil && len(st.Valid) == 0 && len(st.Invalid) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestReconcileCookiesNeverDeletes(t *testing.T) {
	ctx := context.Background()
	actor := credential.NewCookieActor([]credential.Cookie{{Value: "sessionKey=sk-local"}}, nil, credential.CookieActorOptions{})
	t.Cleanup(actor.Stop)

	// Storage snapshot is empty; the actor keeps its cookie anyway.
	r := New(&fakeSource{}, actor, nil, nil, Intervals{})
	require.NoError(t, r.reconcileCookies(ctx))

	st, err := actor.GetStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, st.Valid, 1)
}

func TestReconcileVertexUpsertAndPrune(t *testing.T) {
	ctx := context.Background()
	old := mustSA(t, "sa-1", `{"client_email":"a@x.iam.gserviceaccount.com","project_id":"p1"}`)
	gone := mustSA(t, "sa-2", `{"client_email":"b@x.iam.gserviceaccount.com","project_id":"p2"}`)
	pool := credential.NewVertexPool([]credential.ServiceAccount{old, gone}, nil, 5, 0)
	t.Cleanup(pool.Stop)

	rotated := mustSA(t, "sa-1", `{"client_email":"a@x.iam.gserviceaccount.com","project_id":"p1","private_key_id":"v2"}`)
	added := mustSA(t, "sa-3", `{"client_email":"c@x.iam.gserviceaccount.com","project_id":"p3"}`)
	src := &fakeSource{vertex: []credential.ServiceAccount{rotated, added}}

	r := New(src, nil, nil, pool, Intervals{})
	require.NoError(t, r.reconcileVertex(ctx))

	require.Eventually(t, func() bool {
		st, err := pool.GetStatus(ctx)
		if err != nil || len(st.Valid) != 2 {
			return false
		}
		byID := map[string]credential.ServiceAccount{}
		for _, sa := range st.Valid {
			byID[sa.ID] = sa
		}
		_, hasAdded := byID["sa-3"]
		cur, hasOld := byID["sa-1"]
		return hasAdded && hasOld && string(cur.RawKey) == string(rotated.RawKey)
	}, time.Second, 10*time.Millisecond)
}

func TestStartStop(t *testing.T) {
	pool := credential.NewKeyPool(nil, nil, 5, 0)
	t.Cleanup(pool.Stop)

	r := New(&fakeSource{}, nil, pool, nil, Intervals{Keys: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	r.Stop()
	r.Stop() // idempotent
}

func mustSA(t *testing.T, id, raw string) credential.ServiceAccount {
	t.Helper()
	sa, err := credential.NewServiceAccount(id, []byte(raw))
	require.NoError(t, err)
	return sa
}
