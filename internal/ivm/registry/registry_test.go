package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivmcore/ivmcore/internal/ivm/hash"
	"github.com/ivmcore/ivmcore/internal/ivm/queryplan"
	"github.com/ivmcore/ivmcore/internal/storage/memory"
)

func mustParse(t *testing.T, q string) *queryplan.Plan {
	t.Helper()
	plan, err := queryplan.Parse(q)
	require.NoError(t, err)
	return plan
}

func TestRegisterDedupesByCacheKey(t *testing.T) {
	r := New(nil)
	plan := mustParse(t, "SELECT * FROM thread")

	ev1, isNew1, err := r.Register("view:a", plan)
	require.NoError(t, err)
	assert.True(t, isNew1)
	assert.Equal(t, "view:a", ev1.ViewID)

	ev2, isNew2, err := r.Register("view:b", mustParse(t, "SELECT * FROM thread"))
	require.NoError(t, err)
	assert.False(t, isNew2)
	assert.Equal(t, ev1.RootHash, ev2.RootHash)

	entryA, ok := r.Lookup("view:a")
	require.True(t, ok)
	entryB, ok := r.Lookup("view:b")
	require.True(t, ok)
	assert.Same(t, entryA.Circuit, entryB.Circuit)
	assert.Len(t, entryA.ViewIDs, 2)
}

func TestRegisterSameViewIDTwiceFails(t *testing.T) {
	r := New(nil)
	plan := mustParse(t, "SELECT * FROM thread")
	_, _, err := r.Register("view:a", plan)
	require.NoError(t, err)

	_, _, err = r.Register("view:a", plan)
	assert.Error(t, err)
}

func TestUnregisterOnlyTearsDownAtZeroReferences(t *testing.T) {
	r := New(nil)
	plan := mustParse(t, "SELECT * FROM thread")

	_, _, err := r.Register("view:a", plan)
	require.NoError(t, err)
	_, _, err = r.Register("view:b", mustParse(t, "SELECT * FROM thread"))
	require.NoError(t, err)

	wasLast, err := r.Unregister("view:a")
	require.NoError(t, err)
	assert.False(t, wasLast)

	_, ok := r.Lookup("view:b")
	assert.True(t, ok, "circuit must still be alive for the remaining view")

	wasLast, err = r.Unregister("view:b")
	require.NoError(t, err)
	assert.True(t, wasLast)

	_, ok = r.Lookup("view:b")
	assert.False(t, ok)
}

func TestUnregisterUnknownViewErrors(t *testing.T) {
	r := New(nil)
	_, err := r.Unregister("view:ghost")
	assert.Error(t, err)
}

func TestCircuitsWatchingMatchesPrimaryAndRelatedTable(t *testing.T) {
	r := New(nil)
	_, _, err := r.Register("view:threads", mustParse(t, "SELECT * FROM thread"))
	require.NoError(t, err)
	_, _, err = r.Register("view:posts-with-comments", mustParse(t,
		"SELECT *, (SELECT * FROM comment WHERE post_id=$parent.id LIMIT 2) AS comments FROM post"))
	require.NoError(t, err)

	watchingThread := r.CircuitsWatching("thread")
	require.Len(t, watchingThread, 1)

	watchingPost := r.CircuitsWatching("post")
	require.Len(t, watchingPost, 1)

	watchingComment := r.CircuitsWatching("comment")
	require.Len(t, watchingComment, 1, "a related-subselect circuit must also watch its child table")

	watchingNone := r.CircuitsWatching("nonexistent")
	assert.Len(t, watchingNone, 0)
}

func TestUpdateRootRecordedForAllSharingViewIDs(t *testing.T) {
	r := New(nil)
	_, _, err := r.Register("view:a", mustParse(t, "SELECT * FROM thread"))
	require.NoError(t, err)
	_, _, err = r.Register("view:b", mustParse(t, "SELECT * FROM thread"))
	require.NoError(t, err)

	root := hash.Hash([]byte("root-1"))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.UpdateRoot("view:a", root, nil, now)

	entry, ok := r.Lookup("view:b")
	require.True(t, ok)
	assert.Equal(t, root, entry.LastRoot)
	assert.Equal(t, now, entry.LastActive)
}

func TestTTLSweepReapsOnlyWhenAllSharingViewsAreIdle(t *testing.T) {
	r := New(nil)
	_, _, err := r.Register("view:a", mustParse(t, "SELECT * FROM thread"))
	require.NoError(t, err)
	_, _, err = r.Register("view:b", mustParse(t, "SELECT * FROM thread"))
	require.NoError(t, err)
	_, _, err = r.Register("view:c", mustParse(t, "SELECT * FROM post"))
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	ttl := 30 * time.Minute

	idle := map[string]time.Time{
		"view:a": now.Add(-time.Hour),
		"view:b": now, // still active; shares circuit with view:a
		"view:c": now.Add(-time.Hour),
	}
	idleSince := func(viewID string) (time.Time, bool) {
		t, ok := idle[viewID]
		return t, ok
	}

	reaped := r.TTLSweep(now, ttl, idleSince)
	assert.ElementsMatch(t, []string{"view:c"}, reaped)

	_, ok := r.Lookup("view:a")
	assert.True(t, ok, "view:a shares a circuit with the still-active view:b, must not be reaped")
	_, ok = r.Lookup("view:c")
	assert.False(t, ok)
}

func TestTTLSweepUntrackedViewIsNeverReaped(t *testing.T) {
	r := New(nil)
	_, _, err := r.Register("view:a", mustParse(t, "SELECT * FROM thread"))
	require.NoError(t, err)

	reaped := r.TTLSweep(time.Now(), time.Minute, func(string) (time.Time, bool) { return time.Time{}, false })
	assert.Empty(t, reaped)
	_, ok := r.Lookup("view:a")
	assert.True(t, ok)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	r := New(nil)
	_, _, err := r.Register("view:a", mustParse(t, "SELECT * FROM thread"))
	require.NoError(t, err)
	_, _, err = r.Register("view:b", mustParse(t, "SELECT * FROM thread"))
	require.NoError(t, err)
	_, _, err = r.Register("view:c", mustParse(t,
		"SELECT *, (SELECT * FROM comment WHERE post_id=$parent.id LIMIT 2) AS comments FROM post"))
	require.NoError(t, err)

	root := hash.Hash([]byte("root-1"))
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.UpdateRoot("view:a", root, nil, at)

	require.NoError(t, r.Snapshot(ctx, store))

	restored := New(nil)
	ok, err := restored.Restore(ctx, store)
	require.NoError(t, err)
	require.True(t, ok)

	entryA, ok := restored.Lookup("view:a")
	require.True(t, ok)
	entryB, ok := restored.Lookup("view:b")
	require.True(t, ok)
	assert.Same(t, entryA.Circuit, entryB.Circuit, "restore must rebuild the shared circuit once per cache key")
	assert.Equal(t, root, entryA.LastRoot)
	assert.Equal(t, at, entryA.LastActive)

	entryC, ok := restored.Lookup("view:c")
	require.True(t, ok)
	relTable, hasRel := entryC.Circuit.RelatedTable()
	assert.True(t, hasRel)
	assert.Equal(t, "comment", relTable)
}

func TestRestoreWithNoSnapshotIsNoop(t *testing.T) {
	store := memory.New()
	r := New(nil)
	ok, err := r.Restore(context.Background(), store)
	require.NoError(t, err)
	assert.False(t, ok)
}
