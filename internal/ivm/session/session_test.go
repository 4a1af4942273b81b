package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivmcore/ivmcore/internal/ivm/hash"
	"github.com/ivmcore/ivmcore/internal/ivm/schema"
	"github.com/ivmcore/ivmcore/internal/ivm/value"
	"github.com/ivmcore/ivmcore/internal/storage/memory"
)

func threadCommentSchema(t *testing.T) schema.Metadata {
	t.Helper()
	m, err := schema.New([]schema.Table{
		{Name: "thread", IntrinsicFields: []string{"title"}, Dependencies: []string{"comment"}},
		{Name: "comment", IntrinsicFields: []string{"content"}, ParentRefs: []string{"thread"}},
	})
	require.NoError(t, err)
	return m
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	return New(threadCommentSchema(t), memory.New(), time.Hour, time.Second, nil)
}

func recvWithin(t *testing.T, ch <-chan ViewUpdate, d time.Duration) (ViewUpdate, bool) {
	t.Helper()
	select {
	case u, ok := <-ch:
		return u, ok
	case <-time.After(d):
		return ViewUpdate{}, false
	}
}

func TestMutateCreateDeliversViewUpdateToSubscriber(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	_, err := s.RegisterView(ctx, "view:a", "SELECT * FROM thread")
	require.NoError(t, err)
	ch, cancel := s.Subscribe("view:a")
	defer cancel()

	res, err := s.Mutate(ctx, "thread:1", Create, value.Map(map[string]value.Value{"title": value.String("A")}))
	require.NoError(t, err)
	assert.Equal(t, value.RecordID("thread:1"), res.RecordID)
	assert.NotEqual(t, hash.H{}, res.TotalHash)

	update, ok := recvWithin(t, ch, time.Second)
	require.True(t, ok)
	assert.Equal(t, "view:a", update.ViewID)
	assert.Equal(t, []value.RecordID{"thread:1"}, update.ResultIDs)
	assert.Equal(t, []value.RecordID{"thread:1"}, update.AddedIDs)
	assert.NotEqual(t, hash.H{}, update.MerkleRoot)
	assert.False(t, update.Incoherent)
}

func TestMutateUpdateWithChangedContentPublishesNewRoot(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	_, err := s.RegisterView(ctx, "view:a", "SELECT * FROM thread")
	require.NoError(t, err)
	ch, cancel := s.Subscribe("view:a")
	defer cancel()

	_, err = s.Mutate(ctx, "thread:1", Create, value.Map(map[string]value.Value{"title": value.String("A")}))
	require.NoError(t, err)
	first, ok := recvWithin(t, ch, time.Second)
	require.True(t, ok)

	_, err = s.Mutate(ctx, "thread:1", Update, value.Map(map[string]value.Value{"title": value.String("B")}))
	require.NoError(t, err)
	second, ok := recvWithin(t, ch, time.Second)
	require.True(t, ok)

	assert.NotEqual(t, first.MerkleRoot, second.MerkleRoot)
	assert.Empty(t, second.AddedIDs)
	assert.Empty(t, second.RemovedIDs)
}

func TestReapplyingIdenticalUpdateEmitsNoViewUpdate(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	_, err := s.RegisterView(ctx, "view:a", "SELECT * FROM thread")
	require.NoError(t, err)
	ch, cancel := s.Subscribe("view:a")
	defer cancel()

	_, err = s.Mutate(ctx, "thread:1", Create, value.Map(map[string]value.Value{"title": value.String("A")}))
	require.NoError(t, err)
	_, ok := recvWithin(t, ch, time.Second)
	require.True(t, ok)

	_, err = s.Mutate(ctx, "thread:1", Update, value.Map(map[string]value.Value{"title": value.String("A")}))
	require.NoError(t, err)

	_, ok = recvWithin(t, ch, 100*time.Millisecond)
	assert.False(t, ok, "re-applying identical content must not publish a second ViewUpdate")
}

func TestCreateThenDeleteChildRestoresParentTotalHash(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	_, err := s.Mutate(ctx, "thread:1", Create, value.Map(map[string]value.Value{"title": value.String("A")}))
	require.NoError(t, err)
	rootRH, ok := s.hashes.Get("thread:1")
	require.True(t, ok)

	_, err = s.Mutate(ctx, "comment:1", Create, value.Map(map[string]value.Value{
		"content": value.String("hi"),
		"thread":  value.Record("thread:1"),
	}))
	require.NoError(t, err)
	afterCreate, ok := s.hashes.Get("thread:1")
	require.True(t, ok)
	assert.NotEqual(t, rootRH.TotalHash, afterCreate.TotalHash)

	_, err = s.Mutate(ctx, "comment:1", Delete, value.Value{})
	require.NoError(t, err)
	afterDelete, ok := s.hashes.Get("thread:1")
	require.True(t, ok)
	assert.Equal(t, rootRH.TotalHash, afterDelete.TotalHash, "deleting the only child must restore the parent's original total hash")
}

func TestRegisterViewTwiceWithSamePlanSharesRootAndRefcounts(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	_, err := s.RegisterView(ctx, "view:a", "SELECT * FROM thread")
	require.NoError(t, err)
	_, err = s.Mutate(ctx, "thread:1", Create, value.Map(map[string]value.Value{"title": value.String("A")}))
	require.NoError(t, err)

	ev, err := s.RegisterView(ctx, "view:b", "SELECT * FROM thread")
	require.NoError(t, err)
	entryA, ok := s.registry.Lookup("view:a")
	require.True(t, ok)
	assert.Equal(t, entryA.LastRoot, ev.RootHash, "second registration must return the existing root for an identical plan")

	require.NoError(t, s.UnregisterView("view:a"))
	_, ok = s.registry.Lookup("view:b")
	assert.True(t, ok, "circuit must survive while view:b still references it")

	require.NoError(t, s.UnregisterView("view:b"))
	_, ok = s.registry.Lookup("view:b")
	assert.False(t, ok)
}

func TestCancelingSubscriptionDoesNotBlockSubsequentMutations(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	_, err := s.RegisterView(ctx, "view:a", "SELECT * FROM thread")
	require.NoError(t, err)
	_, cancel := s.Subscribe("view:a")
	cancel()
	cancel() // must be safe to call twice

	_, err = s.Mutate(ctx, "thread:1", Create, value.Map(map[string]value.Value{"title": value.String("A")}))
	assert.NoError(t, err)
}

func TestMutateUpdateWithoutPriorRecordIsMissingPrior(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	_, err := s.Mutate(ctx, "thread:ghost", Update, value.Map(map[string]value.Value{"title": value.String("A")}))
	assert.Error(t, err)
}

func TestRestoreRehydratesRecordHashesAcrossSessions(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	s1 := New(threadCommentSchema(t), store, time.Hour, time.Second, nil)
	_, err := s1.Mutate(ctx, "thread:1", Create, value.Map(map[string]value.Value{"title": value.String("A")}))
	require.NoError(t, err)
	_, err = s1.Mutate(ctx, "comment:1", Create, value.Map(map[string]value.Value{
		"content": value.String("hi"),
		"thread":  value.Record("thread:1"),
	}))
	require.NoError(t, err)
	wantThread, ok := s1.hashes.Get("thread:1")
	require.True(t, ok)
	wantComment, ok := s1.hashes.Get("comment:1")
	require.True(t, ok)

	s2 := New(threadCommentSchema(t), store, time.Hour, time.Second, nil)
	restored, err := s2.Restore(ctx)
	require.NoError(t, err)
	assert.True(t, restored)

	gotThread, ok := s2.hashes.Get("thread:1")
	require.True(t, ok)
	assert.Equal(t, wantThread, gotThread, "intrinsic/composition/total hash must survive the round trip, not just total_hash")

	gotComment, ok := s2.hashes.Get("comment:1")
	require.True(t, ok)
	assert.Equal(t, wantComment, gotComment)
}

func TestMerkleTreeIsRetainedAndUpdatedIncrementallyAcrossMutations(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	_, err := s.RegisterView(ctx, "view:a", "SELECT * FROM thread")
	require.NoError(t, err)

	_, err = s.Mutate(ctx, "thread:1", Create, value.Map(map[string]value.Value{"title": value.String("A")}))
	require.NoError(t, err)

	entry, ok := s.registry.Lookup("view:a")
	require.True(t, ok)
	firstTree := entry.Tree
	require.NotNil(t, firstTree)
	firstRoot := firstTree.Root()

	_, err = s.Mutate(ctx, "thread:1", Update, value.Map(map[string]value.Value{"title": value.String("B")}))
	require.NoError(t, err)

	entry, ok = s.registry.Lookup("view:a")
	require.True(t, ok)
	assert.Same(t, firstTree, entry.Tree, "a mutation that doesn't change the view's id-set shape must reuse the retained tree, not rebuild it")
	assert.NotEqual(t, firstRoot, entry.Tree.Root(), "the retained tree's root must still reflect the changed leaf hash")
}

func TestMerkleTreeRebuildsWhenResultShapeChanges(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	_, err := s.RegisterView(ctx, "view:a", "SELECT * FROM thread")
	require.NoError(t, err)

	_, err = s.Mutate(ctx, "thread:1", Create, value.Map(map[string]value.Value{"title": value.String("A")}))
	require.NoError(t, err)
	entry, ok := s.registry.Lookup("view:a")
	require.True(t, ok)
	firstTree := entry.Tree
	require.NotNil(t, firstTree)

	_, err = s.Mutate(ctx, "thread:2", Create, value.Map(map[string]value.Value{"title": value.String("B")}))
	require.NoError(t, err)

	entry, ok = s.registry.Lookup("view:a")
	require.True(t, ok)
	assert.NotSame(t, firstTree, entry.Tree, "adding a new result id changes the leaf order/count, so the tree must be rebuilt rather than updated in place")
}

func TestRestoreWithNoPriorStateIsNotAnError(t *testing.T) {
	s := New(threadCommentSchema(t), memory.New(), time.Hour, time.Second, nil)
	restored, err := s.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, restored)
}
