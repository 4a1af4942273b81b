package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivmcore/ivmcore/internal/ivm/schema"
	"github.com/ivmcore/ivmcore/internal/ivm/value"
)

func testSchema(t *testing.T) schema.Metadata {
	t.Helper()
	m, err := schema.New([]schema.Table{
		{Name: "thread", IntrinsicFields: []string{"title"}, Dependencies: []string{"comment"}},
		{Name: "comment", IntrinsicFields: []string{"content"}, ParentRefs: []string{"thread"}},
	})
	require.NoError(t, err)
	return m
}

func TestUpsertDerivesParentRefsFromSchema(t *testing.T) {
	g := New(testSchema(t))

	g.Upsert("thread:1", value.Map(map[string]value.Value{"title": value.String("A")}))
	rec := g.Upsert("comment:1", value.Map(map[string]value.Value{
		"content": value.String("hi"),
		"thread":  value.Record("thread:1"),
	}))

	assert.Equal(t, []value.RecordID{"thread:1"}, rec.ParentRefs)
}

func TestChildrenIndexedByDependencyTable(t *testing.T) {
	g := New(testSchema(t))
	g.Upsert("thread:1", value.Map(map[string]value.Value{"title": value.String("A")}))
	g.Upsert("comment:1", value.Map(map[string]value.Value{"thread": value.Record("thread:1")}))
	g.Upsert("comment:2", value.Map(map[string]value.Value{"thread": value.Record("thread:1")}))

	children := g.Children("thread:1", "comment")
	assert.Equal(t, []value.RecordID{"comment:1", "comment:2"}, children)
}

func TestPendingDeleteExcludedFromGetAndChildren(t *testing.T) {
	g := New(testSchema(t))
	g.Upsert("thread:1", value.Map(map[string]value.Value{"title": value.String("A")}))
	g.Upsert("comment:1", value.Map(map[string]value.Value{"thread": value.Record("thread:1")}))

	g.MarkPendingDelete("comment:1")

	_, ok := g.Get("comment:1")
	assert.False(t, ok)

	_, ok = g.GetIncludingDeleted("comment:1")
	assert.True(t, ok, "hash service cascade must still see a just-deleted record")

	assert.Empty(t, g.Children("thread:1", "comment"))
}

func TestUpsertReplacesParentRefsOnReparent(t *testing.T) {
	g := New(testSchema(t))
	g.Upsert("thread:1", value.Map(map[string]value.Value{"title": value.String("A")}))
	g.Upsert("thread:2", value.Map(map[string]value.Value{"title": value.String("B")}))
	g.Upsert("comment:1", value.Map(map[string]value.Value{"thread": value.Record("thread:1")}))

	g.Upsert("comment:1", value.Map(map[string]value.Value{"thread": value.Record("thread:2")}))

	assert.Empty(t, g.Children("thread:1", "comment"))
	assert.Equal(t, []value.RecordID{"comment:1"}, g.Children("thread:2", "comment"))
}
