package queryplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSelectStar(t *testing.T) {
	plan, err := Parse("SELECT * FROM items")
	require.NoError(t, err)
	assert.Equal(t, "items", plan.Table)
	assert.Nil(t, plan.Fields)
	assert.Nil(t, plan.Where)
	assert.Nil(t, plan.Related)
}

func TestParseWhereEqualityAndOr(t *testing.T) {
	plan, err := Parse("SELECT * FROM items WHERE val=10 OR val=100")
	require.NoError(t, err)
	or, ok := plan.Where.(*OrExpr)
	require.True(t, ok)
	left, ok := or.Left.(*EqualExpr)
	require.True(t, ok)
	assert.Equal(t, "val", left.Field)
	assert.Equal(t, "10", left.Value.Raw)
}

func TestParseAndBindsTighterThanOr(t *testing.T) {
	plan, err := Parse("SELECT * FROM items WHERE status=open AND owner=bob OR status=closed")
	require.NoError(t, err)
	or, ok := plan.Where.(*OrExpr)
	require.True(t, ok)
	_, ok = or.Left.(*AndExpr)
	assert.True(t, ok, "AND must bind tighter than OR")
	_, ok = or.Right.(*EqualExpr)
	assert.True(t, ok)
}

func TestParsePrefixMatch(t *testing.T) {
	plan, err := Parse(`SELECT * FROM items WHERE id^="items:1"`)
	require.NoError(t, err)
	pm, ok := plan.Where.(*PrefixExpr)
	require.True(t, ok)
	assert.Equal(t, "id", pm.Field)
	assert.Equal(t, "items:1", pm.Prefix)
}

func TestParseIsNullAndIsNotNull(t *testing.T) {
	plan, err := Parse("SELECT * FROM items WHERE closed_at IS NULL")
	require.NoError(t, err)
	isNull, ok := plan.Where.(*IsNullExpr)
	require.True(t, ok)
	assert.False(t, isNull.Negate)

	plan, err = Parse("SELECT * FROM items WHERE closed_at IS NOT NULL")
	require.NoError(t, err)
	isNull, ok = plan.Where.(*IsNullExpr)
	require.True(t, ok)
	assert.True(t, isNull.Negate)
}

func TestParseOrderByAndLimit(t *testing.T) {
	plan, err := Parse("SELECT * FROM items ORDER BY val DESC LIMIT 2")
	require.NoError(t, err)
	require.Len(t, plan.Order, 1)
	assert.Equal(t, "val", plan.Order[0].Field)
	assert.True(t, plan.Order[0].Desc)
	require.NotNil(t, plan.Limit)
	assert.Equal(t, 2, *plan.Limit)
}

func TestParseOrderByDefaultsAscending(t *testing.T) {
	plan, err := Parse("SELECT * FROM items ORDER BY val")
	require.NoError(t, err)
	require.Len(t, plan.Order, 1)
	assert.False(t, plan.Order[0].Desc)
}

func TestParseRelatedSubselect(t *testing.T) {
	plan, err := Parse("SELECT *, (SELECT * FROM comment WHERE thread=$parent.id LIMIT 2) AS comments FROM thread")
	require.NoError(t, err)
	require.NotNil(t, plan.Related)
	assert.Equal(t, "comments", plan.Related.Alias)
	assert.Equal(t, "comment", plan.Related.Table)
	assert.Equal(t, "thread", plan.Related.ParentField)
	require.NotNil(t, plan.Related.Limit)
	assert.Equal(t, 2, *plan.Related.Limit)
	assert.Nil(t, plan.Related.Where)
}

func TestParseRelatedSubselectWithExtraCondition(t *testing.T) {
	plan, err := Parse("SELECT *, (SELECT * FROM comment WHERE thread=$parent.id AND hidden=false) AS comments FROM thread")
	require.NoError(t, err)
	require.NotNil(t, plan.Related)
	require.NotNil(t, plan.Related.Where)
	eq, ok := plan.Related.Where.(*EqualExpr)
	require.True(t, ok)
	assert.Equal(t, "hidden", eq.Field)
}

func TestParseRejectsSecondRelatedSubselect(t *testing.T) {
	_, err := Parse("SELECT (SELECT * FROM a WHERE x=$parent.id) AS a, (SELECT * FROM b WHERE y=$parent.id) AS b FROM items")
	require.Error(t, err)
	var uerr *UnsupportedError
	require.ErrorAs(t, err, &uerr)
}

func TestParseRelatedSubselectMissingParentRefIsUnsupported(t *testing.T) {
	_, err := Parse("SELECT *, (SELECT * FROM comment WHERE hidden=false) AS comments FROM thread")
	require.Error(t, err)
	var uerr *UnsupportedError
	require.ErrorAs(t, err, &uerr)
}

func TestParseErrorReportsOffset(t *testing.T) {
	_, err := Parse("SELECT * FORM items")
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Greater(t, perr.Offset, 0)
}

func TestParseErrorOnEmptyInput(t *testing.T) {
	_, err := Parse("")
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestCacheKeyStableAcrossWhitespace(t *testing.T) {
	a, err := Parse("SELECT * FROM items WHERE val=10")
	require.NoError(t, err)
	b, err := Parse("SELECT   *   FROM   items   WHERE   val=10")
	require.NoError(t, err)
	assert.Equal(t, a.CacheKey(), b.CacheKey())
}

func TestCacheKeyDiffersForDifferentQueries(t *testing.T) {
	a, err := Parse("SELECT * FROM items WHERE val=10")
	require.NoError(t, err)
	b, err := Parse("SELECT * FROM items WHERE val=20")
	require.NoError(t, err)
	assert.NotEqual(t, a.CacheKey(), b.CacheKey())
}

func TestParseFieldList(t *testing.T) {
	plan, err := Parse("SELECT title, status FROM items")
	require.NoError(t, err)
	assert.Equal(t, []string{"title", "status"}, plan.Fields)
}
