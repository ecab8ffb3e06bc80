package documap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineFlattens(t *testing.T) {
	n := And(Q{"a": 1}, And(Q{"b": 2}, Q{"c": 3}))
	c, ok := n.(*combination)
	require.True(t, ok)
	assert.Equal(t, opAnd, c.op)
	assert.Len(t, c.children, 3)
}

func TestCombineDropsEmptyLeaves(t *testing.T) {
	n := And(Q{}, Q{"a": 1})
	assert.Equal(t, Q{"a": 1}, n)

	n = Or(Q{}, Q{})
	assert.Equal(t, Q{}, n)
}

func TestSimplifyMergesLeafConjunction(t *testing.T) {
	n, err := simplify(And(Q{"a": 1}, Q{"b": 2}))
	require.NoError(t, err)
	assert.Equal(t, Q{"a": 1, "b": 2}, n)
}

func TestSimplifyDuplicateCondition(t *testing.T) {
	_, err := simplify(And(Q{"a": 1}, Q{"a": 2}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateConditions)
}

func TestSimplifyKeepsDisjunction(t *testing.T) {
	n, err := simplify(Or(Q{"a": 1}, Q{"b": 2}))
	require.NoError(t, err)
	c, ok := n.(*combination)
	require.True(t, ok)
	assert.Equal(t, opOr, c.op)
}

func TestSimplifyNestedOrInsideAnd(t *testing.T) {
	n, err := simplify(And(Q{"a": 1}, Or(Q{"b": 2}, Q{"c": 3})))
	require.NoError(t, err)
	c, ok := n.(*combination)
	require.True(t, ok)
	assert.Equal(t, opAnd, c.op)
	assert.Len(t, c.children, 2)
}
