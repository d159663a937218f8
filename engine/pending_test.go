package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTable(t *testing.T) {
	table := newPendingTable()
	a := &pendingCall{id: "a"}
	b := &pendingCall{id: "b"}
	c := &pendingCall{id: "c"}

	require.True(t, table.insert(a))
	require.True(t, table.insert(b))
	require.True(t, table.insert(c))
	assert.False(t, table.insert(&pendingCall{id: "b"}), "duplicate id")
	assert.Equal(t, 3, table.len())

	snap := table.snapshot()
	removed, ok := table.remove("b")
	require.True(t, ok)
	assert.Same(t, b, removed)

	assert.Equal(t, []*pendingCall{a, b, c}, snap, "snapshot is unaffected by later removals")
	assert.Equal(t, []*pendingCall{a, c}, table.snapshot())

	_, ok = table.remove("b")
	assert.False(t, ok)
	_, ok = table.get("b")
	assert.False(t, ok)

	require.True(t, table.insert(&pendingCall{id: "b"}), "id can be reused once it is no longer outstanding")
	assert.Equal(t, []string{"a", "c", "b"}, table.order)
}
