package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeConvergesRegardlessOfOrder(t *testing.T) {
	engine := NewLogEngine()
	base := NewFragment(1, 0, "Once ")
	updateA := NewFragment(2, 1, "upon ")
	updateB := NewFragment(3, 1, "a time")

	left, err := engine.Merge(base, updateA)
	require.NoError(t, err)
	right, err := engine.Merge(base, updateB)
	require.NoError(t, err)

	leftThenRight, err := engine.Merge(left, right)
	require.NoError(t, err)
	rightThenLeft, err := engine.Merge(right, left)
	require.NoError(t, err)
	require.Equal(t, leftThenRight, rightThenLeft)

	text, err := engine.PlainText(leftThenRight)
	require.NoError(t, err)
	require.Equal(t, "Once upon a time", text)
}

func TestMergeIsAssociative(t *testing.T) {
	engine := NewLogEngine()
	a := NewFragment(1, 0, "a")
	b := NewFragment(2, 0, "b")
	c := NewFragment(1, 1, "c")

	ab, err := engine.Merge(a, b)
	require.NoError(t, err)
	abThenC, err := engine.Merge(ab, c)
	require.NoError(t, err)

	bc, err := engine.Merge(b, c)
	require.NoError(t, err)
	aThenBC, err := engine.Merge(a, bc)
	require.NoError(t, err)

	require.Equal(t, abThenC, aThenBC)
}

func TestReapplyingUpdateLeavesStateVectorUnchanged(t *testing.T) {
	engine := NewLogEngine()
	update := NewFragment(7, 0, "chapter one")

	once, err := engine.Merge(nil, update)
	require.NoError(t, err)
	firstVector, err := engine.StateVector(once)
	require.NoError(t, err)

	twice, err := engine.Merge(once, update)
	require.NoError(t, err)
	secondVector, err := engine.StateVector(twice)
	require.NoError(t, err)

	require.Equal(t, firstVector, secondVector)
	require.Equal(t, once, twice)
}

func TestConflictingReplayIsOrderIndependent(t *testing.T) {
	engine := NewLogEngine()
	first := NewFragment(4, 0, "draft")
	second := NewFragment(4, 0, "final")

	forward, err := engine.Merge(first, second)
	require.NoError(t, err)
	backward, err := engine.Merge(second, first)
	require.NoError(t, err)
	require.Equal(t, forward, backward)
}

func TestDiffReturnsOnlyMissingFragments(t *testing.T) {
	engine := NewLogEngine()
	server, err := engine.Merge(
		NewFragment(1, 0, "a"),
		NewFragment(1, 1, "b"),
		NewFragment(2, 0, "c"),
	)
	require.NoError(t, err)
	client, err := engine.Merge(NewFragment(1, 0, "a"))
	require.NoError(t, err)

	clientVector, err := engine.StateVector(client)
	require.NoError(t, err)
	delta, err := engine.Diff(server, clientVector)
	require.NoError(t, err)

	fragments, err := Fragments(delta)
	require.NoError(t, err)
	require.Len(t, fragments, 2)

	caughtUp, err := engine.Merge(client, delta)
	require.NoError(t, err)
	require.Equal(t, server, caughtUp)
}

func TestStateVectorTracksContiguousClocks(t *testing.T) {
	engine := NewLogEngine()
	state, err := engine.Merge(NewFragment(9, 0, "x"), NewFragment(9, 2, "z"))
	require.NoError(t, err)

	encoded, err := engine.StateVector(state)
	require.NoError(t, err)
	vector, err := DecodeStateVector(encoded)
	require.NoError(t, err)
	require.Equal(t, uint64(1), vector[9])
}

func TestEmptyStateHandling(t *testing.T) {
	engine := NewLogEngine()
	empty, err := engine.IsEmpty(nil)
	require.NoError(t, err)
	require.True(t, empty)

	vector, err := engine.StateVector(nil)
	require.NoError(t, err)
	require.Empty(t, vector)

	_, err = engine.Merge([]byte{0xff})
	require.ErrorIs(t, err, ErrMalformedState)
}
