package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildDeterministic(t *testing.T) {
	mk := func() *Tree {
		e := NewEntries()
		e.Add(10, Block{ID: 1, Type: 0, CRC: 1, Length: 4})
		e.Add(42, Block{ID: 2, Type: 0, CRC: 2, Length: 8})
		tr, err := Build(0, 100, 3, e)
		require.NoError(t, err)
		return tr
	}

	a := mk()
	b := mk()
	require.Equal(t, a.Leaves, b.Leaves)
	require.Equal(t, a.Root(), b.Root())
}

func TestEmptyTreeLeavesAreZeroHash(t *testing.T) {
	tr, err := Build(0, 100, 2, NewEntries())
	require.NoError(t, err)
	for _, l := range tr.Leaves {
		require.Equal(t, emptyHash, l)
	}
}

func TestDifferenceEmptyWhenEqual(t *testing.T) {
	e := NewEntries()
	e.Add(1, Block{ID: 1, Type: 0, CRC: 1, Length: 1})
	a, err := Build(0, 8, 2, e)
	require.NoError(t, err)
	b, err := Build(0, 8, 2, e)
	require.NoError(t, err)

	diff, err := Difference(a, b)
	require.NoError(t, err)
	require.Empty(t, diff)
}

// TestDifferenceSingleLeaf mirrors spec scenario S2: a block at offset
// 42 in one tree, nothing in the other, over [0,100) at maxLevel=5
// (32 leaves, each spanning 100/32 = 3 with remainder absorbed by the
// last leaf). We instead use a divisor-friendly range to keep the
// expected leaf boundaries simple: [0,128) at maxLevel=2 (4 leaves of
// 32), offset 42 falls in leaf 1 => range [32,64).
func TestDifferenceSingleLeaf(t *testing.T) {
	master := NewEntries()
	master.Add(42, Block{ID: 1, Type: 2, CRC: 3, Length: 4})
	masterTree, err := Build(0, 128, 2, master)
	require.NoError(t, err)

	slaveTree, err := Build(0, 128, 2, NewEntries())
	require.NoError(t, err)

	diff, err := Difference(slaveTree, masterTree)
	require.NoError(t, err)
	require.Equal(t, []Range{{Lo: 32, Hi: 64}}, diff)
}

func TestDifferenceIncompatibleShapes(t *testing.T) {
	a, _ := Build(0, 100, 2, NewEntries())
	b, _ := Build(0, 200, 2, NewEntries())
	_, err := Difference(a, b)
	require.ErrorIs(t, err, ErrIncompatibleTrees)
}

func TestMarshalRoundTrip(t *testing.T) {
	e := NewEntries()
	e.Add(5, Block{ID: 9, Type: 1, CRC: 7, Length: 2})
	tr, err := Build(0, 64, 3, e)
	require.NoError(t, err)

	data, err := tr.Marshal()
	require.NoError(t, err)
	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, tr.Leaves, got.Leaves)
	require.Equal(t, tr.Root(), got.Root())
}

func TestMarshalCompressedRoundTrip(t *testing.T) {
	tr, err := Build(0, 1<<20, 10, NewEntries())
	require.NoError(t, err)

	data, err := tr.MarshalCompressed()
	require.NoError(t, err)
	got, err := UnmarshalCompressed(data)
	require.NoError(t, err)
	require.Equal(t, tr.Root(), got.Root())
}

func TestEltLess(t *testing.T) {
	require.True(t, Elt{ID: 1, Type: 5}.Less(Elt{ID: 2, Type: 0}))
	require.True(t, Elt{ID: 1, Type: 0}.Less(Elt{ID: 1, Type: 1}))
	require.False(t, Elt{ID: 1, Type: 1}.Less(Elt{ID: 1, Type: 1}))
}
