package arbtrie

import "testing"

import "github.com/stretchr/testify/require"


func TestArbtrieSubtreeValues(t *testing.T) {
	db := openTestStore(t)

	ws, wsErr := db.StartWriteSession()
	require.NoError(t, wsErr)
	defer ws.Close()

	t.Run("Subtree Refcount Lifecycle", func(t *testing.T) {
		rootA := ws.CreateRoot()
		defer rootA.Release()

		require.NoError(t, ws.Upsert(rootA, []byte("x"), []byte("1")))
		require.Equal(t, uint64(1), rootA.RefCount())

		rootB := ws.CreateRoot()
		defer rootB.Release()

		require.NoError(t, ws.UpsertSubtree(rootB, []byte("sub"), rootA))
		require.Equal(t, uint64(2), rootA.RefCount())

		kvPair, getErr := ws.Get(rootB, []byte("sub"))
		require.NoError(t, getErr)
		require.NotNil(t, kvPair)
		require.Equal(t, rootA.ID(), kvPair.Subtree)

		require.NoError(t, ws.Remove(rootB, []byte("sub")))
		require.Equal(t, uint64(1), rootA.RefCount())

		kvPair, getErr = ws.Get(rootA, []byte("x"))
		require.NoError(t, getErr)
		require.Equal(t, []byte("1"), kvPair.Value)
	})

	t.Run("GetSubtree Returns An Owned Handle", func(t *testing.T) {
		rootA := ws.CreateRoot()
		defer rootA.Release()

		require.NoError(t, ws.Upsert(rootA, []byte("x"), []byte("1")))

		rootB := ws.CreateRoot()
		defer rootB.Release()

		require.NoError(t, ws.UpsertSubtree(rootB, []byte("sub"), rootA))

		nested, subErr := ws.GetSubtree(rootB, []byte("sub"))
		require.NoError(t, subErr)
		require.NotNil(t, nested)
		require.Equal(t, uint64(3), rootA.RefCount())

		kvPair, getErr := ws.Get(nested, []byte("x"))
		require.NoError(t, getErr)
		require.Equal(t, []byte("1"), kvPair.Value)

		nested.Release()
		require.Equal(t, uint64(2), rootA.RefCount())
	})

	t.Run("Subtree Iterator Descends Nested Roots", func(t *testing.T) {
		inner := ws.CreateRoot()
		defer inner.Release()

		require.NoError(t, ws.Upsert(inner, []byte("k1"), []byte("v1")))
		require.NoError(t, ws.Upsert(inner, []byte("k2"), []byte("v2")))

		outer := ws.CreateRoot()
		defer outer.Release()

		require.NoError(t, ws.UpsertSubtree(outer, []byte("nested"), inner))
		require.NoError(t, ws.Upsert(outer, []byte("plain"), []byte("v")))

		it := ws.NewIterator(outer)
		defer it.Close()

		require.True(t, it.LowerBound([]byte("nested")))
		require.True(t, it.IsSubtree())

		sub := it.SubtreeIterator()
		require.NotNil(t, sub)
		defer sub.Close()

		keys := collectKeys(sub, nil)
		require.Equal(t, 2, len(keys))
		require.Equal(t, []byte("k1"), keys[0])
		require.Equal(t, []byte("k2"), keys[1])

		require.True(t, it.Next())
		require.False(t, it.IsSubtree())
	})

	t.Run("Overwriting A Subtree Value Releases It", func(t *testing.T) {
		rootA := ws.CreateRoot()
		defer rootA.Release()

		require.NoError(t, ws.Upsert(rootA, []byte("x"), []byte("1")))

		rootB := ws.CreateRoot()
		defer rootB.Release()

		require.NoError(t, ws.UpsertSubtree(rootB, []byte("slot"), rootA))
		require.Equal(t, uint64(2), rootA.RefCount())

		require.NoError(t, ws.Upsert(rootB, []byte("slot"), []byte("plain")))
		require.Equal(t, uint64(1), rootA.RefCount())

		kvPair, getErr := ws.Get(rootB, []byte("slot"))
		require.NoError(t, getErr)
		require.Equal(t, []byte("plain"), kvPair.Value)
	})
}
