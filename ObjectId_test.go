package arbtrie

import "testing"

import "github.com/stretchr/testify/require"


func TestMetaWordPacking(t *testing.T) {
	t.Run("Round Trip", func(t *testing.T) {
		meta := packMeta(42, nodeSetlist, 1 << 20)

		require.Equal(t, uint64(42), metaRefCount(meta))
		require.Equal(t, nodeSetlist, metaType(meta))
		require.Equal(t, uint64(1 << 20), metaLocation(meta))
		require.False(t, metaLocked(meta))
	})

	t.Run("Location Rewrite Preserves The Rest", func(t *testing.T) {
		meta := packMeta(7, nodeBinary, 4096) | modifyLockBit
		moved := withLocation(meta, 65536)

		require.Equal(t, uint64(7), metaRefCount(moved))
		require.Equal(t, nodeBinary, metaType(moved))
		require.Equal(t, uint64(65536), metaLocation(moved))
		require.True(t, metaLocked(moved))
	})

	t.Run("Refcount Occupies The Low Bits", func(t *testing.T) {
		meta := packMeta(MaxRefCount, nodeFull, 8)

		require.Equal(t, MaxRefCount, metaRefCount(meta))
		require.Equal(t, nodeFull, metaType(meta))
		require.Equal(t, uint64(8), metaLocation(meta))
	})
}

func TestNodeIDFields(t *testing.T) {
	id := makeNodeID(0x00ABCD, 0x1234)

	require.Equal(t, uint32(0x00ABCD), id.region())
	require.Equal(t, uint16(0x1234), id.index())
	require.Equal(t, NodeID(0), makeNodeID(0, 0))
}

func TestIDAllocator(t *testing.T) {
	db := openTestStore(t)

	t.Run("Fresh Ids Start With One Reference", func(t *testing.T) {
		id, idErr := db.ids.newID(3, nodeValue, 1024)
		require.NoError(t, idErr)
		require.Equal(t, uint32(3), id.region())

		meta := db.ids.get(id)
		require.Equal(t, uint64(1), metaRefCount(meta))
		require.Equal(t, nodeValue, metaType(meta))
		require.Equal(t, uint64(1024), metaLocation(meta))

		db.ids.release(id)
		db.ids.freeID(id)
	})

	t.Run("Freed Ids Are Recycled Within Their Region", func(t *testing.T) {
		first, firstErr := db.ids.newID(5, nodeBinary, 64)
		require.NoError(t, firstErr)

		db.ids.release(first)
		db.ids.freeID(first)

		second, secondErr := db.ids.newID(5, nodeBinary, 128)
		require.NoError(t, secondErr)
		require.Equal(t, first, second, "the free chain must hand back the freed index")

		db.ids.release(second)
		db.ids.freeID(second)
	})

	t.Run("Retain Release", func(t *testing.T) {
		id, idErr := db.ids.newID(7, nodeBinary, 64)
		require.NoError(t, idErr)

		require.NoError(t, db.ids.retain(id))
		require.Equal(t, uint64(2), metaRefCount(db.ids.get(id)))

		require.Equal(t, uint64(1), metaRefCount(db.ids.release(id)))
		require.Equal(t, uint64(0), metaRefCount(db.ids.release(id)))

		db.ids.freeID(id)
	})

	t.Run("Modify Lock Bits", func(t *testing.T) {
		id, idErr := db.ids.newID(9, nodeBinary, 64)
		require.NoError(t, idErr)

		db.ids.setModifyLock(id)
		require.True(t, metaLocked(db.ids.get(id)))
		require.Equal(t, uint64(1), metaRefCount(db.ids.get(id)))

		db.ids.clearModifyLock(id)
		require.False(t, metaLocked(db.ids.get(id)))

		db.ids.release(id)
		db.ids.freeID(id)
	})

	t.Run("CAS Location Fails On Concurrent Refcount Change", func(t *testing.T) {
		id, idErr := db.ids.newID(11, nodeBinary, 64)
		require.NoError(t, idErr)

		stale := db.ids.get(id)
		require.NoError(t, db.ids.retain(id))

		require.False(t, db.ids.casLocation(id, stale, 2048), "a stale meta word must not relocate")

		current := db.ids.get(id)
		require.True(t, db.ids.casLocation(id, current, 2048))
		require.Equal(t, uint64(2048), metaLocation(db.ids.get(id)))
		require.Equal(t, uint64(2), metaRefCount(db.ids.get(id)))

		db.ids.release(id)
		db.ids.release(id)
		db.ids.freeID(id)
	})

	t.Run("Fresh Regions Avoid The Given Regions", func(t *testing.T) {
		for attempt := 0; attempt < 64; attempt++ {
			region := db.ids.newRegion(1, 2, 3)
			require.NotContains(t, []uint32{1, 2, 3}, region)
		}
	})
}
