package arbtrie

import "testing"

import "github.com/stretchr/testify/require"


func TestSegmentAllocator(t *testing.T) {
	db := openTestStore(t)

	t.Run("Fresh Segments Append To The Mapping", func(t *testing.T) {
		first, firstErr := db.segs.getNewSegment()
		require.NoError(t, firstErr)

		second, secondErr := db.segs.getNewSegment()
		require.NoError(t, secondErr)

		require.NotEqual(t, first, second)
		require.Equal(t, uint64(2), db.header.loadSegmentCount())
		require.Equal(t, db.opts.SegmentSize * 2, db.arena.size())
	})

	t.Run("AllocBytes Appends Monotonically", func(t *testing.T) {
		segNum, segErr := db.segs.getNewSegment()
		require.NoError(t, segErr)

		m := db.arena.view()

		first, ok := db.segs.allocBytes(m, segNum, 128)
		require.True(t, ok)
		require.Equal(t, db.segs.segBase(segNum) + segmentHeaderSize, first)

		second, ok := db.segs.allocBytes(m, segNum, 128)
		require.True(t, ok)
		require.Equal(t, first + 128, second)

		_, ok = db.segs.allocBytes(m, segNum, db.opts.SegmentSize)
		require.False(t, ok, "an allocation past the segment end must be refused")
	})

	t.Run("Finalize Accounts The Tail As Free", func(t *testing.T) {
		segNum, segErr := db.segs.getNewSegment()
		require.NoError(t, segErr)

		m := db.arena.view()

		_, ok := db.segs.allocBytes(m, segNum, 256)
		require.True(t, ok)

		db.segs.finalize(segNum)
		require.Equal(t, segStateFinalized, db.segs.segState(m, segNum))

		expected := db.opts.SegmentSize - segmentHeaderSize - 256
		require.Equal(t, expected, db.header.loadFreeBytes(segNum))

		// finalize is idempotent
		db.segs.finalize(segNum)
		require.Equal(t, expected, db.header.loadFreeBytes(segNum))
	})

	t.Run("Released Segments Round Trip Through The Ring", func(t *testing.T) {
		segNum, segErr := db.segs.getNewSegment()
		require.NoError(t, segErr)

		db.segs.finalize(segNum)
		db.segs.release(segNum)

		allocPtr := db.header.loadAllocPtr()
		endPtr := db.header.loadEndPtr()
		require.Greater(t, endPtr, allocPtr)

		recycled, recycledErr := db.segs.getNewSegment()
		require.NoError(t, recycledErr)
		require.Equal(t, segNum, recycled)
		require.Equal(t, allocPtr + 1, db.header.loadAllocPtr())

		m := db.arena.view()
		require.Equal(t, segStateActive, db.segs.segState(m, recycled))
		require.Equal(t, uint32(segmentHeaderSize), db.segs.loadAllocPos(m, recycled))
		require.Equal(t, uint64(0), db.header.loadFreeBytes(recycled))
	})

	t.Run("A Writer Rotates On Segment Exhaustion", func(t *testing.T) {
		ws, wsErr := db.StartWriteSession()
		require.NoError(t, wsErr)
		defer ws.Close()

		_, allocErr := ws.allocBytes(1024)
		require.NoError(t, allocErr)

		first := ws.segNum

		// burn through the active segment; the session must finalize it and claim a fresh one
		for ws.segNum == first {
			_, allocErr = ws.allocBytes(uint32(db.opts.SegmentSize / 4))
			require.NoError(t, allocErr)
		}

		m := db.arena.view()
		require.Equal(t, segStateFinalized, db.segs.segState(m, first))
		require.Greater(t, db.header.loadFreeBytes(first), uint64(0), "the finalized tail must be accounted free")
	})

	t.Run("A Session Read Pointer Pins The Ring", func(t *testing.T) {
		rs, rsErr := db.StartReadSession()
		require.NoError(t, rsErr)
		defer rs.Close()

		rl := rs.acquireReadLock()

		segNum, segErr := db.segs.getNewSegment()
		require.NoError(t, segErr)

		db.segs.finalize(segNum)
		db.segs.release(segNum)

		countBefore := db.header.loadSegmentCount()

		fresh, freshErr := db.segs.getNewSegment()
		require.NoError(t, freshErr)
		require.NotEqual(t, segNum, fresh, "a pinned ring entry must not be recycled")
		require.Equal(t, countBefore + 1, db.header.loadSegmentCount())

		rl.release()

		recycled, recycledErr := db.segs.getNewSegment()
		require.NoError(t, recycledErr)
		require.Equal(t, segNum, recycled)
	})
}
