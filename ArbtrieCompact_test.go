package arbtrie

import "fmt"
import "testing"
import "time"

import "github.com/stretchr/testify/require"


// churn interleaves long lived keys with short lived garbage so that every segment ends up holding
// a few live objects surrounded by freed space once the garbage is removed
func churn(t *testing.T, ws *WriteSession, root *NodeHandle, keys int, garbagePerKey int) [][]byte {
	out := make([][]byte, keys)
	filler := generateRandomBytes(t, 60)

	for idx := range out {
		out[idx] = []byte(fmt.Sprintf("live-%05d", idx))
		require.NoError(t, ws.Upsert(root, out[idx], out[idx]))

		for g := 0; g < garbagePerKey; g++ {
			gkey := []byte(fmt.Sprintf("garbage-%05d-%02d", idx, g))
			require.NoError(t, ws.Upsert(root, gkey, filler))
		}
	}

	for idx := range out {
		for g := 0; g < garbagePerKey; g++ {
			gkey := []byte(fmt.Sprintf("garbage-%05d-%02d", idx, g))
			require.NoError(t, ws.Remove(root, gkey))
		}
	}

	return out
}

// snapshotLocations records the current location of every live id
func snapshotLocations(db *Arbtrie) map[NodeID]uint64 {
	out := make(map[NodeID]uint64)

	for region := uint32(0); region < db.opts.MaxRegionCount; region++ {
		limit := db.ids.allocatedIndexes(region)

		for index := uint16(1); index < limit; index++ {
			id := makeNodeID(region, index)
			meta := db.ids.get(id)

			if metaRefCount(meta) > 0 { out[id] = metaLocation(meta) }
		}
	}

	return out
}

func compactThreshold(db *Arbtrie) uint64 {
	return db.opts.SegmentSize * db.opts.CompactThresholdNum / db.opts.CompactThresholdDenom
}

func drainCompaction(t *testing.T, db *Arbtrie) {
	for {
		moved, compactErr := db.CompactNextSegment()
		require.NoError(t, compactErr)
		if ! moved { return }
	}
}

func TestArbtrieCompaction(t *testing.T) {
	db := openTestStore(t)

	ws, wsErr := db.StartWriteSession()
	require.NoError(t, wsErr)

	root := ws.CreateRoot()
	require.NoError(t, db.SetRoot(0, root))

	keys := churn(t, ws, root, 300, 8)

	root.Release()
	require.NoError(t, ws.Close())

	m := db.arena.view()
	count := db.header.loadSegmentCount()
	require.Greater(t, count, uint64(3), "churn must span several segments")

	threshold := compactThreshold(db)

	sparse := 0
	for segNum := uint32(0); uint64(segNum) < count; segNum++ {
		if db.segs.segState(m, segNum) == segStateFinalized && db.header.loadFreeBytes(segNum) >= threshold { sparse++ }
	}
	require.Greater(t, sparse, 0, "churn must leave sparse finalized segments")

	before := snapshotLocations(db)

	t.Run("Drain Compaction Synchronously", func(t *testing.T) {
		drainCompaction(t, db)

		m = db.arena.view()
		for segNum := uint32(0); uint64(segNum) < count; segNum++ {
			if db.segs.segState(m, segNum) != segStateFinalized { continue }
			require.Less(t, db.header.loadFreeBytes(segNum), threshold, "no finalized segment may stay above the threshold")
		}
	})

	t.Run("Objects Physically Moved", func(t *testing.T) {
		after := snapshotLocations(db)

		movedCount := 0
		for id, location := range before {
			if newLocation, ok := after[id]; ok && newLocation != location { movedCount++ }
		}

		require.Greater(t, movedCount, 0, "evacuating sparse segments must relocate live objects")
	})

	t.Run("Values Survive Relocation", func(t *testing.T) {
		published, rootErr := db.GetRoot(0)
		require.NoError(t, rootErr)
		defer published.Release()

		rs, rsErr := db.StartReadSession()
		require.NoError(t, rsErr)
		defer rs.Close()

		for _, key := range keys {
			kvPair, getErr := rs.Get(published, key)
			require.NoError(t, getErr)
			require.NotNil(t, kvPair, "key lost during compaction")
			require.Equal(t, key, kvPair.Value)
		}

		count, countErr := rs.CountKeys(published, nil, nil)
		require.NoError(t, countErr)
		require.Equal(t, len(keys), count)
	})

	t.Run("Released Segments Are Recycled", func(t *testing.T) {
		require.Greater(t, db.header.loadEndPtr(), uint64(0), "compaction must post segments to the free ring")

		countBefore := db.header.loadSegmentCount()

		ws2, ws2Err := db.StartWriteSession()
		require.NoError(t, ws2Err)
		defer ws2.Close()

		scratch := ws2.CreateRoot()
		defer scratch.Release()

		for idx := 0; idx < 30; idx++ {
			require.NoError(t, ws2.Upsert(scratch, generateRandomBytes(t, 16), generateRandomBytes(t, 32)))
		}

		require.Equal(t, countBefore, db.header.loadSegmentCount(), "new writers must reuse recycled segments before growing the arena")
	})
}

func TestArbtrieCompactThread(t *testing.T) {
	db := openTestStore(t)

	ws, wsErr := db.StartWriteSession()
	require.NoError(t, wsErr)

	root := ws.CreateRoot()
	require.NoError(t, db.SetRoot(0, root))

	keys := churn(t, ws, root, 200, 6)

	root.Release()
	require.NoError(t, ws.Close())

	require.NoError(t, db.StartCompactThread())

	threshold := compactThreshold(db)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		m := db.arena.view()
		count := db.header.loadSegmentCount()

		drained := true
		for segNum := uint32(0); uint64(segNum) < count; segNum++ {
			if db.segs.segState(m, segNum) == segStateFinalized && db.header.loadFreeBytes(segNum) >= threshold { drained = false }
		}

		if drained { break }
		time.Sleep(20 * time.Millisecond)
	}

	db.StopCompactThread()

	published, rootErr := db.GetRoot(0)
	require.NoError(t, rootErr)
	defer published.Release()

	rs, rsErr := db.StartReadSession()
	require.NoError(t, rsErr)
	defer rs.Close()

	for _, key := range keys {
		kvPair, getErr := rs.Get(published, key)
		require.NoError(t, getErr)
		require.NotNil(t, kvPair)
		require.Equal(t, key, kvPair.Value)
	}
}

func TestArbtrieReadLockBlocksReuse(t *testing.T) {
	db := openTestStore(t)

	ws, wsErr := db.StartWriteSession()
	require.NoError(t, wsErr)

	root := ws.CreateRoot()
	require.NoError(t, db.SetRoot(0, root))

	churn(t, ws, root, 200, 6)

	root.Release()
	require.NoError(t, ws.Close())

	rs, rsErr := db.StartReadSession()
	require.NoError(t, rsErr)
	defer rs.Close()

	rl := rs.acquireReadLock()

	drainCompaction(t, db)
	require.Greater(t, db.header.loadEndPtr(), uint64(0))

	// with the read lock pinned at an endPtr snapshot taken before the releases, the pop side must
	// append fresh segments instead of recycling
	countBefore := db.header.loadSegmentCount()
	allocBefore := db.header.loadAllocPtr()

	ws2, ws2Err := db.StartWriteSession()
	require.NoError(t, ws2Err)
	defer ws2.Close()

	scratch := ws2.CreateRoot()
	defer scratch.Release()

	filler := generateRandomBytes(t, 1024)
	for idx := 0; idx < 100; idx++ {
		require.NoError(t, ws2.Upsert(scratch, generateRandomBytes(t, 16), filler))
	}

	require.Equal(t, allocBefore, db.header.loadAllocPtr(), "a held read lock must block ring pops")
	require.Greater(t, db.header.loadSegmentCount(), countBefore)

	rl.release()

	for idx := 0; idx < 100; idx++ {
		require.NoError(t, ws2.Upsert(scratch, generateRandomBytes(t, 16), filler))
	}

	require.Greater(t, db.header.loadAllocPtr(), allocBefore, "after the lock drops the ring drains")
}
