package arbtrie


//============================================= Arbtrie Recovery


// recover
//	Runs when the previous process did not shut down cleanly:
//	stale mutation lock bits are cleared and counted, segments orphaned in the active state are
//	finalized, the per segment free byte accounting is rebuilt from the meta words, and every
//	published top root is re-walked to validate structural invariants and rebuild node statistics.
func (db *Arbtrie) recover() error {
	lockClears := db.clearStaleLocks()
	db.header.storeLockClears(lockClears)

	db.finalizeOrphanSegments()

	rebuildErr := db.rebuildSegmentAccounting()
	if rebuildErr != nil { return rebuildErr }

	stats := NodeStats{}
	for slot := 0; slot < db.opts.NumTopRoots; slot++ {
		root := db.header.loadTopRoot(slot)
		if root == 0 { continue }

		walkErr := db.walkStats(root, 0, &stats)
		if walkErr != nil { return walkErr }
	}

	db.log.Infow(
		"recovery complete",
		"lockClears", lockClears,
		"binaryNodes", stats.Binary,
		"setlistNodes", stats.Setlist,
		"fullNodes", stats.Full,
		"valueNodes", stats.Value,
		"keys", stats.Keys,
	)

	return nil
}

// clearStaleLocks
//	Drop mutation lock bits left behind by a crashed writer. Returns how many were set.
func (db *Arbtrie) clearStaleLocks() uint64 {
	cleared := uint64(0)

	for region := uint32(0); region < db.opts.MaxRegionCount; region++ {
		limit := db.ids.allocatedIndexes(region)

		for index := uint16(1); index < limit; index++ {
			id := makeNodeID(region, index)

			if metaLocked(db.ids.get(id)) {
				db.ids.clearModifyLock(id)
				cleared++
			}
		}
	}

	return cleared
}

// finalizeOrphanSegments
//	Segments still marked active belonged to writer sessions that no longer exist.
func (db *Arbtrie) finalizeOrphanSegments() {
	m := db.arena.view()
	count := db.header.loadSegmentCount()

	for segNum := uint32(0); uint64(segNum) < count; segNum++ {
		if db.segs.segState(m, segNum) == segStateActive { db.segs.finalize(segNum) }
	}
}

// rebuildSegmentAccounting
//	Recompute freeBytes and freeObjects for every non released segment from the authoritative meta
//	words, restoring the invariant freeBytes == capacity - live bytes.
func (db *Arbtrie) rebuildSegmentAccounting() error {
	m := db.arena.view()
	count := db.header.loadSegmentCount()
	arenaSize := db.arena.size()

	liveBytes := make([]uint64, count)
	liveObjects := make([]uint64, count)

	for region := uint32(0); region < db.opts.MaxRegionCount; region++ {
		limit := db.ids.allocatedIndexes(region)

		for index := uint16(1); index < limit; index++ {
			id := makeNodeID(region, index)
			meta := db.ids.get(id)

			if metaRefCount(meta) == 0 { continue }

			location := metaLocation(meta)
			if location + objectHeaderSize > arenaSize { return ErrNodeInvariant }

			hdr := readObjectHeader(m, location)
			if hdr.id != id { return ErrNodeInvariant }

			segNum := db.segs.segmentForLocation(location)
			liveBytes[segNum] += objectSpan(hdr.size)
			liveObjects[segNum]++
		}
	}

	capacity := db.opts.SegmentSize - segmentHeaderSize
	for segNum := uint32(0); uint64(segNum) < count; segNum++ {
		if db.segs.segState(m, segNum) == segStateReleased { continue }

		db.header.storeFreeBytes(segNum, capacity - liveBytes[segNum])
		db.header.storeFreeObjects(segNum, uint64(db.segs.loadObjectCount(m, segNum)) - liveObjects[segNum])
	}

	return nil
}

// walkStats
//	Depth first walk of a trie validating invariants 1 through 4 and accumulating node statistics.
//	depth counts the levels below the walked root, which passes zero. The region rule is checked at
//	each inner node by comparing every child id's region with the node's own region.
func (db *Arbtrie) walkStats(id NodeID, depth int, stats *NodeStats) error {
	meta := db.ids.get(id)
	if metaRefCount(meta) == 0 { return ErrNodeInvariant }

	ref := db.deref(id)

	m := db.arena.view()
	hdr := readObjectHeader(m, ref.offset)
	if hdr.id != id || hdr.nodeType != ref.nodeType { return ErrNodeInvariant }

	stats.Bytes += objectSpan(hdr.size)

	switch ref.nodeType {
		case nodeBinary:
			stats.Binary++

			bn := binaryNode{ body: ref.body }
			stats.Keys += uint64(bn.numEntries())

			for idx := 0; idx < bn.numEntries(); idx++ {
				if idx > 0 && string(bn.entryKey(idx - 1)) >= string(bn.entryKey(idx)) { return ErrNodeInvariant }

				if bn.entryFlag(idx) != entryInline {
					walkErr := db.walkStats(bn.entryID(idx), depth + 1, stats)
					if walkErr != nil { return walkErr }
				}
			}
		case nodeValue:
			stats.Value++

			vn := valueNode{ body: ref.body }
			if vn.isSubtree() { return db.walkStats(vn.subtree(), depth + 1, stats) }
		case nodeSetlist, nodeFull:
			if ref.nodeType == nodeSetlist {
				stats.Setlist++
			} else { stats.Full++ }

			in := asInner(ref)

			branches := in.numBranches()
			if ref.nodeType == nodeFull && branches < FullNodeThreshold { return ErrNodeInvariant }
			if ref.nodeType == nodeSetlist && branches > maxSetlistBranches { return ErrNodeInvariant }

			if in.hasEof() {
				stats.Keys++

				walkErr := db.walkStats(in.eofValue(), depth + 1, stats)
				if walkErr != nil { return walkErr }
			}

			var walkErr error
			in.visitBranches(func(branch int, child NodeID) {
				if walkErr != nil { return }

				if child.region() == id.region() {
					walkErr = ErrNodeInvariant
					return
				}

				walkErr = db.walkStats(child, depth + 1, stats)
			})

			if walkErr != nil { return walkErr }
		default:
			return ErrNodeInvariant
	}

	return nil
}

// Stats
//	Walk every published top root and return aggregate node statistics.
func (db *Arbtrie) Stats() (NodeStats, error) {
	if ! db.opened { return NodeStats{}, ErrClosed }

	stats := NodeStats{}
	var walkErr error

	db.withReadPin(func() {
		for slot := 0; slot < db.opts.NumTopRoots; slot++ {
			root := db.header.loadTopRoot(slot)
			if root == 0 { continue }

			walkErr = db.walkStats(root, 0, &stats)
			if walkErr != nil { return }
		}
	})

	if walkErr != nil { return NodeStats{}, walkErr }
	return stats, nil
}

// HandleStats
//	Node statistics for a single trie.
func (db *Arbtrie) HandleStats(handle *NodeHandle) (NodeStats, error) {
	if ! db.opened { return NodeStats{}, ErrClosed }
	if handle.id == 0 { return NodeStats{}, nil }

	stats := NodeStats{}
	var walkErr error

	db.withReadPin(func() { walkErr = db.walkStats(handle.id, 0, &stats) })

	if walkErr != nil { return NodeStats{}, walkErr }
	return stats, nil
}
