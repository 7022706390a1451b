package arbtrie

import "sync/atomic"

import "github.com/sirgallo/utils"


//============================================= Arbtrie Sessions


// StartReadSession
//	Enroll a session slot for read-only operations. Sessions are not safe for concurrent use by
//	multiple goroutines; start one session per goroutine instead.
func (db *Arbtrie) StartReadSession() (*ReadSession, error) {
	if ! db.opened { return nil, ErrClosed }

	slot, enrollErr := db.sessions.enroll()
	if enrollErr != nil { return nil, enrollErr }

	return &ReadSession{ db: db, slot: slot }, nil
}

// StartWriteSession
//	Enroll a session slot for mutating operations. The session lazily claims an active allocation
//	segment on its first allocation and appends to it monotonically.
func (db *Arbtrie) StartWriteSession() (*WriteSession, error) {
	if ! db.opened { return nil, ErrClosed }

	slot, enrollErr := db.sessions.enroll()
	if enrollErr != nil { return nil, enrollErr }

	return &WriteSession{ ReadSession: ReadSession{ db: db, slot: slot } }, nil
}

// enroll
//	Claim a free session slot. Slot enrollment is the only mutex in the session path.
func (reg *sessionRegistry) enroll() (int, error) {
	reg.enrollMutex.Lock()
	defer reg.enrollMutex.Unlock()

	for slot := range reg.inUse {
		if ! reg.inUse[slot] {
			reg.inUse[slot] = true
			atomic.StoreUint64(&reg.readPtrs[slot], readPtrSentinel)

			return slot, nil
		}
	}

	return 0, ErrSessionLimit
}

func (reg *sessionRegistry) leave(slot int) {
	reg.enrollMutex.Lock()
	defer reg.enrollMutex.Unlock()

	atomic.StoreUint64(&reg.readPtrs[slot], readPtrSentinel)
	if slot < MaxSessionCount { reg.inUse[slot] = false }
}

// Close
//	Release the session slot. Any read lock still held is dropped.
func (rs *ReadSession) Close() error {
	if rs.closed { return nil }
	rs.closed = true

	rs.db.sessions.leave(rs.slot)
	rs.slot = utils.GetZero[int]()

	return nil
}

// Close
//	Finalize the active allocation segment so the compactor may consider it, then release the slot.
func (ws *WriteSession) Close() error {
	if ws.closed { return nil }

	if ws.hasSeg {
		ws.db.segs.finalize(ws.segNum)
		ws.hasSeg = false
	}

	return ws.ReadSession.Close()
}


//============================================= Read Lock


// lockDepth rides on the session so nested operations share one read pin
type readLock struct {
	session *ReadSession
}

// acquireReadLock
//	Publish the allocator's current endPtr as this session's read pointer. Segments released after
//	this point cannot be recycled until the lock is dropped. Reentrant within a session.
func (rs *ReadSession) acquireReadLock() readLock {
	if rs.lockDepth == 0 {
		atomic.StoreUint64(&rs.db.sessions.readPtrs[rs.slot], rs.db.header.loadEndPtr())
	}

	rs.lockDepth++
	return readLock{ session: rs }
}

func (rl readLock) release() {
	rl.session.lockDepth--
	if rl.session.lockDepth == 0 {
		atomic.StoreUint64(&rl.session.db.sessions.readPtrs[rl.session.slot], readPtrSentinel)
	}
}


//============================================= Write Session Allocation


// allocBytes
//	Append an object footprint to the active segment, rotating to a fresh segment when the
//	remainder cannot hold it.
func (ws *WriteSession) allocBytes(size uint32) (uint64, error) {
	total := objectSpan(size)
	if total > ws.db.opts.SegmentSize - segmentHeaderSize { return 0, ErrValueTooLarge }

	for {
		if ! ws.hasSeg {
			segNum, segErr := ws.db.segs.getNewSegment()
			if segErr != nil { return 0, segErr }

			ws.segNum = segNum
			ws.hasSeg = true
		}

		m := ws.db.arena.view()
		offset, ok := ws.db.segs.allocBytes(m, ws.segNum, total)
		if ok { return offset, nil }

		ws.db.segs.finalize(ws.segNum)
		ws.hasSeg = false
	}
}

// allocNode
//	Allocate arena bytes, assign a fresh id in the region and publish the meta word. The returned
//	body slice is valid under the session's read lock.
func (ws *WriteSession) allocNode(region uint32, nodeType uint8, size uint32) (NodeID, []byte, error) {
	offset, allocErr := ws.allocBytes(size)
	if allocErr != nil { return 0, nil, allocErr }

	id, idErr := ws.db.ids.newID(region, nodeType, offset)
	if idErr != nil { return 0, nil, idErr }

	m := ws.db.arena.view()
	writeObjectHeader(m, offset, objectHeader{ size: size, nodeType: nodeType, id: id })

	return id, m[offset + objectHeaderSize:offset + objectHeaderSize + uint64(size)], nil
}

// inActiveSegment
//	Whether a location falls inside the session's own unfinalized allocation segment. Only such
//	nodes may be mutated in place; everything older is frozen and visible to the compactor.
func (ws *WriteSession) inActiveSegment(location uint64) bool {
	return ws.hasSeg && ws.db.segs.segmentForLocation(location) == ws.segNum
}

// isUnique
//	A node may be mutated in place iff the session holds the only live reference and the node is
//	still in the session's active segment.
func (ws *WriteSession) isUnique(ref nodeRef) bool {
	return ws.db.refCount(ref.id) == 1 && ws.inActiveSegment(ref.offset)
}


//============================================= Node Constructors


// makeBinaryNode
//	A fresh empty bucket with the configured spare capacity policy.
func (ws *WriteSession) makeBinaryNode(region uint32, capEntries int, dataCap int) (NodeID, binaryNode, error) {
	id, body, allocErr := ws.allocNode(region, nodeBinary, binarySize(capEntries, dataCap))
	if allocErr != nil { return 0, binaryNode{}, allocErr }

	initBinary(body, capEntries, dataCap)
	return id, binaryNode{ body: body }, nil
}

// makeValueNode
//	A terminal value node holding the byte string.
func (ws *WriteSession) makeValueNode(region uint32, val []byte) (NodeID, error) {
	id, body, allocErr := ws.allocNode(region, nodeValue, valueNodeSize(len(val)))
	if allocErr != nil { return 0, allocErr }

	initValueBytes(body, val)
	return id, nil
}

// makeSetlistNode
//	A fresh setlist with the given prefix, branch region and slot capacity.
func (ws *WriteSession) makeSetlistNode(region uint32, prefix []byte, branchRegion uint32, capBranches int) (NodeID, innerNode, error) {
	if capBranches > maxSetlistBranches { capBranches = maxSetlistBranches }

	id, body, allocErr := ws.allocNode(region, nodeSetlist, setlistSize(len(prefix), capBranches))
	if allocErr != nil { return 0, innerNode{}, allocErr }

	initInner(body, prefix, branchRegion, capBranches)
	return id, innerNode{ nodeType: nodeSetlist, body: body }, nil
}

// makeFullNode
//	A fresh 256 way inner node with the given prefix and branch region.
func (ws *WriteSession) makeFullNode(region uint32, prefix []byte, branchRegion uint32) (NodeID, innerNode, error) {
	id, body, allocErr := ws.allocNode(region, nodeFull, fullSize(len(prefix)))
	if allocErr != nil { return 0, innerNode{}, allocErr }

	initInner(body, prefix, branchRegion, fullNodeBranches)
	return id, innerNode{ nodeType: nodeFull, body: body }, nil
}


//============================================= Node Clones


// cloneBinaryNode
//	Copy a bucket into fresh bytes with the given capacities, compacting its heap and skipping the
//	entry at excludeIdx when >= 0. Stored ids carried over are retained, so the source node keeps
//	its own references and may be released independently.
func (ws *WriteSession) cloneBinaryNode(src binaryNode, srcID NodeID, capEntries int, dataCap int, excludeIdx int) (NodeID, binaryNode, error) {
	id, bn, allocErr := ws.makeBinaryNode(srcID.region(), capEntries, dataCap)
	if allocErr != nil { return 0, binaryNode{}, allocErr }

	out := 0
	for idx := 0; idx < src.numEntries(); idx++ {
		if idx == excludeIdx { continue }

		flag := src.entryFlag(idx)
		if flag != entryInline {
			retainErr := ws.db.ids.retain(src.entryID(idx))
			if retainErr != nil {
				ws.unwindClone(id, bn, out)
				return 0, binaryNode{}, retainErr
			}
		}

		bn.insertEntry(out, src.entryKey(idx), flag, src.entryStored(idx))
		out++
	}

	return id, bn, nil
}

// unwindClone
//	Roll back a partially built binary clone after a retain failure.
func (ws *WriteSession) unwindClone(id NodeID, bn binaryNode, built int) {
	for idx := 0; idx < built; idx++ {
		if bn.entryFlag(idx) != entryInline { ws.db.releaseNode(bn.entryID(idx)) }
	}

	bn.setNumEntries(0)
	ws.db.releaseNode(id)
}

// cloneInnerNode
//	Copy a setlist or full node into fresh bytes in the same region, preserving its branch region
//	and retaining every child and the eof value. extraSlots widens a setlist's spare capacity.
func (ws *WriteSession) cloneInnerNode(src innerNode, srcID NodeID, extraSlots int) (NodeID, innerNode, error) {
	return ws.cloneInnerWith(src, srcID.region(), src.getPrefix(), extraSlots)
}

// cloneInnerWith
//	The general clone: target region and prefix may differ from the source, which is how a prefix
//	split relocates the surviving node under its new parent.
func (ws *WriteSession) cloneInnerWith(src innerNode, region uint32, prefix []byte, extraSlots int) (NodeID, innerNode, error) {
	var id NodeID
	var clone innerNode
	var allocErr error

	if src.nodeType == nodeFull {
		id, clone, allocErr = ws.makeFullNode(region, prefix, src.branchRegion())
	} else {
		capBranches := src.numBranches() + extraSlots + setlistSpareSlots
		id, clone, allocErr = ws.makeSetlistNode(region, prefix, src.branchRegion(), capBranches)
	}

	if allocErr != nil { return 0, innerNode{}, allocErr }

	copyErr := ws.copyInnerContents(src, clone)
	if copyErr != nil {
		ws.db.releaseNode(id)
		return 0, innerNode{}, copyErr
	}

	return id, clone, nil
}

// copyInnerContents
//	Retain and copy branches plus the eof value from src into a freshly initialized inner node.
func (ws *WriteSession) copyInnerContents(src innerNode, dst innerNode) error {
	var retainErr error

	if src.hasEof() {
		retainErr = ws.db.ids.retain(src.eofValue())
		if retainErr != nil { return retainErr }

		dst.setEofValue(src.eofValue(), src.eofIsSubtree())
	}

	src.visitBranches(func(branch int, child NodeID) {
		if retainErr != nil { return }

		childErr := ws.db.ids.retain(child)
		if childErr != nil {
			retainErr = childErr
			return
		}

		dst.addBranch(branch, child)
	})

	return retainErr
}
