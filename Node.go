package arbtrie

import "sort"


//============================================= Arbtrie Nodes


// nodeRef
//	A borrowed view of a node's bytes, valid while the session's read lock is held.
//	Parents refer to children by id, never by offset, so a ref is always re-derived through the
//	meta word and remains correct across compactor relocations.
type nodeRef struct {
	id NodeID
	nodeType uint8
	offset uint64
	body []byte
}

// deref
//	Resolve an id to its current bytes through the meta word.
//	The arena view is loaded fresh on every deref so that offsets past an older mapping's length
//	stay reachable after growth.
func (db *Arbtrie) deref(id NodeID) nodeRef {
	m := db.arena.view()
	meta := db.ids.get(id)
	location := metaLocation(meta)
	hdr := readObjectHeader(m, location)

	return nodeRef{
		id: id,
		nodeType: metaType(meta),
		offset: location,
		body: m[location + objectHeaderSize:location + objectHeaderSize + uint64(hdr.size)],
	}
}

// refCount
//	The current reference count of an id.
func (db *Arbtrie) refCount(id NodeID) uint64 {
	return metaRefCount(db.ids.get(id))
}

// releaseNode
//	Drop one reference to id. On reaching zero the node's children are released recursively, its
//	bytes are accounted as freed in the owning segment and the id returns to the allocator.
func (db *Arbtrie) releaseNode(id NodeID) {
	if id == 0 { return }

	meta := db.ids.release(id)
	if metaRefCount(meta) != 0 { return }

	m := db.arena.view()
	location := metaLocation(meta)
	nodeType := metaType(meta)
	hdr := readObjectHeader(m, location)
	body := m[location + objectHeaderSize:location + objectHeaderSize + uint64(hdr.size)]

	switch nodeType {
		case nodeValue:
			vn := valueNode{ body: body }
			if vn.isSubtree() { db.releaseNode(vn.subtree()) }
		case nodeBinary:
			bn := binaryNode{ body: body }
			for idx := 0; idx < bn.numEntries(); idx++ {
				if bn.entryFlag(idx) != entryInline { db.releaseNode(bn.entryID(idx)) }
			}
		case nodeSetlist, nodeFull:
			in := innerNode{ nodeType: nodeType, body: body }
			if in.hasEof() { db.releaseNode(in.eofValue()) }
			in.visitBranches(func(branch int, child NodeID) { db.releaseNode(child) })
	}

	segNum := db.segs.segmentForLocation(location)
	db.segs.free(segNum, objectSpan(hdr.size))
	db.segs.freeObject(segNum)
	db.ids.freeID(id)
}


//============================================= Inner Node Contract


// shared head layout of setlist and full nodes:
//	0:2 prefixLen, 2:4 numBranches, 4:6 capBranches, 6:7 flags, 7:8 pad, 8:12 branchRegion,
//	12:20 eofValue id, 20:20+prefixLen prefix bytes
//	setlist: branch bytes [capBranches], then child ids [capBranches]*8
//	full: child ids [256]*8 indexed directly by branch byte
const (
	innerPrefixLenIdx = 0
	innerNumBranchesIdx = 2
	innerCapBranchesIdx = 4
	innerFlagsIdx = 6
	innerBranchRegionIdx = 8
	innerEofValueIdx = 12
	innerHeadSize = 20
)

const (
	innerFlagHasEof = uint8(1)
	innerFlagEofSubtree = uint8(2)
)

// setlist spare slot policy and the full node's fixed arity
const (
	setlistSpareSlots = 4
	maxSetlistBranches = FullNodeThreshold - 1
	fullNodeBranches = 256
)

// innerNode
//	A view over a setlist or full node body implementing the shared inner node contract.
//	Branch bytes in a setlist are kept strictly ascending.
type innerNode struct {
	nodeType uint8
	body []byte
}

func setlistSize(prefixLen int, capBranches int) uint32 {
	return uint32(innerHeadSize + prefixLen + capBranches + capBranches * 8)
}

func fullSize(prefixLen int) uint32 {
	return uint32(innerHeadSize + prefixLen + fullNodeBranches * 8)
}

// initInner
//	Place the shared head into freshly allocated bytes.
func initInner(body []byte, prefix []byte, branchRegion uint32, capBranches int) {
	putUint16(body, innerPrefixLenIdx, uint16(len(prefix)))
	putUint16(body, innerNumBranchesIdx, 0)
	putUint16(body, innerCapBranchesIdx, uint16(capBranches))
	body[innerFlagsIdx] = 0
	body[innerFlagsIdx + 1] = 0
	putUint32(body, innerBranchRegionIdx, branchRegion & 0xFFFFFF)
	putID(body, innerEofValueIdx, 0)
	copy(body[innerHeadSize:], prefix)

	for idx := innerHeadSize + len(prefix); idx < len(body); idx++ { body[idx] = 0 }
}

func (in innerNode) prefixLen() int {
	return int(getUint16(in.body, innerPrefixLenIdx))
}

func (in innerNode) getPrefix() []byte {
	return in.body[innerHeadSize:innerHeadSize + in.prefixLen()]
}

func (in innerNode) numBranches() int {
	return int(getUint16(in.body, innerNumBranchesIdx))
}

func (in innerNode) setNumBranches(n int) {
	putUint16(in.body, innerNumBranchesIdx, uint16(n))
}

func (in innerNode) capBranches() int {
	if in.nodeType == nodeFull { return fullNodeBranches }
	return int(getUint16(in.body, innerCapBranchesIdx))
}

func (in innerNode) hasEofValue() bool {
	return in.body[innerFlagsIdx] & innerFlagHasEof != 0
}

func (in innerNode) hasEof() bool {
	return in.hasEofValue()
}

func (in innerNode) eofIsSubtree() bool {
	return in.body[innerFlagsIdx] & innerFlagEofSubtree != 0
}

func (in innerNode) eofValue() NodeID {
	return getID(in.body, innerEofValueIdx)
}

func (in innerNode) setEofValue(id NodeID, isSubtree bool) {
	flags := in.body[innerFlagsIdx] | innerFlagHasEof
	if isSubtree {
		flags |= innerFlagEofSubtree
	} else { flags &^= innerFlagEofSubtree }

	in.body[innerFlagsIdx] = flags
	putID(in.body, innerEofValueIdx, id)
}

func (in innerNode) clearEofValue() {
	in.body[innerFlagsIdx] &^= innerFlagHasEof | innerFlagEofSubtree
	putID(in.body, innerEofValueIdx, 0)
}

// branchRegion
//	The region every child id of this node must live in.
func (in innerNode) branchRegion() uint32 {
	return getUint32(in.body, innerBranchRegionIdx) & 0xFFFFFF
}

func (in innerNode) setlistBytesIdx() int {
	return innerHeadSize + in.prefixLen()
}

func (in innerNode) setlistIDsIdx() int {
	return in.setlistBytesIdx() + in.capBranches()
}

func (in innerNode) fullIDsIdx() int {
	return innerHeadSize + in.prefixLen()
}

// setlistPos
//	The position of branch byte b in the ascending branch list and whether it is present.
func (in innerNode) setlistPos(b int) (int, bool) {
	n := in.numBranches()
	base := in.setlistBytesIdx()

	pos := sort.Search(n, func(idx int) bool {
		return int(in.body[base + idx]) >= b
	})

	if pos < n && int(in.body[base + pos]) == b { return pos, true }
	return pos, false
}

func (in innerNode) setlistByteAt(pos int) int {
	return int(in.body[in.setlistBytesIdx() + pos])
}

func (in innerNode) setlistChildAt(pos int) NodeID {
	return getID(in.body, in.setlistIDsIdx() + pos * 8)
}

// getBranch
//	The child id at branch byte b, or zero when absent.
func (in innerNode) getBranch(b int) NodeID {
	if in.nodeType == nodeFull { return getID(in.body, in.fullIDsIdx() + b * 8) }

	pos, found := in.setlistPos(b)
	if ! found { return 0 }

	return in.setlistChildAt(pos)
}

// setBranch
//	Replace the child at an existing branch. Mutable, only under refcount 1.
func (in innerNode) setBranch(b int, id NodeID) {
	if in.nodeType == nodeFull {
		putID(in.body, in.fullIDsIdx() + b * 8, id)
		return
	}

	pos, found := in.setlistPos(b)
	if found { putID(in.body, in.setlistIDsIdx() + pos * 8, id) }
}

// addBranch
//	Insert a new branch keeping the list ascending. Mutable, only under refcount 1 with a spare slot.
func (in innerNode) addBranch(b int, id NodeID) {
	if in.nodeType == nodeFull {
		putID(in.body, in.fullIDsIdx() + b * 8, id)
		in.setNumBranches(in.numBranches() + 1)
		return
	}

	n := in.numBranches()
	pos, _ := in.setlistPos(b)

	bytesBase := in.setlistBytesIdx()
	idsBase := in.setlistIDsIdx()

	copy(in.body[bytesBase + pos + 1:bytesBase + n + 1], in.body[bytesBase + pos:bytesBase + n])
	in.body[bytesBase + pos] = byte(b)

	copy(in.body[idsBase + (pos + 1) * 8:idsBase + (n + 1) * 8], in.body[idsBase + pos * 8:idsBase + n * 8])
	putID(in.body, idsBase + pos * 8, id)

	in.setNumBranches(n + 1)
}

// removeBranch
//	Remove an existing branch. Mutable, only under refcount 1.
func (in innerNode) removeBranch(b int) {
	if in.nodeType == nodeFull {
		putID(in.body, in.fullIDsIdx() + b * 8, 0)
		in.setNumBranches(in.numBranches() - 1)
		return
	}

	n := in.numBranches()
	pos, found := in.setlistPos(b)
	if ! found { return }

	bytesBase := in.setlistBytesIdx()
	idsBase := in.setlistIDsIdx()

	copy(in.body[bytesBase + pos:bytesBase + n - 1], in.body[bytesBase + pos + 1:bytesBase + n])
	copy(in.body[idsBase + pos * 8:idsBase + (n - 1) * 8], in.body[idsBase + (pos + 1) * 8:idsBase + n * 8])

	in.setNumBranches(n - 1)
}

// canAddBranch
//	Whether a spare slot is available for an in place addBranch.
func (in innerNode) canAddBranch() bool {
	return in.numBranches() < in.capBranches()
}

// visitBranches
//	Iterate all present (branch byte, child id) pairs in ascending order.
func (in innerNode) visitBranches(fn func(branch int, child NodeID)) {
	if in.nodeType == nodeFull {
		base := in.fullIDsIdx()
		for b := 0; b < fullNodeBranches; b++ {
			child := getID(in.body, base + b * 8)
			if child != 0 { fn(b, child) }
		}

		return
	}

	n := in.numBranches()
	for pos := 0; pos < n; pos++ { fn(in.setlistByteAt(pos), in.setlistChildAt(pos)) }
}

// nextBranch
//	The smallest present branch byte >= from, or -1 when none remains.
func (in innerNode) nextBranch(from int) (int, NodeID) {
	if in.nodeType == nodeFull {
		base := in.fullIDsIdx()
		for b := from; b < fullNodeBranches; b++ {
			child := getID(in.body, base + b * 8)
			if child != 0 { return b, child }
		}

		return -1, 0
	}

	pos, _ := in.setlistPos(from)
	if pos >= in.numBranches() { return -1, 0 }

	return in.setlistByteAt(pos), in.setlistChildAt(pos)
}

// prevBranch
//	The largest present branch byte <= from, or -1 when none remains.
func (in innerNode) prevBranch(from int) (int, NodeID) {
	if in.nodeType == nodeFull {
		base := in.fullIDsIdx()
		for b := from; b >= 0; b-- {
			child := getID(in.body, base + b * 8)
			if child != 0 { return b, child }
		}

		return -1, 0
	}

	pos, found := in.setlistPos(from)
	if ! found { pos-- }
	if pos < 0 || in.numBranches() == 0 { return -1, 0 }
	if pos >= in.numBranches() { pos = in.numBranches() - 1 }

	return in.setlistByteAt(pos), in.setlistChildAt(pos)
}

// asInner
//	View a setlist or full ref through the inner node contract.
func asInner(ref nodeRef) innerNode {
	return innerNode{ nodeType: ref.nodeType, body: ref.body }
}
