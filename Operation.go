package arbtrie

import "bytes"


//============================================= Arbtrie Operations


// valueSpec carries the payload of a mutation: inline bytes or the root id of a nested trie
type valueSpec struct {
	data []byte
	subtree NodeID
	isSubtree bool
}

// storedLen
//	Bytes the payload occupies inside a binary bucket entry: inline bytes, or an 8 byte id when the
//	payload spills to a value node or references a subtree.
func (val valueSpec) storedLen() int {
	if val.isSubtree || len(val.data) > MaxInlineValueSize { return 8 }
	return len(val.data)
}

// Upsert inserts or updates a key-value pair in the trie rooted at the handle.
//	The operation descends copy-on-write: nodes holding their only live reference inside the
//	session's active segment are mutated in place, everything else is cloned along the path.
//	On success the handle owns the new root; on error the handle is unchanged.
func (ws *WriteSession) Upsert(handle *NodeHandle, key, value []byte) error {
	return ws.apply(handle, key, valueSpec{ data: value }, opUpsert)
}

// Insert inserts a key that must not already exist.
func (ws *WriteSession) Insert(handle *NodeHandle, key, value []byte) error {
	return ws.apply(handle, key, valueSpec{ data: value }, opInsert)
}

// Update updates a key that must already exist.
func (ws *WriteSession) Update(handle *NodeHandle, key, value []byte) error {
	return ws.apply(handle, key, valueSpec{ data: value }, opUpdate)
}

// Remove removes a key that must already exist.
func (ws *WriteSession) Remove(handle *NodeHandle, key []byte) error {
	return ws.apply(handle, key, valueSpec{}, opRemove)
}

// UpsertSubtree stores another trie's root as the value of key, enabling versioned nesting.
//	The subtree handle keeps its own reference; the stored tree gains one.
func (ws *WriteSession) UpsertSubtree(handle *NodeHandle, key []byte, subtree *NodeHandle) error {
	retainErr := ws.db.ids.retain(subtree.id)
	if retainErr != nil { return retainErr }

	applyErr := ws.apply(handle, key, valueSpec{ subtree: subtree.id, isSubtree: true }, opUpsert)
	if applyErr != nil {
		ws.db.releaseNode(subtree.id)
		return applyErr
	}

	return nil
}

const (
	opUpsert = 0
	opInsert = 1
	opUpdate = 2
	opRemove = 3
)

// apply
//	Shared entry for all mutations: validate the key, pre-check the structural modes against the
//	current tree, then run the copy-on-write descent under the session's read lock.
func (ws *WriteSession) apply(handle *NodeHandle, key []byte, val valueSpec, op int) error {
	if ws.closed { return ErrClosed }
	if len(key) > MaxKeyLen { return ErrKeyTooLarge }

	rl := ws.acquireReadLock()
	defer rl.release()

	switch op {
		case opInsert:
			if ws.db.lookup(handle.id, key).found { return ErrKeyExists }
		case opUpdate, opRemove:
			if ! ws.db.lookup(handle.id, key).found { return ErrKeyNotFound }
	}

	newRoot, upsertErr := ws.upsertNode(handle.id, ws.rootRegion(), key, val, op == opRemove)
	if upsertErr != nil { return upsertErr }

	handle.id = newRoot
	return nil
}

// rootRegion
//	The allocation region for root level nodes of this session's trees.
func (ws *WriteSession) rootRegion() uint32 {
	if ! ws.hasRootRegion {
		ws.region = ws.db.ids.newRegion()
		ws.hasRootRegion = true
	}

	return ws.region
}

// upsertNode
//	The generic descent. Takes ownership of one reference to id and returns an owned reference to
//	the resulting node; zero means the subtree vanished. Dispatches on the runtime node type.
func (ws *WriteSession) upsertNode(id NodeID, region uint32, key []byte, val valueSpec, remove bool) (NodeID, error) {
	if id == 0 {
		if remove { return 0, nil }
		return ws.makeBinaryLeafNode(region, key, val)
	}

	ref := ws.db.deref(id)
	if ref.nodeType == nodeBinary { return ws.upsertBinary(ref, region, key, val, remove) }

	return ws.upsertInner(ref, region, key, val, remove)
}


//============================================= Binary Node Upsert


// encodeStored
//	Materialize a payload for storage inside a bucket entry: inline bytes stay as they are, larger
//	payloads spill into a value node, subtrees store their root id.
func (ws *WriteSession) encodeStored(region uint32, val valueSpec) (uint8, []byte, error) {
	if val.isSubtree {
		var buf [8]byte
		putID(buf[:], 0, val.subtree)

		return entrySubtree, buf[:], nil
	}

	if len(val.data) <= MaxInlineValueSize { return entryInline, val.data, nil }

	valueID, valueErr := ws.makeValueNode(region, val.data)
	if valueErr != nil { return 0, nil, valueErr }

	var buf [8]byte
	putID(buf[:], 0, valueID)

	return entryValueNode, buf[:], nil
}

// makeBinaryLeafNode
//	The default ingestion shape: a one entry bucket holding the residual key.
func (ws *WriteSession) makeBinaryLeafNode(region uint32, key []byte, val valueSpec) (NodeID, error) {
	flag, stored, encodeErr := ws.encodeStored(region, val)
	if encodeErr != nil { return 0, encodeErr }

	span := binaryEntrySpan(len(key), len(stored))
	dataCap := BinaryNodeInitialSize
	if span > dataCap { dataCap = span }

	id, bn, allocErr := ws.makeBinaryNode(region, BinaryNodeInitialEntryCap, dataCap)
	if allocErr != nil { return 0, allocErr }

	bn.insertEntry(0, key, flag, stored)
	return id, nil
}

// upsertBinary
//	Sorted bucket upsert with the in place value rewrite rules and the overflow refactor.
func (ws *WriteSession) upsertBinary(ref nodeRef, region uint32, key []byte, val valueSpec, remove bool) (NodeID, error) {
	bn := binaryNode{ body: ref.body }
	unique := ws.isUnique(ref)
	idx, found := bn.lowerBound(key)

	if remove {
		if ! found { return ref.id, nil }

		if bn.numEntries() == 1 {
			ws.db.releaseNode(ref.id)
			return 0, nil
		}

		if unique {
			ws.db.ids.setModifyLock(ref.id)
			if bn.entryFlag(idx) != entryInline { ws.db.releaseNode(bn.entryID(idx)) }
			bn.removeEntry(idx)
			ws.db.ids.clearModifyLock(ref.id)

			return ref.id, nil
		}

		dataCap := bn.liveDataBytes()
		if dataCap < BinaryNodeInitialSize { dataCap = BinaryNodeInitialSize }

		cloneID, _, cloneErr := ws.cloneBinaryNode(bn, ref.id, bn.capEntries(), dataCap, idx)
		if cloneErr != nil { return 0, cloneErr }

		ws.db.releaseNode(ref.id)
		return cloneID, nil
	}

	if found {
		var oldID NodeID
		if bn.entryFlag(idx) != entryInline { oldID = bn.entryID(idx) }

		flag, stored, encodeErr := ws.encodeStored(ref.id.region(), val)
		if encodeErr != nil { return 0, encodeErr }

		if unique {
			ws.db.ids.setModifyLock(ref.id)
			replaced := bn.replaceStored(idx, flag, stored)
			ws.db.ids.clearModifyLock(ref.id)

			if replaced {
				if oldID != 0 { ws.db.releaseNode(oldID) }
				return ref.id, nil
			}
		}

		need := bn.liveDataBytes() - binaryEntrySpan(len(key), bn.entryStoredLen(idx)) + binaryEntrySpan(len(key), len(stored))
		if need < BinaryNodeInitialSize { need = BinaryNodeInitialSize }

		cloneID, clone, cloneErr := ws.cloneBinaryNode(bn, ref.id, bn.capEntries(), need, idx)
		if cloneErr != nil {
			if flag == entryValueNode { ws.db.releaseNode(getID(stored, 0)) }
			return 0, cloneErr
		}

		pos, _ := clone.lowerBound(key)
		clone.insertEntry(pos, key, flag, stored)

		ws.db.releaseNode(ref.id)
		return cloneID, nil
	}

	if bn.insertRequiresRefactor(len(key), val.storedLen()) {
		innerID, refactorErr := ws.refactorBinary(ref)
		if refactorErr != nil { return 0, refactorErr }

		return ws.upsertNode(innerID, region, key, val, false)
	}

	flag, stored, encodeErr := ws.encodeStored(ref.id.region(), val)
	if encodeErr != nil { return 0, encodeErr }

	if unique && bn.canInsert(len(key), len(stored)) {
		ws.db.ids.setModifyLock(ref.id)
		bn.insertEntry(idx, key, flag, stored)
		ws.db.ids.clearModifyLock(ref.id)

		return ref.id, nil
	}

	capEntries := bn.capEntries()
	if bn.numEntries() + 1 > capEntries {
		capEntries = capEntries * 2
		if capEntries > MaxBinaryNodeEntries { capEntries = MaxBinaryNodeEntries }
	}

	dataCap := bn.liveDataBytes() + binaryEntrySpan(len(key), len(stored))
	if dataCap < BinaryNodeInitialSize { dataCap = BinaryNodeInitialSize }

	cloneID, clone, cloneErr := ws.cloneBinaryNode(bn, ref.id, capEntries, dataCap, -1)
	if cloneErr != nil {
		if flag == entryValueNode { ws.db.releaseNode(getID(stored, 0)) }
		return 0, cloneErr
	}

	pos, _ := clone.lowerBound(key)
	clone.insertEntry(pos, key, flag, stored)

	ws.db.releaseNode(ref.id)
	return cloneID, nil
}

// refactorBinary
//	Convert an overflowing bucket into an inner node over the first differing byte, splitting the
//	entries into per branch sub buckets. The entry whose key equals the shared prefix becomes the
//	end-of-key value.
func (ws *WriteSession) refactorBinary(ref nodeRef) (NodeID, error) {
	bn := binaryNode{ body: ref.body }
	n := bn.numEntries()

	c := commonPrefixLen(bn.entryKey(0), bn.entryKey(n - 1))
	cpre := append([]byte(nil), bn.entryKey(0)[:c]...)

	eofIdx := -1
	distinct := 0
	lastByte := -1
	for idx := 0; idx < n; idx++ {
		key := bn.entryKey(idx)
		if len(key) == c {
			eofIdx = idx
			continue
		}

		if int(key[c]) != lastByte {
			lastByte = int(key[c])
			distinct++
		}
	}

	branchRegion := ws.db.ids.newRegion(ref.id.region())

	var innerID NodeID
	var inner innerNode
	var allocErr error

	if distinct >= FullNodeThreshold {
		innerID, inner, allocErr = ws.makeFullNode(ref.id.region(), cpre, branchRegion)
	} else {
		innerID, inner, allocErr = ws.makeSetlistNode(ref.id.region(), cpre, branchRegion, distinct + setlistSpareSlots)
	}

	if allocErr != nil { return 0, allocErr }

	if eofIdx >= 0 {
		eofErr := ws.refactorEofEntry(bn, eofIdx, branchRegion, inner)
		if eofErr != nil { return 0, eofErr }
	}

	start := 0
	if eofIdx == 0 { start = 1 }

	for start < n {
		b := int(bn.entryKey(start)[c])

		end := start
		for end < n && end != eofIdx && int(bn.entryKey(end)[c]) == b { end++ }

		subID, subErr := ws.refactorGroup(bn, start, end, c, branchRegion)
		if subErr != nil { return 0, subErr }

		inner.addBranch(b, subID)

		start = end
		if start == eofIdx { start++ }
	}

	ws.db.releaseNode(ref.id)
	return innerID, nil
}

// refactorEofEntry
//	Move the exact-prefix entry of a splitting bucket into the inner node's end-of-key slot.
func (ws *WriteSession) refactorEofEntry(bn binaryNode, eofIdx int, branchRegion uint32, inner innerNode) error {
	switch bn.entryFlag(eofIdx) {
		case entryInline:
			valueID, valueErr := ws.makeValueNode(branchRegion, bn.entryStored(eofIdx))
			if valueErr != nil { return valueErr }

			inner.setEofValue(valueID, false)
		case entryValueNode:
			retainErr := ws.db.ids.retain(bn.entryID(eofIdx))
			if retainErr != nil { return retainErr }

			inner.setEofValue(bn.entryID(eofIdx), false)
		case entrySubtree:
			retainErr := ws.db.ids.retain(bn.entryID(eofIdx))
			if retainErr != nil { return retainErr }

			inner.setEofValue(bn.entryID(eofIdx), true)
	}

	return nil
}

// refactorGroup
//	Build the sub bucket for one branch byte out of the contiguous entry range [start, end).
func (ws *WriteSession) refactorGroup(bn binaryNode, start, end, c int, branchRegion uint32) (NodeID, error) {
	count := end - start

	need := 0
	for idx := start; idx < end; idx++ {
		need += binaryEntrySpan(len(bn.entryKey(idx)) - c - 1, bn.entryStoredLen(idx))
	}

	capEntries := count + 8
	if capEntries > MaxBinaryNodeEntries { capEntries = MaxBinaryNodeEntries }

	dataCap := need + 256

	subID, sub, allocErr := ws.makeBinaryNode(branchRegion, capEntries, dataCap)
	if allocErr != nil { return 0, allocErr }

	out := 0
	for idx := start; idx < end; idx++ {
		flag := bn.entryFlag(idx)
		if flag != entryInline {
			retainErr := ws.db.ids.retain(bn.entryID(idx))
			if retainErr != nil {
				ws.unwindClone(subID, sub, out)
				return 0, retainErr
			}
		}

		sub.insertEntry(out, bn.entryKey(idx)[c + 1:], flag, bn.entryStored(idx))
		out++
	}

	return subID, nil
}


//============================================= Inner Node Upsert


// encodeEofValue
//	Materialize a payload for an inner node's end-of-key slot.
func (ws *WriteSession) encodeEofValue(region uint32, val valueSpec) (NodeID, bool, error) {
	if val.isSubtree { return val.subtree, true, nil }

	valueID, valueErr := ws.makeValueNode(region, val.data)
	if valueErr != nil { return 0, false, valueErr }

	return valueID, false, nil
}

// upsertInner
//	The shared setlist/full descent. Shared nodes are privatized by a clone up front, after which
//	the node is mutable and recursion transfers its child references.
func (ws *WriteSession) upsertInner(ref nodeRef, region uint32, key []byte, val valueSpec, remove bool) (NodeID, error) {
	in := asInner(ref)
	prefix := in.getPrefix()
	c := commonPrefixLen(prefix, key)

	if c < len(prefix) {
		if remove { return ref.id, nil }
		return ws.splitPrefix(ref, region, c, key, val)
	}

	if ! ws.isUnique(ref) {
		cloneID, _, cloneErr := ws.cloneInnerNode(in, ref.id, 0)
		if cloneErr != nil { return 0, cloneErr }

		ws.db.releaseNode(ref.id)
		ref = ws.db.deref(cloneID)
		in = asInner(ref)
	}

	if len(key) == c { return ws.upsertInnerEof(ref, in, val, remove) }

	b := int(key[c])
	rest := key[c + 1:]
	child := in.getBranch(b)

	if child == 0 {
		if remove { return ref.id, nil }

		leafID, leafErr := ws.makeBinaryLeafNode(in.branchRegion(), rest, val)
		if leafErr != nil { return 0, leafErr }

		if in.canAddBranch() {
			in.addBranch(b, leafID)
			return ref.id, nil
		}

		if ref.nodeType == nodeSetlist && in.numBranches() + 1 >= FullNodeThreshold {
			return ws.promoteToFull(ref, b, leafID)
		}

		cloneID, clone, cloneErr := ws.cloneInnerNode(in, ref.id, setlistSpareSlots)
		if cloneErr != nil {
			ws.db.releaseNode(leafID)
			return 0, cloneErr
		}

		clone.addBranch(b, leafID)
		ws.db.releaseNode(ref.id)

		return cloneID, nil
	}

	newChild, childErr := ws.upsertNode(child, in.branchRegion(), rest, val, remove)
	if childErr != nil { return 0, childErr }

	if newChild == child { return ref.id, nil }

	if newChild == 0 {
		in.removeBranch(b)

		if in.numBranches() == 0 && ! in.hasEof() {
			ws.db.releaseNode(ref.id)
			return 0, nil
		}

		if ref.nodeType == nodeFull && in.numBranches() < FullNodeThreshold { return ws.demoteToSetlist(ref) }
		return ref.id, nil
	}

	in.setBranch(b, newChild)
	return ref.id, nil
}

// upsertInnerEof
//	The operation targets the end-of-key slot of a mutable inner node.
func (ws *WriteSession) upsertInnerEof(ref nodeRef, in innerNode, val valueSpec, remove bool) (NodeID, error) {
	if remove {
		if ! in.hasEof() { return ref.id, nil }

		ws.db.releaseNode(in.eofValue())
		in.clearEofValue()

		if in.numBranches() == 0 {
			ws.db.releaseNode(ref.id)
			return 0, nil
		}

		return ref.id, nil
	}

	eofID, isSubtree, eofErr := ws.encodeEofValue(in.branchRegion(), val)
	if eofErr != nil { return 0, eofErr }

	if in.hasEof() { ws.db.releaseNode(in.eofValue()) }
	in.setEofValue(eofID, isSubtree)

	return ref.id, nil
}

// splitPrefix
//	Case B of the inner upsert: the key diverges inside the node's prefix. The existing node
//	becomes a child of a new two way setlist whose prefix is the shared part, trimmed and
//	relocated into a fresh region distinct from both the expected region and the current branch
//	region.
func (ws *WriteSession) splitPrefix(ref nodeRef, region uint32, c int, key []byte, val valueSpec) (NodeID, error) {
	in := asInner(ref)
	prefix := in.getPrefix()
	cpre := append([]byte(nil), prefix[:c]...)
	oldByte := int(prefix[c])
	trimmed := append([]byte(nil), prefix[c + 1:]...)

	branchRegion := ws.db.ids.newRegion(region, in.branchRegion())

	trimmedID, _, trimErr := ws.cloneInnerWith(in, branchRegion, trimmed, 0)
	if trimErr != nil { return 0, trimErr }

	setlistID, setlist, slErr := ws.makeSetlistNode(region, cpre, branchRegion, 2 + setlistSpareSlots)
	if slErr != nil {
		ws.db.releaseNode(trimmedID)
		return 0, slErr
	}

	setlist.addBranch(oldByte, trimmedID)

	if len(key) == c {
		eofID, isSubtree, eofErr := ws.encodeEofValue(branchRegion, val)
		if eofErr != nil {
			ws.db.releaseNode(setlistID)
			return 0, eofErr
		}

		setlist.setEofValue(eofID, isSubtree)
	} else {
		leafID, leafErr := ws.makeBinaryLeafNode(branchRegion, key[c + 1:], val)
		if leafErr != nil {
			ws.db.releaseNode(setlistID)
			return 0, leafErr
		}

		setlist.addBranch(int(key[c]), leafID)
	}

	ws.db.releaseNode(ref.id)
	return setlistID, nil
}

// promoteToFull
//	A setlist reaching the full threshold is rebuilt as a dense 256 way node with the new branch.
func (ws *WriteSession) promoteToFull(ref nodeRef, b int, leafID NodeID) (NodeID, error) {
	in := asInner(ref)

	fullID, full, allocErr := ws.makeFullNode(ref.id.region(), in.getPrefix(), in.branchRegion())
	if allocErr != nil {
		ws.db.releaseNode(leafID)
		return 0, allocErr
	}

	copyErr := ws.copyInnerContents(in, full)
	if copyErr != nil {
		ws.db.releaseNode(fullID)
		ws.db.releaseNode(leafID)
		return 0, copyErr
	}

	full.addBranch(b, leafID)
	ws.db.releaseNode(ref.id)

	return fullID, nil
}

// demoteToSetlist
//	A full node dropping below the threshold is rebuilt as a setlist.
func (ws *WriteSession) demoteToSetlist(ref nodeRef) (NodeID, error) {
	in := asInner(ref)

	setlistID, setlist, allocErr := ws.makeSetlistNode(ref.id.region(), in.getPrefix(), in.branchRegion(), in.numBranches() + setlistSpareSlots)
	if allocErr != nil { return 0, allocErr }

	copyErr := ws.copyInnerContents(in, setlist)
	if copyErr != nil {
		ws.db.releaseNode(setlistID)
		return 0, copyErr
	}

	ws.db.releaseNode(ref.id)
	return setlistID, nil
}


//============================================= Read Path


// lookupResult resolves a key to its terminal payload; byte views are valid under the read lock
type lookupResult struct {
	found bool
	value []byte
	subtree NodeID
	isSubtree bool
}

// lookup
//	Read-only descent from a root id.
func (db *Arbtrie) lookup(id NodeID, key []byte) lookupResult {
	for {
		if id == 0 { return lookupResult{} }

		ref := db.deref(id)

		switch ref.nodeType {
			case nodeBinary:
				bn := binaryNode{ body: ref.body }
				idx, found := bn.find(key)
				if ! found { return lookupResult{} }

				return db.resolveEntry(bn, idx)
			case nodeValue:
				return lookupResult{}
			default:
				in := asInner(ref)
				prefix := in.getPrefix()

				if len(key) < len(prefix) || ! bytes.Equal(key[:len(prefix)], prefix) { return lookupResult{} }
				key = key[len(prefix):]

				if len(key) == 0 {
					if ! in.hasEof() { return lookupResult{} }
					return db.resolveEofValue(in)
				}

				id = in.getBranch(int(key[0]))
				key = key[1:]
		}
	}
}

// resolveEntry
//	Resolve a bucket entry to its payload.
func (db *Arbtrie) resolveEntry(bn binaryNode, idx int) lookupResult {
	switch bn.entryFlag(idx) {
		case entryInline:
			return lookupResult{ found: true, value: bn.entryStored(idx) }
		case entrySubtree:
			return lookupResult{ found: true, subtree: bn.entryID(idx), isSubtree: true }
		default:
			vn := valueNode{ body: db.deref(bn.entryID(idx)).body }
			return lookupResult{ found: true, value: vn.bytes() }
	}
}

// resolveEofValue
//	Resolve an inner node's end-of-key slot to its payload.
func (db *Arbtrie) resolveEofValue(in innerNode) lookupResult {
	if in.eofIsSubtree() { return lookupResult{ found: true, subtree: in.eofValue(), isSubtree: true } }

	vn := valueNode{ body: db.deref(in.eofValue()).body }
	return lookupResult{ found: true, value: vn.bytes() }
}

// Get
//	Retrieve the value for a key. Returns nil when the key is absent. The returned pair owns its
//	byte slices, so it stays valid after the read lock is dropped.
func (rs *ReadSession) Get(handle *NodeHandle, key []byte) (*KeyValuePair, error) {
	if rs.closed { return nil, ErrClosed }
	if len(key) > MaxKeyLen { return nil, ErrKeyTooLarge }

	rl := rs.acquireReadLock()
	defer rl.release()

	res := rs.db.lookup(handle.id, key)
	if ! res.found { return nil, nil }

	kvPair := &KeyValuePair{ Key: append([]byte(nil), key...) }
	if res.isSubtree {
		kvPair.Subtree = res.subtree
	} else { kvPair.Value = append([]byte(nil), res.value...) }

	return kvPair, nil
}

// GetSubtree
//	Retrieve the subtree stored at a key as an owned handle, or nil when the key is absent or holds
//	an ordinary value.
func (rs *ReadSession) GetSubtree(handle *NodeHandle, key []byte) (*NodeHandle, error) {
	if rs.closed { return nil, ErrClosed }
	if len(key) > MaxKeyLen { return nil, ErrKeyTooLarge }

	rl := rs.acquireReadLock()
	defer rl.release()

	res := rs.db.lookup(handle.id, key)
	if ! res.found || ! res.isSubtree { return nil, nil }

	retainErr := rs.db.ids.retain(res.subtree)
	if retainErr != nil { return nil, retainErr }

	return &NodeHandle{ db: rs.db, id: res.subtree }, nil
}
