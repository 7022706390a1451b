package arbtrie

import "bytes"


//============================================= Arbtrie Iterator


// iterFrame is one step of the cursor's path: the node, the current branch position and the
// length of the materialized key when the node was entered
type iterFrame struct {
	id NodeID
	branch int
	base int
}

// Iterator
//	A stateful cursor over a trie. The path remembers (node id, branch index) pairs and the key
//	buffer always equals the key of the current position. Branch index conventions follow the node
//	kinds: entry index for binary buckets, 0 for an inner node's end-of-key slot and 1+b for
//	branch byte b.
//	Iterators borrow the root from their handle; the handle must stay alive while the iterator is
//	in use. The key buffer is valid until the next cursor movement.
type Iterator struct {
	rs *ReadSession
	root NodeID
	path []iterFrame
	key []byte
	valid bool
}

// NewIterator
//	A cursor over the trie rooted at the handle, initially positioned nowhere.
func (rs *ReadSession) NewIterator(handle *NodeHandle) *Iterator {
	it := rs.db.framePool.getIterator()
	it.rs = rs
	it.root = handle.id

	return it
}

// Close
//	Return the iterator's buffers to the pool. The iterator must not be used afterwards.
func (it *Iterator) Close() {
	it.rs.db.framePool.putIterator(it)
}

// Valid
//	Whether the cursor points at a key.
func (it *Iterator) Valid() bool {
	return it.valid
}

// Key
//	The key at the current position; valid until the next cursor movement.
func (it *Iterator) Key() []byte {
	return it.key
}

func (it *Iterator) reset() {
	it.path = it.path[:0]
	it.key = it.key[:0]
	it.valid = false
}

func (it *Iterator) top() *iterFrame {
	return &it.path[len(it.path) - 1]
}

func (it *Iterator) push(id NodeID) *iterFrame {
	it.path = append(it.path, iterFrame{ id: id, base: len(it.key) })
	return it.top()
}

func (it *Iterator) pop() {
	frame := it.top()
	it.key = it.key[:frame.base]
	it.path = it.path[:len(it.path) - 1]
}


//============================================= Positioning


// descendMin
//	Push frames from id down its smallest position: end-of-key slots come before any branch.
func (it *Iterator) descendMin(id NodeID) {
	for {
		ref := it.rs.db.deref(id)

		if ref.nodeType == nodeBinary {
			bn := binaryNode{ body: ref.body }
			frame := it.push(id)
			frame.branch = 0
			it.key = append(it.key, bn.entryKey(0)...)

			return
		}

		in := asInner(ref)
		frame := it.push(id)
		it.key = append(it.key, in.getPrefix()...)

		if in.hasEof() {
			frame.branch = eofBranch
			return
		}

		b, child := in.nextBranch(0)
		frame.branch = 1 + b
		it.key = append(it.key, byte(b))
		id = child
	}
}

// descendMax
//	Push frames from id down its largest position.
func (it *Iterator) descendMax(id NodeID) {
	for {
		ref := it.rs.db.deref(id)

		if ref.nodeType == nodeBinary {
			bn := binaryNode{ body: ref.body }
			frame := it.push(id)
			frame.branch = bn.numEntries() - 1
			it.key = append(it.key, bn.entryKey(frame.branch)...)

			return
		}

		in := asInner(ref)
		frame := it.push(id)
		it.key = append(it.key, in.getPrefix()...)

		b, child := in.prevBranch(255)
		if b < 0 {
			frame.branch = eofBranch
			return
		}

		frame.branch = 1 + b
		it.key = append(it.key, byte(b))
		id = child
	}
}

// seekLower
//	Position at the smallest key >= bound within the subtree rooted at id. Returns false and leaves
//	no frames of the subtree behind when every key in it is below the bound.
func (it *Iterator) seekLower(id NodeID, bound []byte) bool {
	if id == 0 { return false }

	if len(bound) == 0 {
		it.descendMin(id)
		return true
	}

	ref := it.rs.db.deref(id)

	if ref.nodeType == nodeBinary {
		bn := binaryNode{ body: ref.body }
		idx, _ := bn.lowerBound(bound)
		if idx >= bn.numEntries() { return false }

		frame := it.push(id)
		frame.branch = idx
		it.key = append(it.key, bn.entryKey(idx)...)

		return true
	}

	in := asInner(ref)
	prefix := in.getPrefix()
	c := commonPrefixLen(bound, prefix)

	if c == len(bound) {
		it.descendMin(id)
		return true
	}

	if c < len(prefix) {
		if bound[c] < prefix[c] {
			it.descendMin(id)
			return true
		}

		return false
	}

	frameIdx := len(it.path)
	frame := it.push(id)
	base := frame.base
	it.key = append(it.key, prefix...)

	rest := bound[c:]
	b := int(rest[0])

	next, child := in.nextBranch(b)
	if next < 0 {
		it.pop()
		return false
	}

	if next == b {
		it.path[frameIdx].branch = 1 + b
		it.key = append(it.key, byte(b))

		if it.seekLower(child, rest[1:]) { return true }

		it.key = it.key[:base + len(prefix)]

		next, child = in.nextBranch(b + 1)
		if next < 0 {
			it.pop()
			return false
		}
	}

	it.path[frameIdx].branch = 1 + next
	it.key = append(it.key, byte(next))
	it.descendMin(child)

	return true
}

// LowerBound
//	Position at the first key >= the given key. Returns whether a position was found.
func (it *Iterator) LowerBound(key []byte) bool {
	rl := it.rs.acquireReadLock()
	defer rl.release()

	it.reset()
	it.valid = it.seekLower(it.root, key)

	return it.valid
}

// UpperBound
//	Position at the first key strictly greater than the given key.
func (it *Iterator) UpperBound(key []byte) bool {
	successor := make([]byte, len(key) + 1)
	copy(successor, key)

	return it.LowerBound(successor)
}

// ReverseLowerBound
//	Position at the last key <= the given key.
func (it *Iterator) ReverseLowerBound(key []byte) bool {
	if it.LowerBound(key) {
		if bytes.Equal(it.key, key) { return true }
		return it.Prev()
	}

	rl := it.rs.acquireReadLock()
	defer rl.release()

	it.reset()
	if it.root == 0 { return false }

	it.descendMax(it.root)
	it.valid = true

	return true
}

// Next
//	Advance to the next key in ascending byte order.
func (it *Iterator) Next() bool {
	if ! it.valid { return false }

	rl := it.rs.acquireReadLock()
	defer rl.release()

	it.valid = it.advance()
	return it.valid
}

// Prev
//	Step back to the previous key in descending byte order.
func (it *Iterator) Prev() bool {
	if ! it.valid { return false }

	rl := it.rs.acquireReadLock()
	defer rl.release()

	it.valid = it.retreat()
	return it.valid
}

// advance
//	Pop to the deepest node with an unexplored position past the current one, then descend leftmost.
func (it *Iterator) advance() bool {
	for len(it.path) > 0 {
		frame := it.top()
		ref := it.rs.db.deref(frame.id)

		if ref.nodeType == nodeBinary {
			bn := binaryNode{ body: ref.body }
			idx := frame.branch + 1

			if idx < bn.numEntries() {
				frame.branch = idx
				it.key = append(it.key[:frame.base], bn.entryKey(idx)...)

				return true
			}

			it.pop()
			continue
		}

		in := asInner(ref)

		from := 0
		if frame.branch != eofBranch { from = frame.branch }

		b, child := in.nextBranch(from)
		if b < 0 {
			it.pop()
			continue
		}

		frame.branch = 1 + b
		it.key = append(it.key[:frame.base + in.prefixLen()], byte(b))
		it.descendMin(child)

		return true
	}

	return false
}

// retreat
//	Pop to the deepest node with an unexplored position before the current one, then descend
//	rightmost. End-of-key slots order before every branch of their node.
func (it *Iterator) retreat() bool {
	for len(it.path) > 0 {
		frame := it.top()
		ref := it.rs.db.deref(frame.id)

		if ref.nodeType == nodeBinary {
			bn := binaryNode{ body: ref.body }
			idx := frame.branch - 1

			if idx >= 0 {
				frame.branch = idx
				it.key = append(it.key[:frame.base], bn.entryKey(idx)...)

				return true
			}

			it.pop()
			continue
		}

		in := asInner(ref)

		if frame.branch == eofBranch {
			it.pop()
			continue
		}

		b, child := in.prevBranch(frame.branch - 2)
		if b >= 0 {
			frame.branch = 1 + b
			it.key = append(it.key[:frame.base + in.prefixLen()], byte(b))
			it.descendMax(child)

			return true
		}

		if in.hasEof() {
			frame.branch = eofBranch
			it.key = it.key[:frame.base + in.prefixLen()]

			return true
		}

		it.pop()
	}

	return false
}


//============================================= Value Access


// currentResult
//	The payload at the current position.
func (it *Iterator) currentResult() lookupResult {
	frame := it.top()
	ref := it.rs.db.deref(frame.id)

	if ref.nodeType == nodeBinary {
		return it.rs.db.resolveEntry(binaryNode{ body: ref.body }, frame.branch)
	}

	return it.rs.db.resolveEofValue(asInner(ref))
}

// ReadValue
//	Append the value bytes at the current position to buf. A subtree position appends the raw
//	bytes of its stored root id marker.
func (it *Iterator) ReadValue(buf []byte) []byte {
	if ! it.valid { return buf }

	rl := it.rs.acquireReadLock()
	defer rl.release()

	res := it.currentResult()
	if res.isSubtree {
		var marker [8]byte
		putID(marker[:], 0, res.subtree)

		return append(buf, marker[:]...)
	}

	return append(buf, res.value...)
}

// IsSubtree
//	Whether the current position holds a nested trie.
func (it *Iterator) IsSubtree() bool {
	if ! it.valid { return false }

	rl := it.rs.acquireReadLock()
	defer rl.release()

	return it.currentResult().isSubtree
}

// SubtreeIterator
//	A cursor over the nested trie at the current position, or nil when the position holds an
//	ordinary value. The subtree iterator borrows the parent's root chain and must be closed before
//	the parent handle is released.
func (it *Iterator) SubtreeIterator() *Iterator {
	if ! it.valid { return nil }

	rl := it.rs.acquireReadLock()
	defer rl.release()

	res := it.currentResult()
	if ! res.isSubtree { return nil }

	sub := it.rs.db.framePool.getIterator()
	sub.rs = it.rs
	sub.root = res.subtree

	return sub
}
