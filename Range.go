package arbtrie

import "bytes"


//============================================= Arbtrie Range Operations


// rangeItem is one collected entry of a range scan
type rangeItem struct {
	key []byte
	value []byte
	subtree NodeID
	isSubtree bool
}

// collectRange
//	Materialize every entry of [lo, hi) in order. A nil hi bound means +inf.
func (rs *ReadSession) collectRange(handle *NodeHandle, lo, hi []byte) []rangeItem {
	var items []rangeItem

	it := rs.NewIterator(handle)
	defer it.Close()

	ok := it.LowerBound(lo)
	for ok {
		if aboveRange(it.Key(), hi) { break }

		item := rangeItem{ key: append([]byte(nil), it.Key()...) }

		res := it.currentResult()
		if res.isSubtree {
			item.subtree = res.subtree
			item.isSubtree = true
		} else { item.value = append([]byte(nil), res.value...) }

		items = append(items, item)
		ok = it.Next()
	}

	return items
}

// CountKeys
//	The number of keys in [lo, hi). A nil hi bound means +inf.
func (rs *ReadSession) CountKeys(handle *NodeHandle, lo, hi []byte) (int, error) {
	if rs.closed { return 0, ErrClosed }

	rl := rs.acquireReadLock()
	defer rl.release()

	it := rs.NewIterator(handle)
	defer it.Close()

	count := 0
	ok := it.LowerBound(lo)
	for ok {
		if aboveRange(it.Key(), hi) { break }

		count++
		ok = it.Next()
	}

	return count, nil
}

// IsEmpty
//	Whether no key falls in [lo, hi).
func (rs *ReadSession) IsEmpty(handle *NodeHandle, lo, hi []byte) (bool, error) {
	if rs.closed { return false, ErrClosed }

	rl := rs.acquireReadLock()
	defer rl.release()

	it := rs.NewIterator(handle)
	defer it.Close()

	if ! it.LowerBound(lo) { return true, nil }
	return aboveRange(it.Key(), hi), nil
}

// IsEqualWeak
//	Whether two tries hold identical content over [lo, hi). Shared structure short-circuits: two
//	handles over the same root id are equal without walking.
func (rs *ReadSession) IsEqualWeak(first, second *NodeHandle, lo, hi []byte) (bool, error) {
	if rs.closed { return false, ErrClosed }
	if first.id == second.id { return true, nil }

	rl := rs.acquireReadLock()
	defer rl.release()

	itFirst := rs.NewIterator(first)
	defer itFirst.Close()
	itSecond := rs.NewIterator(second)
	defer itSecond.Close()

	okFirst := itFirst.LowerBound(lo)
	okSecond := itSecond.LowerBound(lo)

	for {
		doneFirst := ! okFirst || aboveRange(itFirst.Key(), hi)
		doneSecond := ! okSecond || aboveRange(itSecond.Key(), hi)

		if doneFirst || doneSecond { return doneFirst == doneSecond, nil }

		if ! bytes.Equal(itFirst.Key(), itSecond.Key()) { return false, nil }

		resFirst := itFirst.currentResult()
		resSecond := itSecond.currentResult()

		if resFirst.isSubtree != resSecond.isSubtree { return false, nil }

		if resFirst.isSubtree {
			if resFirst.subtree != resSecond.subtree {
				subFirst := &NodeHandle{ db: rs.db, id: resFirst.subtree }
				subSecond := &NodeHandle{ db: rs.db, id: resSecond.subtree }

				equal, equalErr := rs.IsEqualWeak(subFirst, subSecond, nil, nil)
				if equalErr != nil { return false, equalErr }
				if ! equal { return false, nil }
			}
		} else if ! bytes.Equal(resFirst.value, resSecond.value) { return false, nil }

		okFirst = itFirst.Next()
		okSecond = itSecond.Next()
	}
}

// Take
//	Extract [lo, hi) out of the trie into a fresh root. The source loses the range; the returned
//	handle owns it, subtree values included.
func (ws *WriteSession) Take(handle *NodeHandle, lo, hi []byte) (*NodeHandle, error) {
	if ws.closed { return nil, ErrClosed }

	rl := ws.acquireReadLock()
	defer rl.release()

	items := ws.collectRange(handle, lo, hi)
	dest := &NodeHandle{ db: ws.db }

	spliceErr := ws.spliceItems(dest, items)
	if spliceErr != nil {
		dest.Release()
		return nil, spliceErr
	}

	for _, item := range items {
		removeErr := ws.apply(handle, item.key, valueSpec{}, opRemove)
		if removeErr != nil { return nil, removeErr }
	}

	return dest, nil
}

// Splice
//	Copy [lo, hi) from src into dst, overwriting colliding keys. src is unchanged; subtree values
//	become shared between the two tries.
func (ws *WriteSession) Splice(dst, src *NodeHandle, lo, hi []byte) error {
	if ws.closed { return ErrClosed }

	rl := ws.acquireReadLock()
	defer rl.release()

	return ws.spliceItems(dst, ws.collectRange(src, lo, hi))
}

// spliceItems
//	Upsert collected range entries into a destination trie.
func (ws *WriteSession) spliceItems(dst *NodeHandle, items []rangeItem) error {
	for _, item := range items {
		if item.isSubtree {
			sub := &NodeHandle{ db: ws.db, id: item.subtree }

			upsertErr := ws.UpsertSubtree(dst, item.key, sub)
			if upsertErr != nil { return upsertErr }

			continue
		}

		upsertErr := ws.apply(dst, item.key, valueSpec{ data: item.value }, opUpsert)
		if upsertErr != nil { return upsertErr }
	}

	return nil
}
