package arbtrie

import "sync"
import "time"

import "go.uber.org/zap"


//============================================= Arbtrie Compactor


// compactor
//	The background worker reclaiming sparse segments. It relocates still referenced objects into
//	its own write session's active segment and repoints their meta words by CAS, so parents are
//	never touched and readers observe either the old or the new location, both of which stay valid
//	under their read lock.
type compactor struct {
	db *Arbtrie
	log *zap.SugaredLogger
	mutex sync.Mutex
	session *WriteSession
	stopChan chan struct{}
	doneChan chan struct{}
	running bool
}

func newCompactor(db *Arbtrie, log *zap.SugaredLogger) *compactor {
	return &compactor{ db: db, log: log }
}

// StartCompactThread
//	Spawn the compaction goroutine. It drains candidates continuously and idles between passes
//	that find nothing to do.
func (db *Arbtrie) StartCompactThread() error {
	c := db.compactor

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.running { return nil }

	sessionErr := c.ensureSession()
	if sessionErr != nil { return sessionErr }

	c.stopChan = make(chan struct{})
	c.doneChan = make(chan struct{})
	c.running = true

	go c.run(c.stopChan, c.doneChan)

	c.log.Infow("compactor started")
	return nil
}

// StopCompactThread
//	Signal the compaction goroutine and wait for it to drain.
func (db *Arbtrie) StopCompactThread() {
	c := db.compactor

	c.mutex.Lock()
	if ! c.running {
		c.mutex.Unlock()
		return
	}

	close(c.stopChan)
	c.running = false
	done := c.doneChan
	c.mutex.Unlock()

	<- done
	c.log.Infow("compactor stopped")
}

// CompactNextSegment
//	Run one compaction step synchronously: pick the best candidate segment, evacuate it, release
//	it once empty. Returns whether any work was found.
func (db *Arbtrie) CompactNextSegment() (bool, error) {
	c := db.compactor

	c.mutex.Lock()
	defer c.mutex.Unlock()

	sessionErr := c.ensureSession()
	if sessionErr != nil { return false, sessionErr }

	return c.compactNext()
}

func (c *compactor) ensureSession() error {
	if c.session != nil { return nil }

	session, sessionErr := c.db.StartWriteSession()
	if sessionErr != nil { return sessionErr }

	c.session = session
	return nil
}

func (c *compactor) close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
}

func (c *compactor) run(stopChan chan struct{}, doneChan chan struct{}) {
	defer close(doneChan)

	for {
		select {
			case <- stopChan:
				return
			default:
		}

		c.mutex.Lock()
		moved, compactErr := c.compactNext()
		c.mutex.Unlock()

		if compactErr != nil {
			c.log.Errorw("compaction step failed", "error", compactErr)
			return
		}

		if ! moved {
			select {
				case <- stopChan:
					return
				case <- time.After(25 * time.Millisecond):
			}
		}
	}
}

// pickCandidate
//	The finalized segment with the most accounted free bytes at or above the configured threshold.
func (c *compactor) pickCandidate() (uint32, bool) {
	db := c.db
	m := db.arena.view()

	count := db.header.loadSegmentCount()
	threshold := db.opts.SegmentSize * db.opts.CompactThresholdNum / db.opts.CompactThresholdDenom

	best := uint32(0)
	bestFree := uint64(0)
	found := false

	for segNum := uint32(0); uint64(segNum) < count; segNum++ {
		if db.segs.segState(m, segNum) != segStateFinalized { continue }

		free := db.header.loadFreeBytes(segNum)
		if free < threshold { continue }

		if ! found || free > bestFree {
			best = segNum
			bestFree = free
			found = true
		}
	}

	return best, found
}

// compactNext
//	One full evacuation pass over the best candidate.
func (c *compactor) compactNext() (bool, error) {
	segNum, found := c.pickCandidate()
	if ! found { return false, nil }

	movedObjects, movedBytes, evacuated := c.evacuate(segNum)

	if evacuated {
		m := c.db.arena.view()
		base := c.db.segs.segBase(segNum)

		m[base:base + c.db.opts.SegmentSize].AdviseDontNeed()
		c.db.segs.release(segNum)
	}

	c.log.Infow(
		"compacted segment",
		"segment", segNum,
		"movedObjects", movedObjects,
		"movedBytes", movedBytes,
		"released", evacuated,
	)

	return true, nil
}

// evacuate
//	Linear scan of the segment's object headers. Every header whose meta word still points into
//	this segment is relocated; contended ids are skipped and picked up by a later pass. Returns
//	whether the segment ended fully empty.
func (c *compactor) evacuate(segNum uint32) (int, uint64, bool) {
	db := c.db
	m := db.arena.view()
	base := db.segs.segBase(segNum)
	end := db.segs.scanEnd(m, segNum)

	m[base:base + db.opts.SegmentSize].AdviseSequential()

	movedObjects := 0
	movedBytes := uint64(0)
	skipped := 0

	offset := uint64(segmentHeaderSize)
	for offset < end {
		hdr := readObjectHeader(m, base + offset)
		span := objectSpan(hdr.size)
		if hdr.id == 0 { break }

		srcOffset := base + offset
		meta := db.ids.get(hdr.id)

		if metaRefCount(meta) > 0 && metaLocation(meta) == srcOffset {
			lock := db.ids.lockFor(hdr.id)

			if lock.TryLock() {
				moved := c.moveObject(segNum, srcOffset, hdr, span)
				lock.Unlock()

				if moved {
					movedObjects++
					movedBytes += span
				} else if metaLocation(db.ids.get(hdr.id)) == srcOffset && metaRefCount(db.ids.get(hdr.id)) > 0 {
					skipped++
				}
			} else { skipped++ }
		}

		offset += span
	}

	return movedObjects, movedBytes, skipped == 0
}

// moveObject
//	Copy header plus payload into the compactor's active segment and CAS the meta word from the old
//	location to the new one. A copy whose refcount drops to zero mid-move is abandoned and the
//	destination bytes are accounted free.
func (c *compactor) moveObject(srcSeg uint32, srcOffset uint64, hdr objectHeader, span uint64) bool {
	db := c.db

	meta := db.ids.get(hdr.id)
	if metaRefCount(meta) == 0 || metaLocation(meta) != srcOffset || metaLocked(meta) { return false }

	dstOffset, allocErr := c.session.allocBytes(hdr.size)
	if allocErr != nil { return false }

	m := db.arena.view()
	copy(m[dstOffset:dstOffset + span], m[srcOffset:srcOffset + span])

	for {
		if db.ids.casLocation(hdr.id, meta, dstOffset) {
			db.segs.free(srcSeg, span)
			db.segs.freeObject(srcSeg)

			return true
		}

		meta = db.ids.get(hdr.id)
		if metaRefCount(meta) == 0 || metaLocation(meta) != srcOffset || metaLocked(meta) {
			dstSeg := db.segs.segmentForLocation(dstOffset)
			db.segs.free(dstSeg, span)
			db.segs.freeObject(dstSeg)

			return false
		}
	}
}
