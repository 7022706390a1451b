package arbtrie

import "sync"
import "sync/atomic"
import "unsafe"


//============================================= Arbtrie Segment Allocator


// segment arena header field offsets, relative to the segment base
const (
	segAllocPosIdx = 0
	segStateIdx = 4
	segAgeIdx = 8
	segObjectCountIdx = 16
)

// segment lifecycle: owned by a writer and appending, frozen for the compactor, or posted for reuse
const (
	segStateActive = uint32(0)
	segStateFinalized = uint32(1)
	segStateReleased = uint32(2)
)

// segmentAllocator
//	Carves the arena into equal sized segments and recycles them through the free segment ring.
//	Two monotonic counters bracket the live range of the ring: freshly released segments are pushed
//	at endPtr by the compactor, segments chosen for new writer ownership are popped at allocPtr.
//	A segment at ring index i is not popped while any session read pointer is <= i, which is what
//	keeps relocated bytes readable for sessions that captured an older endPtr.
type segmentAllocator struct {
	hdr *dbHeader
	arena *mapping
	sessions *sessionRegistry
	segmentSize uint64
	maxSegments uint64
	growMutex sync.Mutex
	ageCounter uint64
}

func newSegmentAllocator(hdr *dbHeader, arena *mapping, sessions *sessionRegistry, segmentSize, maxSegments uint64) *segmentAllocator {
	return &segmentAllocator{
		hdr: hdr,
		arena: arena,
		sessions: sessions,
		segmentSize: segmentSize,
		maxSegments: maxSegments,
	}
}

func (sa *segmentAllocator) segBase(segNum uint32) uint64 {
	return uint64(segNum) * sa.segmentSize
}

// segmentForLocation
//	The segment number holding an arena byte offset.
func (sa *segmentAllocator) segmentForLocation(location uint64) uint32 {
	return uint32(location / sa.segmentSize)
}

func (sa *segmentAllocator) uint32Ptr(m MMap, offset uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&m[offset]))
}

func (sa *segmentAllocator) loadAllocPos(m MMap, segNum uint32) uint32 {
	return atomic.LoadUint32(sa.uint32Ptr(m, sa.segBase(segNum) + segAllocPosIdx))
}

func (sa *segmentAllocator) storeAllocPos(m MMap, segNum uint32, pos uint32) {
	atomic.StoreUint32(sa.uint32Ptr(m, sa.segBase(segNum) + segAllocPosIdx), pos)
}

func (sa *segmentAllocator) segState(m MMap, segNum uint32) uint32 {
	return atomic.LoadUint32(sa.uint32Ptr(m, sa.segBase(segNum) + segStateIdx))
}

func (sa *segmentAllocator) setSegState(m MMap, segNum uint32, state uint32) {
	atomic.StoreUint32(sa.uint32Ptr(m, sa.segBase(segNum) + segStateIdx), state)
}

func (sa *segmentAllocator) loadObjectCount(m MMap, segNum uint32) uint32 {
	return atomic.LoadUint32(sa.uint32Ptr(m, sa.segBase(segNum) + segObjectCountIdx))
}

func (sa *segmentAllocator) addObjectCount(m MMap, segNum uint32, delta int32) {
	atomic.AddUint32(sa.uint32Ptr(m, sa.segBase(segNum) + segObjectCountIdx), uint32(delta))
}

// getNewSegment
//	Pop a recyclable segment from the free segment ring, or append a fresh one to the mapping when
//	no recyclable segment is available. A ring entry is only taken once allocPtr is below every
//	session read pointer, so bytes released after a reader's snapshot are never reused under it.
func (sa *segmentAllocator) getNewSegment() (uint32, error) {
	for {
		allocPtr := sa.hdr.loadAllocPtr()
		endPtr := sa.hdr.loadEndPtr()

		if allocPtr >= endPtr || allocPtr >= sa.sessions.minReadPtr() { break }

		segNum := sa.hdr.loadRingEntry(allocPtr)
		if sa.hdr.casAllocPtr(allocPtr, allocPtr + 1) {
			sa.resetSegment(segNum)
			return segNum, nil
		}
	}

	return sa.appendSegment()
}

// appendSegment
//	Grow the mapping by one segment. Fatal when the mapping cannot grow.
func (sa *segmentAllocator) appendSegment() (uint32, error) {
	sa.growMutex.Lock()
	defer sa.growMutex.Unlock()

	count := sa.hdr.loadSegmentCount()
	if count >= sa.maxSegments { return 0, ErrSegmentLimit }

	growErr := sa.arena.grow((count + 1) * sa.segmentSize)
	if growErr != nil { return 0, growErr }

	segNum := uint32(count)
	sa.resetSegment(segNum)
	sa.hdr.storeSegmentCount(count + 1)

	return segNum, nil
}

// resetSegment
//	Prepare a segment for writer ownership: clear its arena header and its meta record.
func (sa *segmentAllocator) resetSegment(segNum uint32) {
	m := sa.arena.view()
	base := sa.segBase(segNum)

	sa.storeAllocPos(m, segNum, segmentHeaderSize)
	sa.setSegState(m, segNum, segStateActive)
	atomic.StoreUint32(sa.uint32Ptr(m, base + segObjectCountIdx), 0)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&m[base + segAgeIdx])), atomic.AddUint64(&sa.ageCounter, 1))

	sa.hdr.storeFreeBytes(segNum, 0)
	sa.hdr.storeFreeObjects(segNum, 0)
	sa.hdr.storeLastSyncPos(segNum, 0)
	sa.hdr.storeAge(segNum, atomic.LoadUint64(&sa.ageCounter))
}

// allocBytes
//	Append total bytes to the segment, returning the absolute arena offset.
//	Returns false when the segment cannot hold the allocation; the caller finalizes and rotates.
func (sa *segmentAllocator) allocBytes(m MMap, segNum uint32, total uint64) (uint64, bool) {
	pos := sa.loadAllocPos(m, segNum)
	if uint64(pos) + total > sa.segmentSize { return 0, false }

	sa.storeAllocPos(m, segNum, pos + uint32(total))
	sa.addObjectCount(m, segNum, 1)

	return sa.segBase(segNum) + uint64(pos), true
}

// finalize
//	Freeze the segment for the compactor. The unallocated tail is accounted as free so that the
//	segment meta keeps the invariant freeBytes == capacity - live bytes once the writer stops
//	appending; allocPos stays put as the compactor's scan bound.
func (sa *segmentAllocator) finalize(segNum uint32) {
	m := sa.arena.view()

	if sa.segState(m, segNum) != segStateActive { return }

	pos := sa.loadAllocPos(m, segNum)
	sa.setSegState(m, segNum, segStateFinalized)

	if uint64(pos) < sa.segmentSize { sa.hdr.addFreeBytes(segNum, sa.segmentSize - uint64(pos)) }
}

// scanEnd
//	The allocation high water mark bounding a linear header scan of the segment.
func (sa *segmentAllocator) scanEnd(m MMap, segNum uint32) uint64 {
	return uint64(sa.loadAllocPos(m, segNum))
}

// free
//	Account n bytes of the segment as freed.
func (sa *segmentAllocator) free(segNum uint32, n uint64) {
	sa.hdr.addFreeBytes(segNum, n)
}

// freeObject
//	Account one object of the segment as freed.
func (sa *segmentAllocator) freeObject(segNum uint32) {
	sa.hdr.addFreeObjects(segNum, 1)
}

// release
//	Post an evacuated segment to the ring at endPtr. Called by the compactor only, so a plain
//	store ordering of entry-then-pointer publishes the entry before it becomes poppable.
func (sa *segmentAllocator) release(segNum uint32) {
	sa.setSegState(sa.arena.view(), segNum, segStateReleased)

	endPtr := sa.hdr.loadEndPtr()
	sa.hdr.storeRingEntry(endPtr, segNum)
	sa.hdr.storeEndPtr(endPtr + 1)
}

// minReadPtr
//	The lowest read pointer across all session slots; bounds segment reuse.
func (reg *sessionRegistry) minReadPtr() uint64 {
	min := uint64(readPtrSentinel)
	for idx := range reg.readPtrs {
		ptr := atomic.LoadUint64(&reg.readPtrs[idx])
		if ptr < min { min = ptr }
	}

	return min
}
