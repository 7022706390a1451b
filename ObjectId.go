package arbtrie

import "sync"
import "sync/atomic"
import "unsafe"


//============================================= Arbtrie Object Id Allocator


// idsPerRegion: a region holds 16 bit indexes; index 0 is reserved for the region's allocation state word
const idsPerRegion = uint64(1) << 16

// idAllocator
//	Manages the space of 40 bit node identifiers and the parallel array of 64 bit meta words.
//	The meta words live in their own sparse memory mapped file, one word per possible id, which makes
//	them both the authoritative pointer to a node's bytes and the persistence of the id space itself.
//	Free ids are chained through their own meta words: the word of a free id carries the index of the
//	next free id in its location bits, and each region's word 0 packs
//	{freeHead:16 | nextIndex:16 | aba:32} so that pops and pushes are single CAS operations.
type idAllocator struct {
	mMap MMap
	hdr *dbHeader
	maxRegions uint32
	locks [64]sync.Mutex
}

// idsFileSize
//	The meta word file length for the configured region count. The file is sparse, so unused
//	regions cost address space only.
func idsFileSize(maxRegions uint32) uint64 {
	return uint64(maxRegions) * idsPerRegion * 8
}

func newIDAllocator(mMap MMap, hdr *dbHeader, maxRegions uint32) *idAllocator {
	return &idAllocator{ mMap: mMap, hdr: hdr, maxRegions: maxRegions }
}

// format
//	Initialize every region's allocation state word in a freshly created ids file.
//	nextIndex starts at 1 because index 0 of each region is the state word itself.
func (ida *idAllocator) format() {
	for region := uint32(0); region < ida.maxRegions; region++ {
		atomic.StoreUint64(ida.regionStatePtr(region), uint64(1) << 16)
	}
}

func (ida *idAllocator) wordPtr(id NodeID) *uint64 {
	return (*uint64)(unsafe.Pointer(&ida.mMap[uint64(id) * 8]))
}

func (ida *idAllocator) regionStatePtr(region uint32) *uint64 {
	return (*uint64)(unsafe.Pointer(&ida.mMap[uint64(region) * idsPerRegion * 8]))
}

// get
//	Load the meta word for an id with acquire semantics.
func (ida *idAllocator) get(id NodeID) uint64 {
	return atomic.LoadUint64(ida.wordPtr(id))
}

// store
//	Publish a meta word with release semantics.
func (ida *idAllocator) store(id NodeID, meta uint64) {
	atomic.StoreUint64(ida.wordPtr(id), meta)
}

func (ida *idAllocator) cas(id NodeID, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(ida.wordPtr(id), old, new)
}

// freeWord encodes the next free index of a free id's chain entry
func freeWord(nextIndex uint16) uint64 {
	return uint64(nextIndex) << locationShift
}

func freeNext(word uint64) uint16 {
	return uint16(word >> locationShift)
}

// newID
//	Allocate a fresh id in the region and publish its meta word with refcount 1, the node type and
//	the location. The caller owns the single reference.
func (ida *idAllocator) newID(region uint32, nodeType uint8, location uint64) (NodeID, error) {
	region = region % ida.maxRegions
	statePtr := ida.regionStatePtr(region)

	for {
		state := atomic.LoadUint64(statePtr)
		head := uint16(state)
		aba := state >> 32

		if head != 0 {
			id := makeNodeID(region, head)
			next := freeNext(atomic.LoadUint64(ida.wordPtr(id)))

			newState := uint64(next) | (state & 0xFFFF0000) | (aba + 1) << 32
			if atomic.CompareAndSwapUint64(statePtr, state, newState) {
				ida.store(id, packMeta(1, nodeType, location))
				return id, nil
			}

			continue
		}

		nextIndex := uint16(state >> 16)
		if nextIndex == 0xFFFF { return 0, ErrRegionFull }

		newState := (state & 0xFFFF) | uint64(nextIndex + 1) << 16 | (aba + 1) << 32
		if atomic.CompareAndSwapUint64(statePtr, state, newState) {
			id := makeNodeID(region, nextIndex)
			ida.store(id, packMeta(1, nodeType, location))
			return id, nil
		}
	}
}

// freeID
//	Return an id whose refcount reached zero to its region's free chain.
func (ida *idAllocator) freeID(id NodeID) {
	region := id.region()
	index := id.index()
	statePtr := ida.regionStatePtr(region)

	for {
		state := atomic.LoadUint64(statePtr)
		head := uint16(state)
		aba := state >> 32

		ida.store(id, freeWord(head))

		newState := uint64(index) | (state & 0xFFFF0000) | (aba + 1) << 32
		if atomic.CompareAndSwapUint64(statePtr, state, newState) { return }
	}
}

// allocatedIndexes
//	The exclusive upper bound of indexes ever handed out in the region; recovery scans below it.
func (ida *idAllocator) allocatedIndexes(region uint32) uint16 {
	return uint16(atomic.LoadUint64(ida.regionStatePtr(region)) >> 16)
}

// retain
//	Bump the refcount. A retain that would overflow MaxRefCount is rolled back and reported.
func (ida *idAllocator) retain(id NodeID) error {
	ptr := ida.wordPtr(id)

	for {
		meta := atomic.LoadUint64(ptr)
		if metaRefCount(meta) >= MaxRefCount { return ErrRefCountOverflow }

		if atomic.CompareAndSwapUint64(ptr, meta, meta + 1) { return nil }
	}
}

// release
//	Drop one reference. Returns the meta word as it was after the decrement; a zero refcount in the
//	returned word means the caller must reclaim the node's bytes and free the id.
func (ida *idAllocator) release(id NodeID) uint64 {
	ptr := ida.wordPtr(id)

	for {
		meta := atomic.LoadUint64(ptr)
		newMeta := meta - 1

		if atomic.CompareAndSwapUint64(ptr, meta, newMeta) { return newMeta }
	}
}

// casLocation
//	Relocate an id by CASing its full meta word; concurrent refcount changes make the CAS fail and
//	the compactor retries or abandons.
func (ida *idAllocator) casLocation(id NodeID, oldMeta uint64, location uint64) bool {
	return ida.cas(id, oldMeta, withLocation(oldMeta, location))
}

// setModifyLock / clearModifyLock
//	The mutation lock flag excludes the compactor's move path while a writer mutates in place.
func (ida *idAllocator) setModifyLock(id NodeID) {
	ptr := ida.wordPtr(id)

	for {
		meta := atomic.LoadUint64(ptr)
		if atomic.CompareAndSwapUint64(ptr, meta, meta | modifyLockBit) { return }
	}
}

func (ida *idAllocator) clearModifyLock(id NodeID) {
	ptr := ida.wordPtr(id)

	for {
		meta := atomic.LoadUint64(ptr)
		if atomic.CompareAndSwapUint64(ptr, meta, meta &^ modifyLockBit) { return }
	}
}

// lockFor
//	The striped mutex guarding an id's move path. A real mutex per id would be prohibitive, so ids
//	hash into a fixed lock array.
func (ida *idAllocator) lockFor(id NodeID) *sync.Mutex {
	return &ida.locks[(uint64(id) * 0x9E3779B97F4A7C15) >> 58]
}

// newRegion
//	Pick a fresh allocation region, avoiding the given regions when the region space allows it.
func (ida *idAllocator) newRegion(avoid ...uint32) uint32 {
	candidate := uint32(0)

	for attempt := 0; attempt < len(avoid) + 1; attempt++ {
		candidate = uint32(ida.hdr.nextRegionCounter()) % ida.maxRegions

		clash := false
		for _, region := range avoid {
			if candidate == region % ida.maxRegions { clash = true }
		}

		if ! clash { return candidate }
	}

	return candidate
}
