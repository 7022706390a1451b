package arbtrie

import "sync/atomic"
import "unsafe"


//============================================= Arbtrie DB Header


// dbMagic identifies an arbtrie db header file
const dbMagic = uint64(0x3130656972746261)

// fixed field offsets in the db header file
const (
	hdrMagicIdx = 0
	hdrCleanShutdownIdx = 8
	hdrAllocPtrIdx = 16
	hdrEndPtrIdx = 24
	hdrSegmentCountIdx = 32
	hdrNextRegionIdx = 40
	hdrLockClearsIdx = 48
	hdrReservedEnd = 64
)

// per segment meta record, all fields atomics
const (
	segMetaFreeBytesIdx = 0
	segMetaFreeObjectsIdx = 8
	segMetaLastSyncPosIdx = 16
	segMetaAgeIdx = 24
	segMetaSize = 32
)

// dbHeader
//	A view over the memory mapped db header file.
//	The header holds the magic value, the clean shutdown flag, the free segment ring bracketed by
//	allocPtr and endPtr, the top root ids and one segment meta record per possible segment.
//	The mapping is created once at open and never grows, so field pointers stay valid for the
//	lifetime of the store. Every multi-writer field is accessed through the atomics below.
type dbHeader struct {
	mMap MMap
	numTopRoots int
	maxSegments uint64
	topRootsOff uint64
	ringOff uint64
	segMetaOff uint64
}

// headerFileSize
//	The db header file length for the configured geometry.
func headerFileSize(numTopRoots int, maxSegments uint64) uint64 {
	return uint64(hdrReservedEnd) + uint64(numTopRoots) * 8 + maxSegments * 8 + maxSegments * segMetaSize
}

func newDBHeader(mMap MMap, numTopRoots int, maxSegments uint64) *dbHeader {
	topRootsOff := uint64(hdrReservedEnd)
	ringOff := topRootsOff + uint64(numTopRoots) * 8

	return &dbHeader{
		mMap: mMap,
		numTopRoots: numTopRoots,
		maxSegments: maxSegments,
		topRootsOff: topRootsOff,
		ringOff: ringOff,
		segMetaOff: ringOff + maxSegments * 8,
	}
}

// uint64Ptr
//	The atomic cell at the given byte offset. All header offsets are 8 aligned.
func (hdr *dbHeader) uint64Ptr(offset uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&hdr.mMap[offset]))
}

func (hdr *dbHeader) magic() uint64 {
	return atomic.LoadUint64(hdr.uint64Ptr(hdrMagicIdx))
}

func (hdr *dbHeader) setMagic(val uint64) {
	atomic.StoreUint64(hdr.uint64Ptr(hdrMagicIdx), val)
}

func (hdr *dbHeader) cleanShutdown() bool {
	return atomic.LoadUint64(hdr.uint64Ptr(hdrCleanShutdownIdx)) == 1
}

func (hdr *dbHeader) setCleanShutdown(clean bool) {
	val := uint64(0)
	if clean { val = 1 }

	atomic.StoreUint64(hdr.uint64Ptr(hdrCleanShutdownIdx), val)
}

func (hdr *dbHeader) loadAllocPtr() uint64 {
	return atomic.LoadUint64(hdr.uint64Ptr(hdrAllocPtrIdx))
}

func (hdr *dbHeader) casAllocPtr(old, new uint64) bool {
	return atomic.CompareAndSwapUint64(hdr.uint64Ptr(hdrAllocPtrIdx), old, new)
}

func (hdr *dbHeader) loadEndPtr() uint64 {
	return atomic.LoadUint64(hdr.uint64Ptr(hdrEndPtrIdx))
}

func (hdr *dbHeader) storeEndPtr(val uint64) {
	atomic.StoreUint64(hdr.uint64Ptr(hdrEndPtrIdx), val)
}

func (hdr *dbHeader) loadSegmentCount() uint64 {
	return atomic.LoadUint64(hdr.uint64Ptr(hdrSegmentCountIdx))
}

func (hdr *dbHeader) storeSegmentCount(val uint64) {
	atomic.StoreUint64(hdr.uint64Ptr(hdrSegmentCountIdx), val)
}

// nextRegionCounter
//	Monotonic counter backing fresh region selection.
func (hdr *dbHeader) nextRegionCounter() uint64 {
	return atomic.AddUint64(hdr.uint64Ptr(hdrNextRegionIdx), 1)
}

// lockClears
//	Count of modify lock bits cleared by the last recovery run.
func (hdr *dbHeader) lockClears() uint64 {
	return atomic.LoadUint64(hdr.uint64Ptr(hdrLockClearsIdx))
}

func (hdr *dbHeader) storeLockClears(val uint64) {
	atomic.StoreUint64(hdr.uint64Ptr(hdrLockClearsIdx), val)
}

func (hdr *dbHeader) loadTopRoot(slot int) NodeID {
	return NodeID(atomic.LoadUint64(hdr.uint64Ptr(hdr.topRootsOff + uint64(slot) * 8)))
}

func (hdr *dbHeader) storeTopRoot(slot int, id NodeID) {
	atomic.StoreUint64(hdr.uint64Ptr(hdr.topRootsOff + uint64(slot) * 8), uint64(id))
}

// ring entries hold segment numbers queued for reuse, indexed by ptr modulo maxSegments
func (hdr *dbHeader) loadRingEntry(ptr uint64) uint32 {
	return uint32(atomic.LoadUint64(hdr.uint64Ptr(hdr.ringOff + (ptr % hdr.maxSegments) * 8)))
}

func (hdr *dbHeader) storeRingEntry(ptr uint64, segNum uint32) {
	atomic.StoreUint64(hdr.uint64Ptr(hdr.ringOff + (ptr % hdr.maxSegments) * 8), uint64(segNum))
}

func (hdr *dbHeader) segMetaPtr(segNum uint32, fieldIdx uint64) *uint64 {
	return hdr.uint64Ptr(hdr.segMetaOff + uint64(segNum) * segMetaSize + fieldIdx)
}

func (hdr *dbHeader) loadFreeBytes(segNum uint32) uint64 {
	return atomic.LoadUint64(hdr.segMetaPtr(segNum, segMetaFreeBytesIdx))
}

func (hdr *dbHeader) addFreeBytes(segNum uint32, n uint64) {
	atomic.AddUint64(hdr.segMetaPtr(segNum, segMetaFreeBytesIdx), n)
}

func (hdr *dbHeader) storeFreeBytes(segNum uint32, n uint64) {
	atomic.StoreUint64(hdr.segMetaPtr(segNum, segMetaFreeBytesIdx), n)
}

func (hdr *dbHeader) loadFreeObjects(segNum uint32) uint64 {
	return atomic.LoadUint64(hdr.segMetaPtr(segNum, segMetaFreeObjectsIdx))
}

func (hdr *dbHeader) addFreeObjects(segNum uint32, n uint64) {
	atomic.AddUint64(hdr.segMetaPtr(segNum, segMetaFreeObjectsIdx), n)
}

func (hdr *dbHeader) storeFreeObjects(segNum uint32, n uint64) {
	atomic.StoreUint64(hdr.segMetaPtr(segNum, segMetaFreeObjectsIdx), n)
}

func (hdr *dbHeader) loadLastSyncPos(segNum uint32) uint64 {
	return atomic.LoadUint64(hdr.segMetaPtr(segNum, segMetaLastSyncPosIdx))
}

func (hdr *dbHeader) storeLastSyncPos(segNum uint32, pos uint64) {
	atomic.StoreUint64(hdr.segMetaPtr(segNum, segMetaLastSyncPosIdx), pos)
}

func (hdr *dbHeader) loadAge(segNum uint32) uint64 {
	return atomic.LoadUint64(hdr.segMetaPtr(segNum, segMetaAgeIdx))
}

func (hdr *dbHeader) storeAge(segNum uint32, age uint64) {
	atomic.StoreUint64(hdr.segMetaPtr(segNum, segMetaAgeIdx), age)
}
