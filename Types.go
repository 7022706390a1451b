package arbtrie

import "os"
import "sync"
import "sync/atomic"

import "go.uber.org/zap"


// MMap
//	The byte array representation of a memory mapped file in memory.
type MMap []byte

// ArbtrieOpts initialize the Arbtrie
type ArbtrieOpts struct {
	// Filepath: the path to the directory holding the db header and arena files
	Filepath string
	// SegmentSize: the size in bytes of each arena segment, must be a power of two
	SegmentSize uint64
	// MaxSegmentCount: bounds the free segment ring buffer and the segment meta table
	MaxSegmentCount uint64
	// MaxRegionCount: bounds the number of allocation regions for node ids
	MaxRegionCount uint32
	// NumTopRoots: the number of independently versioned top root slots
	NumTopRoots int
	// CompactThresholdNum / CompactThresholdDenom: a finalized segment is a compaction candidate once freeBytes >= segmentSize * num / denom
	CompactThresholdNum uint64
	CompactThresholdDenom uint64
	// Logger: optional structured logger, a nop logger is used when nil
	Logger *zap.SugaredLogger
}

// KeyValuePair is returned from point lookups and iteration
type KeyValuePair struct {
	// Key: the full key in byte representation
	Key []byte
	// Value: the value bytes, nil when the entry holds a subtree
	Value []byte
	// Subtree: the root id of a nested trie when the value is a subtree
	Subtree NodeID
}

// NodeID
//	A 40 bit opaque node identifier. The high 24 bits are the allocation region, the low 16 bits the index within the region.
//	The zero id denotes "none".
type NodeID uint64

// NodeStats aggregates per kind node counts gathered by walking a trie
type NodeStats struct {
	Binary uint64
	Setlist uint64
	Full uint64
	Value uint64
	Keys uint64
	Bytes uint64
}

// Arbtrie contains the memory mapped arena, the db header, the id allocator and all metadata for operations to occur
type Arbtrie struct {
	filepath string
	opened bool

	opts ArbtrieOpts
	log *zap.SugaredLogger

	headerFile *os.File
	header *dbHeader

	arena *mapping
	idsMap *mapping
	ids *idAllocator
	segs *segmentAllocator
	sessions *sessionRegistry

	rootMutexes []sync.Mutex
	internal *ReadSession
	internalMutex sync.Mutex

	compactor *compactor
	framePool *framePool
}

// ReadSession occupies one of the session slots and pins segment reuse while its read lock is held
type ReadSession struct {
	db *Arbtrie
	slot int
	lockDepth int
	closed bool
}

// WriteSession extends a read session with an active allocation segment that its allocations append to monotonically
type WriteSession struct {
	ReadSession
	segNum uint32
	hasSeg bool
	region uint32
	hasRootRegion bool
}

// NodeHandle
//	An owned reference to a trie root. Clone retains, Release releases. The zero id represents an empty trie.
type NodeHandle struct {
	db *Arbtrie
	id NodeID
}

const (
	// DefaultSegmentSize: 256MiB segments
	DefaultSegmentSize = uint64(1) << 28
	// DefaultMaxSegmentCount bounds the arena at DefaultSegmentSize * DefaultMaxSegmentCount bytes
	DefaultMaxSegmentCount = uint64(1) << 12
	// DefaultMaxRegionCount: allocation regions available to the id allocator
	DefaultMaxRegionCount = uint32(1) << 10
	// DefaultNumTopRoots: top root registry slots
	DefaultNumTopRoots = 64
	// MaxSessionCount: session slots, fixed
	MaxSessionCount = 64
	// MaxKeyLen: keys above this length are rejected
	MaxKeyLen = 1024
	// MaxRefCount: refcount saturates here, retain beyond it is an error
	MaxRefCount = uint64(1 << refCountBits) - 1
	// FullNodeThreshold: branch count at which a setlist refactors to a full node
	FullNodeThreshold = 129
	// BinaryNodeInitialSize: initial entry heap bytes for a fresh binary node
	BinaryNodeInitialSize = 1024
	// BinaryNodeInitialEntryCap: initial entry slots for a fresh binary node
	BinaryNodeInitialEntryCap = 32
	// MaxBinaryNodeSize: heap bytes past which a binary node refactors instead of growing
	MaxBinaryNodeSize = 4096
	// MaxBinaryNodeEntries: entry slots past which a binary node refactors instead of growing
	MaxBinaryNodeEntries = 256
	// MaxInlineValueSize: values above this are spilled into value nodes
	MaxInlineValueSize = 63
)

const (
	nodeUndefined = uint8(0)
	nodeBinary = uint8(1)
	nodeSetlist = uint8(2)
	nodeFull = uint8(3)
	nodeValue = uint8(4)
)

// meta word layout, one 64 bit atomic per live id:
//	bits 0-11 refcount, bits 12-14 node type, bit 15 modify lock, bits 16-63 location (byte offset in the arena divided by 8)
const (
	refCountBits = 12
	refCountMask = uint64(1) << refCountBits - 1
	typeShift = 12
	typeMask = uint64(0x7) << typeShift
	modifyLockBit = uint64(1) << 15
	locationShift = 16
)

const (
	// objectHeaderSize: every arena allocation begins with this header
	objectHeaderSize = 16
	// segmentHeaderSize: every segment begins with this header
	segmentHeaderSize = 64
	// readPtrSentinel marks a session slot that holds no read lock
	readPtrSentinel = ^uint64(0)
)

// branch indexing inside inner nodes is 257 way: index 0 is the end-of-key value slot, index 1+b is branch byte b
const (
	eofBranch = 0
	numBranchSlots = 257
)

const (
	// entryInline: binary bucket entry stores the value bytes inline
	entryInline = uint8(0)
	// entryValueNode: binary bucket entry references a value node id
	entryValueNode = uint8(1)
	// entrySubtree: binary bucket entry references the root id of a nested trie
	entrySubtree = uint8(2)
)

// sync modes for Sync
const (
	SyncNone = 0
	SyncAsync = 1
	SyncFull = 2
)

// DefaultPageSize is the default page size set by the underlying OS. Usually will be 4KiB
var DefaultPageSize = os.Getpagesize()


// region
//	The 24 bit allocation region of the id.
func (id NodeID) region() uint32 {
	return uint32(id >> 16) & 0xFFFFFF
}

// index
//	The 16 bit index of the id within its region.
func (id NodeID) index() uint16 {
	return uint16(id)
}

func makeNodeID(region uint32, index uint16) NodeID {
	return NodeID(uint64(region & 0xFFFFFF) << 16 | uint64(index))
}

func packMeta(refCount uint64, nodeType uint8, location uint64) uint64 {
	return (refCount & refCountMask) | (uint64(nodeType) << typeShift) | (location / 8 << locationShift)
}

func metaRefCount(meta uint64) uint64 {
	return meta & refCountMask
}

func metaType(meta uint64) uint8 {
	return uint8((meta & typeMask) >> typeShift)
}

func metaLocation(meta uint64) uint64 {
	return (meta >> locationShift) * 8
}

func metaLocked(meta uint64) bool {
	return meta & modifyLockBit != 0
}

// withLocation
//	Rebuild a meta word with a new location, preserving refcount, type and lock bit.
func withLocation(meta uint64, location uint64) uint64 {
	var locationMask uint64 = ^uint64(0)
	locationMask <<= locationShift
	return (meta &^ locationMask) | (location / 8 << locationShift)
}

// applyDefaults
//	Zero valued options are replaced with package defaults.
func (opts ArbtrieOpts) applyDefaults() ArbtrieOpts {
	if opts.SegmentSize == 0 { opts.SegmentSize = DefaultSegmentSize }
	if opts.MaxSegmentCount == 0 { opts.MaxSegmentCount = DefaultMaxSegmentCount }
	if opts.MaxRegionCount == 0 { opts.MaxRegionCount = DefaultMaxRegionCount }
	if opts.NumTopRoots == 0 { opts.NumTopRoots = DefaultNumTopRoots }
	if opts.CompactThresholdNum == 0 || opts.CompactThresholdDenom == 0 {
		opts.CompactThresholdNum = 3
		opts.CompactThresholdDenom = 4
	}
	if opts.Logger == nil { opts.Logger = zap.NewNop().Sugar() }

	return opts
}

// sessionRegistry tracks the 64 session slots and their read pointers, plus one reserved internal
// slot the store uses to pin releases that happen outside any caller session
type sessionRegistry struct {
	enrollMutex sync.Mutex
	inUse [MaxSessionCount]bool
	readPtrs [MaxSessionCount + 1]uint64
}

func newSessionRegistry() *sessionRegistry {
	reg := &sessionRegistry{}
	for idx := range reg.readPtrs { atomic.StoreUint64(&reg.readPtrs[idx], readPtrSentinel) }

	return reg
}
