package arbtrie

import "github.com/zeebo/errs"


//============================================= Arbtrie Errors


// Error classes, grouped by the way they propagate:
//	structural errors return to the immediate caller with handles unchanged,
//	resource errors terminate the current operation,
//	corruption errors abort open.
var (
	Structural = errs.Class("arbtrie structural")
	Resource = errs.Class("arbtrie resource")
	Corruption = errs.Class("arbtrie corruption")
)

var (
	// ErrKeyNotFound: update or remove targeted a key that does not exist
	ErrKeyNotFound = Structural.New("key not found")
	// ErrKeyExists: insert targeted a key that already exists
	ErrKeyExists = Structural.New("key already exists")
	// ErrKeyTooLarge: the key exceeds MaxKeyLen
	ErrKeyTooLarge = Structural.New("key exceeds maximum length")
	// ErrValueTooLarge: the value cannot fit a single segment
	ErrValueTooLarge = Structural.New("value exceeds segment capacity")
	// ErrRefCountOverflow: retain would grow a refcount past MaxRefCount
	ErrRefCountOverflow = Structural.New("refcount overflow")
	// ErrRootSlotRange: top root slot index out of range
	ErrRootSlotRange = Structural.New("top root slot out of range")

	// ErrSessionLimit: all session slots are in use
	ErrSessionLimit = Resource.New("session slots exhausted")
	// ErrSegmentLimit: the arena reached MaxSegmentCount segments
	ErrSegmentLimit = Resource.New("segment count limit reached")
	// ErrRegionFull: an allocation region ran out of id indexes
	ErrRegionFull = Resource.New("id region exhausted")
	// ErrClosed: the store or session has been closed
	ErrClosed = Resource.New("store is closed")

	// ErrBadMagic: the db header file does not carry the expected magic value
	ErrBadMagic = Corruption.New("bad magic in db header")
	// ErrBadHeaderSize: the db header file size does not match the configured geometry
	ErrBadHeaderSize = Corruption.New("db header size mismatch")
	// ErrNodeInvariant: a recovery time walk found a structural violation
	ErrNodeInvariant = Corruption.New("node invariant violated")
)
