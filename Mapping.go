package arbtrie

import "os"
import "sync"
import "sync/atomic"


//============================================= Arbtrie Mapping


// mapping
//	A file backed growable memory region.
//	Growth truncates the file and maps the larger range as a fresh mapping; the previous mapping is
//	retired rather than unmapped so that concurrent readers holding an older base pointer stay valid
//	until the mapping is closed. Readers always load the current view through an atomic value.
type mapping struct {
	file *os.File
	data atomic.Value
	growMutex sync.Mutex
	retired []MMap
}

// openMapping
//	Map the file at its current length.
func openMapping(file *os.File) (*mapping, error) {
	mp := &mapping{ file: file }

	mMap, mapErr := Map(file, RDWR)
	if mapErr != nil { return nil, mapErr }

	mp.data.Store(mMap)
	return mp, nil
}

// view
//	The current mapped range. Slices taken from a view stay valid for as long as the mapping is open.
func (mp *mapping) view() MMap {
	return mp.data.Load().(MMap)
}

// size
//	The current mapped length in bytes.
func (mp *mapping) size() uint64 {
	return uint64(len(mp.view()))
}

// grow
//	Grow the file to newSize and publish a larger mapping.
//	The old mapping is kept on the retired list, keeping addresses held by concurrent readers valid.
func (mp *mapping) grow(newSize uint64) error {
	mp.growMutex.Lock()
	defer mp.growMutex.Unlock()

	curr := mp.view()
	if uint64(len(curr)) >= newSize { return nil }

	truncateErr := mp.file.Truncate(int64(newSize))
	if truncateErr != nil { return Resource.Wrap(truncateErr) }

	mMap, mapErr := Map(mp.file, RDWR)
	if mapErr != nil { return Resource.Wrap(mapErr) }

	if len(curr) > 0 { mp.retired = append(mp.retired, curr) }
	mp.data.Store(mMap)

	return nil
}

// sync
//	Flush the mapped range to disk. SyncNone is a no-op, SyncAsync schedules, SyncFull waits.
func (mp *mapping) sync(mode int) error {
	mMap := mp.view()

	switch mode {
		case SyncNone:
			return nil
		case SyncAsync:
			return mMap.FlushAsync()
		default:
			return mMap.Flush()
	}
}

// close
//	Flush and unmap the current and all retired mappings.
func (mp *mapping) close() error {
	mp.growMutex.Lock()
	defer mp.growMutex.Unlock()

	mMap := mp.view()
	flushErr := mMap.Flush()
	if flushErr != nil { return flushErr }

	unmapErr := mMap.Unmap()
	if unmapErr != nil { return unmapErr }

	mp.data.Store(MMap{})

	for _, old := range mp.retired {
		unmapErr = old.Unmap()
		if unmapErr != nil { return unmapErr }
	}

	mp.retired = nil
	return mp.file.Close()
}
