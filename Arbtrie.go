package arbtrie

import "os"
import "path/filepath"
import "sync"


//============================================= Arbtrie


// on-disk layout under the chosen directory:
//	db         the header file: magic, clean shutdown flag, free segment ring, segment meta, top roots
//	data/arena the segment arena, grown a segment at a time
//	data/ids   the sparse meta word file, one word per possible id
const (
	headerFileName = "db"
	dataDirName = "data"
	arenaFileName = "arena"
	idsFileName = "ids"
)

// Open initializes an arbtrie store under the given directory.
//	A missing header file is created and formatted; an existing one is validated against the magic
//	value and the configured geometry. When the previous run did not shut down cleanly, recovery
//	clears stale mutation locks, finalizes orphaned writer segments, rebuilds the per segment free
//	byte accounting and re-walks every published root validating structural invariants.
func Open(opts ArbtrieOpts) (*Arbtrie, error) {
	opts = opts.applyDefaults()

	dataDir := filepath.Join(opts.Filepath, dataDirName)
	mkdirErr := os.MkdirAll(dataDir, 0755)
	if mkdirErr != nil { return nil, Resource.Wrap(mkdirErr) }

	db := &Arbtrie{
		filepath: opts.Filepath,
		opts: opts,
		log: opts.Logger,
		rootMutexes: make([]sync.Mutex, opts.NumTopRoots),
		sessions: newSessionRegistry(),
		framePool: newFramePool(256),
	}

	fresh, headerErr := db.openHeader()
	if headerErr != nil { return nil, headerErr }

	arenaErr := db.openArena()
	if arenaErr != nil { return nil, arenaErr }

	idsErr := db.openIDs(fresh)
	if idsErr != nil { return nil, idsErr }

	db.segs = newSegmentAllocator(db.header, db.arena, db.sessions, opts.SegmentSize, opts.MaxSegmentCount)
	db.compactor = newCompactor(db, db.log)
	db.opened = true

	db.internal = &ReadSession{ db: db, slot: MaxSessionCount }

	if ! fresh && ! db.header.cleanShutdown() {
		recoverErr := db.recover()
		if recoverErr != nil { return nil, recoverErr }
	}

	db.header.setCleanShutdown(false)
	flushErr := db.header.mMap.Flush()
	if flushErr != nil { return nil, Resource.Wrap(flushErr) }

	db.log.Infow("store opened", "path", opts.Filepath, "segments", db.header.loadSegmentCount(), "fresh", fresh)
	return db, nil
}

// openHeader
//	Create or validate the db header file and map it.
func (db *Arbtrie) openHeader() (bool, error) {
	size := headerFileSize(db.opts.NumTopRoots, db.opts.MaxSegmentCount)

	file, openErr := os.OpenFile(filepath.Join(db.filepath, headerFileName), os.O_RDWR | os.O_CREATE, 0600)
	if openErr != nil { return false, Resource.Wrap(openErr) }
	db.headerFile = file

	stat, statErr := file.Stat()
	if statErr != nil { return false, Resource.Wrap(statErr) }

	fresh := stat.Size() == 0

	if fresh {
		truncateErr := file.Truncate(int64(size))
		if truncateErr != nil { return false, Resource.Wrap(truncateErr) }
	} else if stat.Size() != int64(size) { return false, ErrBadHeaderSize }

	mMap, mapErr := Map(file, RDWR)
	if mapErr != nil { return false, Resource.Wrap(mapErr) }

	db.header = newDBHeader(mMap, db.opts.NumTopRoots, db.opts.MaxSegmentCount)

	if fresh {
		db.header.setMagic(dbMagic)
		db.header.setCleanShutdown(true)
	} else if db.header.magic() != dbMagic { return false, ErrBadMagic }

	return fresh, nil
}

// openArena
//	Map the segment arena at its current length.
func (db *Arbtrie) openArena() error {
	file, openErr := os.OpenFile(filepath.Join(db.filepath, dataDirName, arenaFileName), os.O_RDWR | os.O_CREATE, 0600)
	if openErr != nil { return Resource.Wrap(openErr) }

	arena, mapErr := openMapping(file)
	if mapErr != nil { return Resource.Wrap(mapErr) }

	db.arena = arena
	return nil
}

// openIDs
//	Map the sparse meta word file, formatting the region state words on first creation.
func (db *Arbtrie) openIDs(fresh bool) error {
	file, openErr := os.OpenFile(filepath.Join(db.filepath, dataDirName, idsFileName), os.O_RDWR | os.O_CREATE, 0600)
	if openErr != nil { return Resource.Wrap(openErr) }

	size := idsFileSize(db.opts.MaxRegionCount)

	stat, statErr := file.Stat()
	if statErr != nil { return Resource.Wrap(statErr) }

	if stat.Size() == 0 {
		truncateErr := file.Truncate(int64(size))
		if truncateErr != nil { return Resource.Wrap(truncateErr) }
	} else if stat.Size() != int64(size) { return ErrBadHeaderSize }

	idsMap, mapErr := openMapping(file)
	if mapErr != nil { return Resource.Wrap(mapErr) }

	db.idsMap = idsMap
	db.ids = newIDAllocator(idsMap.view(), db.header, db.opts.MaxRegionCount)

	if fresh || stat.Size() == 0 { db.ids.format() }
	return nil
}

// Sync
//	Flush the arena, the meta words and the header to disk with the requested durability.
//	Segment sync positions advance to each segment's current allocation mark.
func (db *Arbtrie) Sync(mode int) error {
	if ! db.opened { return ErrClosed }
	if mode == SyncNone { return nil }

	syncErr := db.arena.sync(mode)
	if syncErr != nil { return Resource.Wrap(syncErr) }

	syncErr = db.idsMap.sync(mode)
	if syncErr != nil { return Resource.Wrap(syncErr) }

	m := db.arena.view()
	count := db.header.loadSegmentCount()
	for segNum := uint32(0); uint64(segNum) < count; segNum++ {
		db.header.storeLastSyncPos(segNum, uint64(db.segs.loadAllocPos(m, segNum)))
	}

	if mode == SyncAsync { return db.header.mMap.FlushAsync() }
	return db.header.mMap.Flush()
}

// Close
//	Stop the compactor, sync the arena, mark the shutdown clean and sync the header.
func (db *Arbtrie) Close() error {
	if ! db.opened { return nil }

	db.StopCompactThread()
	db.compactor.close()

	db.finalizeOrphanSegments()

	syncErr := db.Sync(SyncFull)
	if syncErr != nil { return syncErr }

	db.opened = false

	db.internal.Close()
	db.internal = nil

	db.header.setCleanShutdown(true)

	flushErr := db.header.mMap.Flush()
	if flushErr != nil { return flushErr }

	unmapErr := db.header.mMap.Unmap()
	if unmapErr != nil { return unmapErr }

	closeErr := db.arena.close()
	if closeErr != nil { return closeErr }

	closeErr = db.idsMap.close()
	if closeErr != nil { return closeErr }

	closeErr = db.headerFile.Close()
	if closeErr != nil { return closeErr }

	db.log.Infow("store closed", "path", db.filepath)
	return nil
}

// Remove
//	Close the store and delete its files.
func (db *Arbtrie) Remove() error {
	closeErr := db.Close()
	if closeErr != nil { return closeErr }

	removeErr := os.Remove(filepath.Join(db.filepath, headerFileName))
	if removeErr != nil { return removeErr }

	return os.RemoveAll(filepath.Join(db.filepath, dataDirName))
}
