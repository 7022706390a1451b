package arbtrie

import "os"

import "golang.org/x/sys/unix"


//============================================= MMap


const (
	// RDONLY: maps the memory read-only. Attempts to write to the MMap object will result in undefined behavior.
	RDONLY = 0
	// RDWR: maps the memory as read-write. Writes to the MMap object will update the underlying file.
	RDWR = 1 << iota
	// COPY: maps the memory as copy-on-write. Writes to the MMap object will affect memory, but the underlying file will remain unchanged.
	COPY
	// EXEC: marks the mapped memory as executable.
	EXEC
)


// Map
//	Memory map the given file with the provided protection flags.
//	The entire file is mapped, so the file needs to be truncated to the desired length beforehand.
func Map(file *os.File, prot int) (MMap, error) {
	stat, statErr := file.Stat()
	if statErr != nil { return nil, statErr }

	length := int(stat.Size())
	if length == 0 { return MMap{}, nil }

	mmapProt := unix.PROT_READ
	switch {
		case prot & COPY != 0:
			mmapProt |= unix.PROT_WRITE
		case prot & RDWR != 0:
			mmapProt |= unix.PROT_WRITE
	}

	if prot & EXEC != 0 { mmapProt |= unix.PROT_EXEC }

	flags := unix.MAP_SHARED
	if prot & COPY != 0 { flags = unix.MAP_PRIVATE }

	data, mmapErr := unix.Mmap(int(file.Fd()), 0, length, mmapProt, flags)
	if mmapErr != nil { return nil, mmapErr }

	return MMap(data), nil
}

// Unmap
//	Removes the mapped region from the address space. The MMap must not be used afterwards.
func (m MMap) Unmap() error {
	if len(m) == 0 { return nil }
	return unix.Munmap([]byte(m))
}

// Flush
//	Synchronously flushes the mapped region to disk.
func (m MMap) Flush() error {
	if len(m) == 0 { return nil }
	return unix.Msync([]byte(m), unix.MS_SYNC)
}

// FlushAsync
//	Schedules a flush of the mapped region without waiting for it to complete.
func (m MMap) FlushAsync() error {
	if len(m) == 0 { return nil }
	return unix.Msync([]byte(m), unix.MS_ASYNC)
}

// AdviseSequential
//	Tell the OS the region will be scanned linearly, as the compactor does with evacuation candidates.
func (m MMap) AdviseSequential() error {
	if len(m) == 0 { return nil }
	return unix.Madvise([]byte(m), unix.MADV_SEQUENTIAL)
}

// AdviseDontNeed
//	Tell the OS the region's pages will not be needed again soon.
func (m MMap) AdviseDontNeed() error {
	if len(m) == 0 { return nil }
	return unix.Madvise([]byte(m), unix.MADV_DONTNEED)
}
