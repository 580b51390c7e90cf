//go:build unix

package store

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapRegion is a single shared, read-write mapping of part of the backing
// file. It is the unit of durability: nothing written through it is
// guaranteed to survive a crash until Sync is called.
type mmapRegion []byte

// mmapAt maps length bytes of file starting at offset. offset must be a
// multiple of the system page size.
func mmapAt(file *os.File, offset int64, length int) (mmapRegion, error) {
	data, err := unix.Mmap(int(file.Fd()), offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return mmapRegion(data), nil
}

// Sync flushes the dirty pages of the mapping to stable storage.
func (m mmapRegion) Sync() error {
	if m == nil {
		return nil
	}
	return unix.Msync(m, unix.MS_SYNC)
}

// Unmap tears down the mapping. The byte slice must not be used afterwards.
func (m mmapRegion) Unmap() error {
	if m == nil {
		return nil
	}
	return unix.Munmap(m)
}

// fallocate reserves [offset, offset+length) in file so that subsequent
// writes into that range cannot fail with ENOSPC.
func fallocate(file *os.File, offset, length int64) error {
	return unix.Fallocate(int(file.Fd()), 0, offset, length)
}
