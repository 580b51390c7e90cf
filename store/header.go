package store

import (
	"encoding/binary"
	"os"

	"github.com/sirgallo/logger"
)

var headerLog = logger.NewCustomLog("Header")

// Header field offsets within the single-page file header record.
const (
	hdrMagicOff      = 0
	hdrFileSizeOff   = 8
	hdrRecordNumOff  = 16
	hdrTotalPagesOff = 24
	hdrSparePagesOff = 32
	hdrLevelOff      = 40
	hdrRootGPIDOff   = 48
)

// fileHeader is the mapped, single-page file header record living at
// offset 0. It is mapped for the lifetime of the store handle.
type fileHeader struct {
	m mmapRegion
}

func (h *fileHeader) fileSize() int64      { return int64(binary.LittleEndian.Uint64(h.m[hdrFileSizeOff:])) }
func (h *fileHeader) setFileSize(v int64)  { binary.LittleEndian.PutUint64(h.m[hdrFileSizeOff:], uint64(v)) }
func (h *fileHeader) recordNum() uint64    { return binary.LittleEndian.Uint64(h.m[hdrRecordNumOff:]) }
func (h *fileHeader) setRecordNum(v uint64) {
	binary.LittleEndian.PutUint64(h.m[hdrRecordNumOff:], v)
}
func (h *fileHeader) totalPages() uint64 { return binary.LittleEndian.Uint64(h.m[hdrTotalPagesOff:]) }
func (h *fileHeader) setTotalPages(v uint64) {
	binary.LittleEndian.PutUint64(h.m[hdrTotalPagesOff:], v)
}
func (h *fileHeader) sparePages() uint64 { return binary.LittleEndian.Uint64(h.m[hdrSparePagesOff:]) }
func (h *fileHeader) setSparePages(v uint64) {
	binary.LittleEndian.PutUint64(h.m[hdrSparePagesOff:], v)
}
func (h *fileHeader) level() uint32     { return binary.LittleEndian.Uint32(h.m[hdrLevelOff:]) }
func (h *fileHeader) setLevel(v uint32) { binary.LittleEndian.PutUint32(h.m[hdrLevelOff:], v) }
func (h *fileHeader) rootGPID() gpid    { return gpid(binary.LittleEndian.Uint64(h.m[hdrRootGPIDOff:])) }
func (h *fileHeader) setRootGPID(g gpid) {
	binary.LittleEndian.PutUint64(h.m[hdrRootGPIDOff:], uint64(g))
}

func (h *fileHeader) hasValidMagic() bool {
	return string(h.m[hdrMagicOff:hdrMagicOff+len(magic)]) == magic
}

func (h *fileHeader) writeMagic() {
	copy(h.m[hdrMagicOff:hdrMagicOff+PageSize], make([]byte, PageSize))
	copy(h.m[hdrMagicOff:], []byte(magic))
}

// fileMap owns the backing file descriptor and the long-lived header
// mapping, and exposes ensure_length: the primitive every other component
// uses to atomically grow the file before writing into new territory.
type fileMap struct {
	fp     *os.File
	header *fileHeader
}

// openFileMap opens (creating if necessary) the backing file, extends it
// to at least one page if it is shorter, maps the header, and initializes
// a fresh header on a newly created file.
func openFileMap(path string) (*fileMap, bool, error) {
	fp, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, err
	}

	st, err := fp.Stat()
	if err != nil {
		fp.Close()
		return nil, false, err
	}

	isNew := st.Size() < PageSize
	if isNew {
		if err := fallocate(fp, 0, PageSize); err != nil {
			fp.Close()
			return nil, false, err
		}
	}

	m, err := mmapAt(fp, 0, PageSize)
	if err != nil {
		fp.Close()
		return nil, false, err
	}

	fm := &fileMap{fp: fp, header: &fileHeader{m: m}}

	if isNew {
		fm.header.writeMagic()
		fm.header.setRootGPID(GPIDNil)
		fm.header.setLevel(0)
		fm.header.setRecordNum(0)
		fm.header.setTotalPages(0)
		fm.header.setSparePages(0)
		headerLog.Info("initialized new store file:", path)
	} else if !fm.header.hasValidMagic() {
		m.Unmap()
		fp.Close()
		return nil, false, ErrBadMagic
	}

	st, err = fp.Stat()
	if err != nil {
		m.Unmap()
		fp.Close()
		return nil, false, err
	}
	fm.header.setFileSize(st.Size())

	return fm, isNew, nil
}

// ensureLength grows the backing file so that [pos, pos+length) can be
// written without faulting on space. Growth failures are fatal: the
// mmap-backed layout has nothing to roll back to.
func (fm *fileMap) ensureLength(pos, length int64) {
	if fm.header.fileSize() >= pos+length {
		return
	}
	if err := fallocate(fm.fp, pos, length); err != nil {
		headerLog.Error("fallocate failed:", err.Error())
		panic("kvenmo: ensure_length failed: " + err.Error())
	}
	fm.header.setFileSize(pos + length)
}

// sync flushes the header mapping to stable storage.
func (fm *fileMap) sync() error {
	return fm.header.m.Sync()
}

// close unmaps the header, fsyncs the fd, and closes it.
func (fm *fileMap) close() error {
	if err := fm.sync(); err != nil {
		return err
	}
	if err := fm.header.m.Unmap(); err != nil {
		return err
	}
	if err := fm.fp.Sync(); err != nil {
		return err
	}
	return fm.fp.Close()
}
