// Package shmem provides the POSIX shared-memory primitive every
// cross-process surface in CXLMemSim is built on: the per-node cacheline
// data segment (internal/memsrv) and the single distributed message
// segment (internal/fabric) are both typed views over a Region.
//
// A Region owns an mmap'd byte slice backed by a file under /dev/shm (the
// Linux POSIX shared-memory filesystem; shm_open(3) is equivalent to
// opening a file there). Go's usual aliasing assumptions do not hold for
// this memory: it may be concurrently mutated by another process, so every
// access that participates in cross-node synchronization goes through the
// atomic Load/Store helpers below rather than a plain slice read or write.
// Byte ranges that are not used for synchronization (cacheline payload
// bytes, envelope tail padding) may still be read and written directly via
// Bytes().
package shmem

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region is a named, page-aligned shared-memory mapping.
type Region struct {
	name  string
	path  string
	size  int
	data  []byte
	owner bool
}

// dir is the POSIX shared-memory filesystem root. Overridable in tests so
// a test run doesn't require /dev/shm to exist or be writable.
var dir = "/dev/shm"

// SetDirForTest overrides the backing directory for shared-memory segments.
// Test-only; never called from production code paths.
func SetDirForTest(d string) (restore func()) {
	prev := dir
	dir = d
	return func() { dir = prev }
}

// Create opens (creating if absent) a shared-memory segment of at least
// size bytes, rounded up to a page boundary, and maps it read-write. If
// the segment already exists and is smaller, it is extended to that size;
// a larger existing segment keeps its size and only the first size bytes
// are mapped. create=true mirrors O_CREAT; the first node to call Create for a
// given name is conventionally the segment's coordinator.
func Create(name string, size int) (*Region, error) {
	return open(name, size, true)
}

// Open maps an existing shared-memory segment without creating it.
func Open(name string, size int) (*Region, error) {
	return open(name, size, false)
}

func open(name string, size int, create bool) (*Region, error) {
	if err := os.MkdirAll(dir, 0o1777); err != nil {
		return nil, fmt.Errorf("shmem: ensure %s: %w", dir, err)
	}
	path := filepath.Join(dir, sanitize(name))

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shmem: open %q: %w", path, err)
	}
	defer f.Close()

	pageSize := pageAlign(size)
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("shmem: stat %q: %w", path, err)
	}
	if info.Size() < int64(pageSize) {
		if err := f.Truncate(int64(pageSize)); err != nil {
			return nil, fmt.Errorf("shmem: ftruncate %q to %d: %w", path, pageSize, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmem: mmap %q: %w", path, err)
	}

	return &Region{name: name, path: path, size: pageSize, data: data, owner: create}, nil
}

func pageAlign(size int) int {
	const page = 4096
	if size <= 0 {
		return page
	}
	return (size + page - 1) / page * page
}

func sanitize(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '/' {
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return "shmem_segment"
	}
	return string(out)
}

// Name returns the segment name this Region was opened with.
func (r *Region) Name() string { return r.name }

// Size returns the page-aligned mapping size in bytes.
func (r *Region) Size() int { return r.size }

// Bytes returns the full backing slice. Callers synchronizing across
// processes must use the atomic accessors below for any field another
// process may concurrently mutate.
func (r *Region) Bytes() []byte { return r.data }

// Close unmaps the region. If this Region created the segment (was opened
// via Create) and unlink is true, the backing file is also removed —
// mirrors "the segment is unlinked when the coordinator tears down
// cleanly" from the SHM header contract.
func (r *Region) Close(unlink bool) error {
	err := unix.Munmap(r.data)
	if unlink && r.owner {
		_ = os.Remove(r.path)
	}
	return err
}

// LoadU32 atomically reads a little-endian uint32 at byte offset off.
func (r *Region) LoadU32(off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.data[off])))
}

// StoreU32 atomically writes v as a little-endian uint32 at byte offset off.
func (r *Region) StoreU32(off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.data[off])), v)
}

// CompareAndSwapU32 atomically compares and swaps at byte offset off.
func (r *Region) CompareAndSwapU32(off int, old, new uint32) bool {
	return atomic.CompareAndSwapUint32((*uint32)(unsafe.Pointer(&r.data[off])), old, new)
}

// AddU32 atomically adds delta to the uint32 at byte offset off and
// returns the new value.
func (r *Region) AddU32(off int, delta uint32) uint32 {
	return atomic.AddUint32((*uint32)(unsafe.Pointer(&r.data[off])), delta)
}

// LoadU64 atomically reads a little-endian uint64 at byte offset off.
// off must be 8-byte aligned.
func (r *Region) LoadU64(off int) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&r.data[off])))
}

// StoreU64 atomically writes v at byte offset off. off must be 8-byte aligned.
func (r *Region) StoreU64(off int, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&r.data[off])), v)
}

// AddU64 atomically adds delta to the uint64 at byte offset off and
// returns the new value. off must be 8-byte aligned.
func (r *Region) AddU64(off int, delta uint64) uint64 {
	return atomic.AddUint64((*uint64)(unsafe.Pointer(&r.data[off])), delta)
}

// CompareAndSwapU64 atomically compares and swaps the uint64 at byte offset
// off. off must be 8-byte aligned.
func (r *Region) CompareAndSwapU64(off int, old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(&r.data[off])), old, new)
}
