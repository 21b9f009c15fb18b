// Package memsrv implements the SharedMemoryManager (SMM): the per-node
// POSIX shared-memory segment that backs real cacheline bytes.
//
// The coherency directory (internal/coherency) decides *whether* an access
// is allowed and what it costs; SMM is where the bytes actually live and
// move. Unlike the directory, SMM holds no coherency state of its own — a
// node's slice of cachelines is read and written directly, with no
// per-cacheline lock here, because correctness of concurrent access is
// already guaranteed by the directory's per-entry lock before SMM is ever
// called (see internal/nodeserver).
package memsrv

import (
	"encoding/binary"
	"fmt"

	"github.com/sluglab/cxlmemsim/internal/shmem"
)

// Magic identifies an SMM segment header.
const Magic uint64 = 0x4458544D534D4D53 // "DXTMSMMS"

// Version is the current SMM header layout version.
const Version uint32 = 1

// CachelineSize is the coherency/data granularity in bytes.
const CachelineSize = 64

// Header layout, little-endian, at the start of the segment:
//
//	offset 0  (8): magic
//	offset 8  (4): version
//	offset 12 (4): reserved
//	offset 16 (8): base_addr
//	offset 24 (8): num_cachelines
//	offset 32 (8): data_offset
const (
	headerMagicOff         = 0
	headerVersionOff       = 8
	headerReservedOff      = 12
	headerBaseAddrOff      = 16
	headerNumCachelinesOff = 24
	headerDataOffsetOff    = 32
	headerSize             = 64 // rounded up to a cache-friendly boundary
)

// Manager owns one node's shared-memory cacheline data area.
type Manager struct {
	region        *shmem.Region
	baseAddr      uint64
	numCachelines uint64
	dataOffset    int
	addrAgnostic  bool
}

// Open creates or attaches the named shared-memory segment sized to hold
// numCachelines cachelines, and writes (or verifies) the header.
//
// baseAddr is the global address this node's memory range starts at. A
// baseAddr of 0 puts the manager in address-agnostic test mode: addresses
// are accepted unconditionally and mapped modulo numCachelines, matching
// CXL_BASE_ADDR=0 semantics from the environment contract.
func Open(shmName string, baseAddr, numCachelines uint64) (*Manager, error) {
	if numCachelines == 0 {
		return nil, fmt.Errorf("memsrv: numCachelines must be > 0")
	}
	size := headerSize + int(numCachelines)*CachelineSize
	region, err := shmem.Create(shmName, size)
	if err != nil {
		return nil, fmt.Errorf("memsrv: open %q: %w", shmName, err)
	}

	m := &Manager{
		region:        region,
		baseAddr:      baseAddr,
		numCachelines: numCachelines,
		dataOffset:    headerSize,
		addrAgnostic:  baseAddr == 0,
	}

	existingMagic := binary.LittleEndian.Uint64(region.Bytes()[headerMagicOff:])
	if existingMagic != Magic {
		m.writeHeader()
	}
	return m, nil
}

func (m *Manager) writeHeader() {
	b := m.region.Bytes()
	binary.LittleEndian.PutUint64(b[headerMagicOff:], Magic)
	binary.LittleEndian.PutUint32(b[headerVersionOff:], Version)
	binary.LittleEndian.PutUint64(b[headerBaseAddrOff:], m.baseAddr)
	binary.LittleEndian.PutUint64(b[headerNumCachelinesOff:], m.numCachelines)
	binary.LittleEndian.PutUint64(b[headerDataOffsetOff:], uint64(m.dataOffset))
}

// Close unmaps the segment. unlink removes the backing /dev/shm file too;
// only the owning node should pass true.
func (m *Manager) Close(unlink bool) error {
	return m.region.Close(unlink)
}

// NumCachelines returns the capacity of this segment in cachelines.
func (m *Manager) NumCachelines() uint64 { return m.numCachelines }

// BaseAddr returns the global address this segment's data area starts at,
// or 0 in address-agnostic mode.
func (m *Manager) BaseAddr() uint64 { return m.baseAddr }

// cachelineIndex maps a global address to a slot in this segment's data
// area. In address-agnostic mode (baseAddr == 0) every address maps modulo
// numCachelines, regardless of its numeric value — this is what lets unit
// tests exercise SMM without matching real HDM ranges.
func (m *Manager) cachelineIndex(addr uint64) uint64 {
	cl := addr &^ (CachelineSize - 1)
	if m.addrAgnostic {
		return (cl / CachelineSize) % m.numCachelines
	}
	return (cl - m.baseAddr) / CachelineSize
}

// GetCachelineData returns a direct view of the 64 bytes backing addr's
// cacheline. The returned slice aliases shared memory: callers must already
// hold whatever coherency guarantee makes this access safe (SMM itself
// does not lock cachelines).
func (m *Manager) GetCachelineData(addr uint64) []byte {
	idx := m.cachelineIndex(addr)
	start := m.dataOffset + int(idx)*CachelineSize
	return m.region.Bytes()[start : start+CachelineSize]
}

// ReadCacheline copies the 64 bytes backing addr's cacheline into out.
// len(out) must be >= 64.
func (m *Manager) ReadCacheline(addr uint64, out []byte) {
	copy(out, m.GetCachelineData(addr))
}

// WriteCacheline copies data (up to 64 bytes) into the cacheline backing
// addr, zero-extending if data is shorter than a full line.
func (m *Manager) WriteCacheline(addr uint64, data []byte) {
	line := m.GetCachelineData(addr)
	n := copy(line, data)
	for i := n; i < CachelineSize; i++ {
		line[i] = 0
	}
}

// ReadBytes copies size bytes starting at addr, which may span more than
// one cacheline (used for payloads smaller than a full line at an
// unaligned offset, e.g. a 4-byte atomic).
func (m *Manager) ReadBytes(addr uint64, size int) []byte {
	out := make([]byte, size)
	read := 0
	for read < size {
		cl := addr &^ (CachelineSize - 1)
		off := int(addr - cl)
		line := m.GetCachelineData(cl)
		n := copy(out[read:], line[off:])
		read += n
		addr += uint64(n)
	}
	return out
}

// WriteBytes writes data starting at addr, which may span more than one
// cacheline.
func (m *Manager) WriteBytes(addr uint64, data []byte) {
	written := 0
	for written < len(data) {
		cl := addr &^ (CachelineSize - 1)
		off := int(addr - cl)
		line := m.GetCachelineData(cl)
		n := copy(line[off:], data[written:])
		written += n
		addr += uint64(n)
	}
}

// FetchAddUint64 performs a sequentially-consistent fetch-and-add on the
// 8 bytes at addr, which must be 8-byte aligned within its cacheline.
// Returns the pre-update value.
func (m *Manager) FetchAddUint64(addr uint64, delta uint64) uint64 {
	cl := addr &^ (CachelineSize - 1)
	off := int(addr - cl)
	line := m.GetCachelineData(cl)
	return atomicAddUint64(line, off, delta)
}

// CompareAndSwapUint64 performs a sequentially-consistent CAS on the 8
// bytes at addr, which must be 8-byte aligned within its cacheline.
func (m *Manager) CompareAndSwapUint64(addr uint64, old, new uint64) bool {
	cl := addr &^ (CachelineSize - 1)
	off := int(addr - cl)
	line := m.GetCachelineData(cl)
	return atomicCASUint64(line, off, old, new)
}
