package memsrv

import (
	"bytes"
	"testing"

	"github.com/sluglab/cxlmemsim/internal/shmem"
)

func openTestManager(t *testing.T, baseAddr, numCachelines uint64) *Manager {
	t.Helper()
	restore := shmem.SetDirForTest(t.TempDir())
	t.Cleanup(restore)
	m, err := Open("test-smm-"+t.Name(), baseAddr, numCachelines)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(true) })
	return m
}

func TestManager_CachelineRoundTrip(t *testing.T) {
	m := openTestManager(t, 0x1000, 64)

	in := make([]byte, CachelineSize)
	for i := range in {
		in[i] = byte(i * 3)
	}
	m.WriteCacheline(0x1040, in)

	out := make([]byte, CachelineSize)
	m.ReadCacheline(0x1040, out)
	if !bytes.Equal(in, out) {
		t.Fatalf("readback mismatch: %v vs %v", in[:4], out[:4])
	}

	// A short write zero-extends the rest of the line.
	m.WriteCacheline(0x1040, []byte{0xFF})
	m.ReadCacheline(0x1040, out)
	if out[0] != 0xFF || out[1] != 0 {
		t.Fatalf("short write not zero-extended: %v", out[:4])
	}
}

// With base address 0 the manager accepts any address, mapping modulo the
// cacheline count.
func TestManager_AddressAgnosticMode(t *testing.T) {
	m := openTestManager(t, 0, 16)

	m.WriteCacheline(0xDEADBEEF00, []byte{0x42})
	out := make([]byte, CachelineSize)
	m.ReadCacheline(0xDEADBEEF00, out)
	if out[0] != 0x42 {
		t.Fatalf("agnostic-mode readback = %v, want 0x42", out[0])
	}

	// The aliased slot (same index modulo capacity) observes the write.
	alias := uint64(0xDEADBEEF00) + 16*CachelineSize
	m.ReadCacheline(alias, out)
	if out[0] != 0x42 {
		t.Fatalf("aliased slot = %v, want 0x42", out[0])
	}
}

func TestManager_FetchAddAndCAS(t *testing.T) {
	m := openTestManager(t, 0, 16)
	const addr = uint64(0x200)

	if pre := m.FetchAddUint64(addr, 5); pre != 0 {
		t.Fatalf("first FAA pre = %d, want 0", pre)
	}
	if pre := m.FetchAddUint64(addr, 3); pre != 5 {
		t.Fatalf("second FAA pre = %d, want 5", pre)
	}

	if swapped := m.CompareAndSwapUint64(addr, 8, 100); !swapped {
		t.Fatal("CAS with matching expected value should swap")
	}
	if swapped := m.CompareAndSwapUint64(addr, 8, 200); swapped {
		t.Fatal("CAS with stale expected value must not swap")
	}
	if pre := m.FetchAddUint64(addr, 0); pre != 100 {
		t.Fatalf("value after CAS = %d, want 100", pre)
	}
}

func TestManager_ZeroCachelinesRejected(t *testing.T) {
	restore := shmem.SetDirForTest(t.TempDir())
	defer restore()
	if _, err := Open("test-smm-zero", 0, 0); err == nil {
		t.Fatal("expected error for zero cachelines")
	}
}
