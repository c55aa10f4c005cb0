package memmod

import (
	"bytes"
	"errors"
	"testing"
)

func newTestSpace(t *testing.T) *Space {
	t.Helper()
	space := NewSpace()
	t.Cleanup(func() {
		if err := space.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return space
}

func TestMapRejectsOverlap(t *testing.T) {
	space := newTestSpace(t)

	if _, err := space.Map(0x10000, 0x2000, ProtRead); err != nil {
		t.Fatalf("Map(0x10000): %v", err)
	}
	if _, err := space.Map(0x11000, 0x1000, ProtRead); !errors.Is(err, ErrOverlap) {
		t.Fatalf("Map(0x11000) err=%v, want ErrOverlap", err)
	}
	if _, err := space.Map(0x12000, 0x1000, ProtRead); err != nil {
		t.Fatalf("Map(0x12000) adjacent: %v", err)
	}
	if _, err := space.Map(0x12800, 0x100, ProtRead); !errors.Is(err, ErrUnaligned) {
		t.Fatalf("Map(0x12800) err=%v, want ErrUnaligned", err)
	}
}

func TestReadWriteHonorsProtection(t *testing.T) {
	space := newTestSpace(t)

	m, err := space.Map(0x20000, 0x2000, ProtRead|ProtWrite)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	payload := []byte("hello, guest")
	// straddles the page boundary
	addr := uint32(0x20ffa)
	if err := space.Write(addr, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(payload))
	if err := space.Read(addr, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Read got=%q want=%q", got, payload)
	}

	if err := space.Protect(0x21000, PageSize, ProtRead); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if prot, _ := space.ProtAt(0x21000); prot != ProtRead {
		t.Fatalf("ProtAt(0x21000)=%s, want r--", prot)
	}
	if err := space.Write(addr, payload); !errors.Is(err, ErrFault) {
		t.Fatalf("Write across read-only page err=%v, want ErrFault", err)
	}
	// the failed write must not have touched the writable first page
	if err := space.Read(addr, got); err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("Read after failed write got=%q err=%v", got, err)
	}
	if err := space.Write(0x20000, []byte{1}); err != nil {
		t.Fatalf("Write to writable page: %v", err)
	}
	if !m.Live() {
		t.Fatalf("mapping reported dead while mapped")
	}
}

func TestProtectIsAllOrNothing(t *testing.T) {
	space := newTestSpace(t)

	if _, err := space.Map(0x30000, PageSize, ProtRead|ProtWrite); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := space.Protect(0x30000, 2*PageSize, ProtRead); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("Protect over hole err=%v, want ErrNotMapped", err)
	}
	if prot, _ := space.ProtAt(0x30000); prot != ProtRead|ProtWrite {
		t.Fatalf("page protection changed by failed Protect: %s", prot)
	}
}

func TestUnmapInvalidatesMapping(t *testing.T) {
	space := newTestSpace(t)

	m, err := space.Map(0x40000, PageSize, ProtRead|ProtWrite)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := space.Unmap(m); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if m.Live() {
		t.Fatalf("mapping still live after Unmap")
	}
	if err := space.Unmap(m); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("second Unmap err=%v, want ErrNotMapped", err)
	}
	if _, err := ReadUint32(space, 0x40000); !errors.Is(err, ErrFault) {
		t.Fatalf("read after unmap err=%v, want ErrFault", err)
	}

	again, err := space.Map(0x40000, PageSize, ProtRead)
	if err != nil {
		t.Fatalf("re-Map: %v", err)
	}
	if again.Generation() == m.Generation() {
		t.Fatalf("mapping generation reused: %d", again.Generation())
	}
}

func TestWordAndStringHelpers(t *testing.T) {
	space := newTestSpace(t)

	if _, err := space.Map(0x50000, PageSize, ProtRead|ProtWrite); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := WriteUint32(space, 0x50010, 0xdeadbeef); err != nil {
		t.Fatalf("WriteUint32: %v", err)
	}
	v, err := ReadUint32(space, 0x50010)
	if err != nil || v != 0xdeadbeef {
		t.Fatalf("ReadUint32 got=0x%x err=%v", v, err)
	}
	if err := space.Write(0x50100, []byte("libc.so\x00")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s, err := ReadCString(space, 0x50100, 64)
	if err != nil || s != "libc.so" {
		t.Fatalf("ReadCString got=%q err=%v", s, err)
	}
	if _, err := ReadCString(space, 0x50100, 3); err == nil {
		t.Fatalf("ReadCString with short limit succeeded")
	}
}

func TestPageRounding(t *testing.T) {
	for _, tc := range []struct {
		v, down, up uint64
	}{
		{0, 0, 0},
		{1, 0, PageSize},
		{PageSize, PageSize, PageSize},
		{0x80001234, 0x80001000, 0x80002000},
		{0xffffffff, 0xfffff000, 1 << 32},
	} {
		if got := PageDown(tc.v); got != tc.down {
			t.Fatalf("PageDown(0x%x) = 0x%x, want 0x%x", tc.v, got, tc.down)
		}
		if got := PageUp(tc.v); got != tc.up {
			t.Fatalf("PageUp(0x%x) = 0x%x, want 0x%x", tc.v, got, tc.up)
		}
	}
}
