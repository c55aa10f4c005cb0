package memmod

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// PageSize is the guest page size. Mappings and protections are page granular.
const PageSize = 0x1000

const addrLimit = uint64(1) << 32

var (
	ErrOverlap   = errors.New("mapping overlaps an existing mapping")
	ErrNotMapped = errors.New("address range is not mapped")
	ErrFault     = errors.New("memory access fault")
	ErrUnaligned = errors.New("address is not page aligned")
)

// Prot is a set of guest page permissions.
type Prot uint8

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1 << 0
	ProtWrite Prot = 1 << 1
	ProtExec  Prot = 1 << 2
)

func (p Prot) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit Prot
		ch  byte
	}{{ProtRead, 'r'}, {ProtWrite, 'w'}, {ProtExec, 'x'}} {
		if p&f.bit != 0 {
			b.WriteByte(f.ch)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Memory is the access surface the loader, resolver and relocator work against.
type Memory interface {
	Read(addr uint32, p []byte) error
	Write(addr uint32, p []byte) error
	Protect(addr, size uint32, prot Prot) error
}

// Mapping is one contiguous guest mapping. Views into a mapping must check Live
// before every access: the handle stays valid after Unmap but reports false.
type Mapping struct {
	Addr uint32
	Size uint32

	prot  []Prot
	back  backing
	space *Space
	gen   uint64
	live  bool
}

// Live reports whether the mapping is still present in its address space.
func (m *Mapping) Live() bool {
	return m != nil && m.live
}

// Generation identifies the mapping instance; it is never reused within a Space.
func (m *Mapping) Generation() uint64 {
	if m == nil {
		return 0
	}
	return m.gen
}

// End returns the first address past the mapping.
func (m *Mapping) End() uint64 {
	return uint64(m.Addr) + uint64(m.Size)
}

// Contains reports whether [addr, addr+n) lies inside the mapping.
func (m *Mapping) Contains(addr uint32, n uint32) bool {
	return addr >= m.Addr && uint64(addr)+uint64(n) <= m.End()
}

// Space is a 32-bit guest address space.
type Space struct {
	maps    []*Mapping
	lastGen uint64
}

// NewSpace returns an empty address space.
func NewSpace() *Space {
	return &Space{}
}

// Map creates a zero-filled mapping at addr. addr must be page aligned; size is
// rounded up to whole pages.
func (s *Space) Map(addr, size uint32, prot Prot) (*Mapping, error) {
	if addr%PageSize != 0 {
		return nil, fmt.Errorf("map 0x%08x: %w", addr, ErrUnaligned)
	}
	if size == 0 {
		return nil, fmt.Errorf("map 0x%08x: empty mapping", addr)
	}
	length := PageUp(uint64(size))
	if uint64(addr)+length > addrLimit {
		return nil, fmt.Errorf("map 0x%08x+0x%x: range exceeds the address space", addr, length)
	}
	end := uint64(addr) + length
	for _, m := range s.maps {
		if uint64(addr) < m.End() && end > uint64(m.Addr) {
			return nil, fmt.Errorf("map [0x%08x,0x%08x) against [0x%08x,0x%08x): %w", addr, end, m.Addr, m.End(), ErrOverlap)
		}
	}

	back, err := newBacking(int(length))
	if err != nil {
		return nil, fmt.Errorf("map 0x%08x: allocate backing: %w", addr, err)
	}
	s.lastGen++
	m := &Mapping{
		Addr:  addr,
		Size:  uint32(length),
		prot:  make([]Prot, length/PageSize),
		back:  back,
		space: s,
		gen:   s.lastGen,
		live:  true,
	}
	for i := range m.prot {
		m.prot[i] = prot
	}
	if err := m.sync(0, len(m.prot)); err != nil {
		_ = back.release()
		return nil, fmt.Errorf("map 0x%08x: %w", addr, err)
	}

	s.maps = append(s.maps, m)
	sort.Slice(s.maps, func(i, j int) bool { return s.maps[i].Addr < s.maps[j].Addr })
	return m, nil
}

// Unmap releases a mapping. Views holding the handle observe Live() == false.
func (s *Space) Unmap(m *Mapping) error {
	if !m.Live() || m.space != s {
		return ErrNotMapped
	}
	for i, cur := range s.maps {
		if cur == m {
			s.maps = append(s.maps[:i], s.maps[i+1:]...)
			break
		}
	}
	m.live = false
	m.prot = nil
	return m.back.release()
}

// Mappings returns the live mappings in address order.
func (s *Space) Mappings() []*Mapping {
	out := make([]*Mapping, len(s.maps))
	copy(out, s.maps)
	return out
}

// Find returns the mapping containing addr.
func (s *Space) Find(addr uint32) (*Mapping, bool) {
	i := sort.Search(len(s.maps), func(i int) bool { return s.maps[i].End() > uint64(addr) })
	if i < len(s.maps) && s.maps[i].Addr <= addr {
		return s.maps[i], true
	}
	return nil, false
}

// ProtAt returns the protection of the page containing addr.
func (s *Space) ProtAt(addr uint32) (Prot, bool) {
	m, ok := s.Find(addr)
	if !ok {
		return ProtNone, false
	}
	return m.prot[(addr-m.Addr)/PageSize], true
}

// Protect sets prot on every page overlapping [addr, addr+size). Either every page
// is changed or none is.
func (s *Space) Protect(addr, size uint32, prot Prot) error {
	if size == 0 {
		return nil
	}
	start := PageDown(uint64(addr))
	end := PageUp(uint64(addr) + uint64(size))

	type span struct {
		m      *Mapping
		lo, hi int
	}
	var spans []span
	for cur := start; cur < end; {
		m, ok := s.Find(uint32(cur))
		if !ok {
			return fmt.Errorf("protect 0x%08x: %w", cur, ErrNotMapped)
		}
		stop := min(end, m.End())
		spans = append(spans, span{
			m:  m,
			lo: int((cur - uint64(m.Addr)) / PageSize),
			hi: int((stop - uint64(m.Addr)) / PageSize),
		})
		cur = stop
	}

	for _, sp := range spans {
		for i := sp.lo; i < sp.hi; i++ {
			sp.m.prot[i] = prot
		}
		if err := sp.m.sync(sp.lo, sp.hi); err != nil {
			return fmt.Errorf("protect 0x%08x: %w", addr, err)
		}
	}
	return nil
}

// Read copies guest memory at addr into p. Every page touched must be readable.
func (s *Space) Read(addr uint32, p []byte) error {
	return s.access(addr, p, ProtRead, func(dst, src []byte) { copy(src, dst) })
}

// Write copies p into guest memory at addr. Every page touched must be writable.
func (s *Space) Write(addr uint32, p []byte) error {
	return s.access(addr, p, ProtWrite, func(dst, src []byte) { copy(dst, src) })
}

func (s *Space) access(addr uint32, p []byte, want Prot, do func(guest, buf []byte)) error {
	if len(p) == 0 {
		return nil
	}
	if uint64(addr)+uint64(len(p)) > addrLimit {
		return fmt.Errorf("%w: %s at 0x%08x wraps the address space", ErrFault, accessName(want), addr)
	}

	// check every page before touching any of them
	type chunk struct {
		m       *Mapping
		off, n  int
		bufFrom int
	}
	var chunks []chunk
	for done := 0; done < len(p); {
		cur := addr + uint32(done)
		m, ok := s.Find(cur)
		if !ok {
			return fmt.Errorf("%w: %s at 0x%08x: unmapped", ErrFault, accessName(want), cur)
		}
		off := int(cur - m.Addr)
		n := min(len(p)-done, int(m.Size)-off)
		for page := off / PageSize; page <= (off+n-1)/PageSize; page++ {
			if m.prot[page]&want == 0 {
				return fmt.Errorf("%w: %s at 0x%08x: page is %s", ErrFault, accessName(want), m.Addr+uint32(page*PageSize), m.prot[page])
			}
		}
		chunks = append(chunks, chunk{m: m, off: off, n: n, bufFrom: done})
		done += n
	}
	for _, c := range chunks {
		do(c.m.back.bytes()[c.off:c.off+c.n], p[c.bufFrom:c.bufFrom+c.n])
	}
	return nil
}

// Close releases every mapping.
func (s *Space) Close() error {
	var errs []error
	for len(s.maps) > 0 {
		if err := s.Unmap(s.maps[0]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sync mirrors guest protections of pages [lo, hi) onto the host backing.
func (m *Mapping) sync(lo, hi int) error {
	return m.back.protect(m.prot, lo, hi)
}

func accessName(p Prot) string {
	if p == ProtWrite {
		return "write"
	}
	return "read"
}

// ReadUint32 reads a little-endian word.
func ReadUint32(mem Memory, addr uint32) (uint32, error) {
	var b [4]byte
	if err := mem.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// WriteUint32 writes a little-endian word.
func WriteUint32(mem Memory, addr, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return mem.Write(addr, b[:])
}

// ReadCString reads a NUL terminated string of at most max bytes.
func ReadCString(mem Memory, addr uint32, max int) (string, error) {
	var (
		out []byte
		b   [1]byte
	)
	for i := 0; i < max; i++ {
		if err := mem.Read(addr+uint32(i), b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return "", fmt.Errorf("string at 0x%08x exceeds %d bytes", addr, max)
}

// PageDown rounds v down to a page boundary.
func PageDown(v uint64) uint64 {
	return v &^ (PageSize - 1)
}

// PageUp rounds v up to a page boundary. Guest ranges are computed in 64 bits
// so the end of the last page can be 1<<32.
func PageUp(v uint64) uint64 {
	return (v + PageSize - 1) &^ (PageSize - 1)
}
