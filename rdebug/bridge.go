// Package rdebug maintains the r_debug record and the link_map list that an
// external debugger reads to follow library loads and unloads.
//
// Both structures live in guest memory in their 32-bit ABI layout:
//
//	struct r_debug  { int32 r_version; link_map *r_map; void (*r_brk)(void); int32 r_state; uintptr r_ldbase; }
//	struct link_map { uintptr l_addr; char *l_name; uintptr l_ld; link_map *l_next; link_map *l_prev; }
//
// A debugger breaks on r_brk; it is hit once with r_state set to the pending
// transition and once more after the list is consistent again.
package rdebug

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sliverarmory/rtld/memmod"
)

// State is the r_state value.
type State int32

const (
	Consistent    State = iota // RT_CONSISTENT
	AddPending                 // RT_ADD
	DeletePending              // RT_DELETE
)

func (s State) String() string {
	switch s {
	case Consistent:
		return "RT_CONSISTENT"
	case AddPending:
		return "RT_ADD"
	case DeletePending:
		return "RT_DELETE"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const (
	Version = 1

	RDebugSize  = 20
	LinkMapSize = 20

	offVersion = 0
	offMap     = 4
	offBrk     = 8
	offState   = 12
	offLdBase  = 16

	offAddr = 0
	offName = 4
	offLD   = 8
	offNext = 12
	offPrev = 16

	// brkOffset is where the breakpoint stub sits, right after r_debug.
	brkOffset = 0x20
	// nodesOffset is the start of the link_map slab.
	nodesOffset = 0x100
	// NodeSize holds one link_map plus its name (at most 127 bytes and a NUL).
	NodeSize = 0x100

	maxName = NodeSize - LinkMapSize - 1
)

var (
	ErrFull       = errors.New("link_map area is full")
	ErrNotLinked  = errors.New("record is not in the link_map list")
	ErrLinked     = errors.New("record is already in the link_map list")
	ErrCorrupt    = errors.New("link_map list is corrupt")
	ErrNameLength = errors.New("name does not fit a link_map node")
)

// Record is the per-library bridge node. Addr, Name and LD are filled by the
// owner before Add; Node is the guest address of the link_map while linked.
type Record struct {
	Addr uint32
	Name string
	LD   uint32
	Node uint32
}

// Entry is one link_map as read back from guest memory.
type Entry struct {
	Node uint32
	Addr uint32
	Name string
	LD   uint32
}

// Header is the decoded r_debug record.
type Header struct {
	Version int32
	Map     uint32
	Brk     uint32
	State   State
	LdBase  uint32
}

// Bridge owns the r_debug record and the link_map slab in [base, base+size).
type Bridge struct {
	mem   memmod.Memory
	base  uint32
	size  uint32
	tail  uint32
	state State
	next  uint32
	free  []uint32
	brk   func(State)
}

// New writes an empty r_debug at base. The range must already be mapped
// read/write in mem.
func New(mem memmod.Memory, base, size, ldbase uint32) (*Bridge, error) {
	if size < nodesOffset+NodeSize {
		return nil, fmt.Errorf("bridge area of 0x%x bytes is too small", size)
	}
	b := &Bridge{
		mem:  mem,
		base: base,
		size: size,
		next: base + nodesOffset,
	}
	var hdr [RDebugSize]byte
	binary.LittleEndian.PutUint32(hdr[offVersion:], Version)
	binary.LittleEndian.PutUint32(hdr[offBrk:], base+brkOffset)
	binary.LittleEndian.PutUint32(hdr[offState:], uint32(Consistent))
	binary.LittleEndian.PutUint32(hdr[offLdBase:], ldbase)
	if err := mem.Write(base, hdr[:]); err != nil {
		return nil, fmt.Errorf("write r_debug: %w", err)
	}
	return b, nil
}

// Addr returns the guest address of r_debug.
func (b *Bridge) Addr() uint32 {
	return b.base
}

// BreakAddr returns r_brk.
func (b *Bridge) BreakAddr() uint32 {
	return b.base + brkOffset
}

// State returns the current r_state.
func (b *Bridge) State() State {
	return b.state
}

// SetBreakpoint installs fn as the breakpoint hook. fn is called with the
// state in effect at each trigger point and must not mutate the list.
func (b *Bridge) SetBreakpoint(fn func(State)) {
	b.brk = fn
}

// Add appends rec to the list. commit runs inside the RT_ADD window, after the
// node is spliced in and before the state returns to RT_CONSISTENT.
func (b *Bridge) Add(rec *Record, commit func()) error {
	if rec.Node != 0 {
		return ErrLinked
	}
	if len(rec.Name) > maxName {
		return fmt.Errorf("%w: %q", ErrNameLength, rec.Name)
	}
	node, err := b.allocNode()
	if err != nil {
		return err
	}

	var buf [NodeSize]byte
	binary.LittleEndian.PutUint32(buf[offAddr:], rec.Addr)
	binary.LittleEndian.PutUint32(buf[offName:], node+LinkMapSize)
	binary.LittleEndian.PutUint32(buf[offLD:], rec.LD)
	binary.LittleEndian.PutUint32(buf[offPrev:], b.tail)
	copy(buf[LinkMapSize:], rec.Name)
	if err := b.mem.Write(node, buf[:]); err != nil {
		b.free = append(b.free, node)
		return fmt.Errorf("write link_map: %w", err)
	}

	if err := b.setState(AddPending); err != nil {
		b.free = append(b.free, node)
		return err
	}
	b.trigger()

	if b.tail == 0 {
		err = memmod.WriteUint32(b.mem, b.base+offMap, node)
	} else {
		err = memmod.WriteUint32(b.mem, b.tail+offNext, node)
	}
	if err != nil {
		b.free = append(b.free, node)
		return b.abort(fmt.Errorf("splice link_map: %w", err))
	}
	b.tail = node
	rec.Node = node
	if commit != nil {
		commit()
	}

	if err := b.setState(Consistent); err != nil {
		return err
	}
	b.trigger()
	return nil
}

// Remove unlinks rec. commit runs inside the RT_DELETE window.
func (b *Bridge) Remove(rec *Record, commit func()) error {
	node := rec.Node
	if node == 0 {
		return ErrNotLinked
	}
	next, err := memmod.ReadUint32(b.mem, node+offNext)
	if err != nil {
		return fmt.Errorf("read link_map: %w", err)
	}
	prev, err := memmod.ReadUint32(b.mem, node+offPrev)
	if err != nil {
		return fmt.Errorf("read link_map: %w", err)
	}

	if err := b.setState(DeletePending); err != nil {
		return err
	}
	b.trigger()

	link := b.base + offMap
	if prev != 0 {
		link = prev + offNext
	}
	if err := memmod.WriteUint32(b.mem, link, next); err != nil {
		return b.abort(fmt.Errorf("unlink link_map: %w", err))
	}
	if next == 0 {
		b.tail = prev
	} else if err := memmod.WriteUint32(b.mem, next+offPrev, prev); err != nil {
		err = fmt.Errorf("unlink link_map: %w", err)
		if rerr := memmod.WriteUint32(b.mem, link, node); rerr != nil {
			err = errors.Join(err, fmt.Errorf("relink link_map: %w", rerr))
		}
		return b.abort(err)
	}
	rec.Node = 0
	if commit != nil {
		commit()
	}

	if err := b.setState(Consistent); err != nil {
		return err
	}
	b.trigger()

	var zero [NodeSize]byte
	if err := b.mem.Write(node, zero[:]); err != nil {
		return fmt.Errorf("clear link_map: %w", err)
	}
	b.free = append(b.free, node)
	return nil
}

// Snapshot walks r_map in guest memory the way a debugger does.
func (b *Bridge) Snapshot() ([]Entry, error) {
	return Walk(b.mem, b.base)
}

func (b *Bridge) allocNode() (uint32, error) {
	if n := len(b.free); n > 0 {
		node := b.free[n-1]
		b.free = b.free[:n-1]
		return node, nil
	}
	if uint64(b.next)+NodeSize > uint64(b.base)+uint64(b.size) {
		return 0, ErrFull
	}
	node := b.next
	b.next += NodeSize
	return node, nil
}

// abort returns r_state to RT_CONSISTENT after a failed splice so the
// debugger sees the usual pair of stops around an unchanged list.
func (b *Bridge) abort(err error) error {
	if serr := b.setState(Consistent); serr != nil {
		return errors.Join(err, serr)
	}
	b.trigger()
	return err
}

func (b *Bridge) setState(s State) error {
	if err := memmod.WriteUint32(b.mem, b.base+offState, uint32(s)); err != nil {
		return fmt.Errorf("write r_state: %w", err)
	}
	b.state = s
	return nil
}

// trigger stands in for the call to r_brk.
func (b *Bridge) trigger() {
	if b.brk != nil {
		b.brk(b.state)
	}
}

// ReadHeader decodes r_debug at addr.
func ReadHeader(mem memmod.Memory, addr uint32) (Header, error) {
	var raw [RDebugSize]byte
	if err := mem.Read(addr, raw[:]); err != nil {
		return Header{}, fmt.Errorf("read r_debug: %w", err)
	}
	return Header{
		Version: int32(binary.LittleEndian.Uint32(raw[offVersion:])),
		Map:     binary.LittleEndian.Uint32(raw[offMap:]),
		Brk:     binary.LittleEndian.Uint32(raw[offBrk:]),
		State:   State(int32(binary.LittleEndian.Uint32(raw[offState:]))),
		LdBase:  binary.LittleEndian.Uint32(raw[offLdBase:]),
	}, nil
}

// Walk reads the link_map list rooted at the r_debug record at addr.
func Walk(mem memmod.Memory, addr uint32) ([]Entry, error) {
	hdr, err := ReadHeader(mem, addr)
	if err != nil {
		return nil, err
	}
	var (
		out  []Entry
		prev uint32
		seen = map[uint32]bool{}
	)
	for node := hdr.Map; node != 0; {
		if seen[node] {
			return nil, fmt.Errorf("%w: cycle at 0x%08x", ErrCorrupt, node)
		}
		seen[node] = true

		var raw [LinkMapSize]byte
		if err := mem.Read(node, raw[:]); err != nil {
			return nil, fmt.Errorf("read link_map at 0x%08x: %w", node, err)
		}
		if p := binary.LittleEndian.Uint32(raw[offPrev:]); p != prev {
			return nil, fmt.Errorf("%w: l_prev of 0x%08x is 0x%08x, want 0x%08x", ErrCorrupt, node, p, prev)
		}
		name, err := memmod.ReadCString(mem, binary.LittleEndian.Uint32(raw[offName:]), maxName+1)
		if err != nil {
			return nil, fmt.Errorf("read l_name of 0x%08x: %w", node, err)
		}
		out = append(out, Entry{
			Node: node,
			Addr: binary.LittleEndian.Uint32(raw[offAddr:]),
			Name: name,
			LD:   binary.LittleEndian.Uint32(raw[offLD:]),
		})
		prev = node
		node = binary.LittleEndian.Uint32(raw[offNext:])
	}
	return out, nil
}
