package soinfo

import (
	"errors"
	"fmt"
	"slices"
)

var ErrStaleHandle = errors.New("stale library handle")

// Handle addresses a descriptor in the store arena. The zero Handle is never
// valid; a handle goes stale once its descriptor is removed.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return h.gen == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("#%d.%d", h.index, h.gen)
}

type slot struct {
	d   *Descriptor
	gen uint32
}

// Store owns the loaded descriptors. The load order is kept as a sequence of
// arena indices; arena slots are recycled, handles are not.
type Store struct {
	slots []slot
	free  []uint32
	order []uint32
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Insert appends d to the load order and assigns d.Handle.
func (s *Store) Insert(d *Descriptor) Handle {
	var index uint32
	if n := len(s.free); n > 0 {
		index = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		index = uint32(len(s.slots))
		s.slots = append(s.slots, slot{})
	}
	sl := &s.slots[index]
	sl.gen++
	sl.d = d
	d.Handle = Handle{index: index, gen: sl.gen}
	s.order = append(s.order, index)
	return d.Handle
}

// Remove unlinks the descriptor addressed by h.
func (s *Store) Remove(h Handle) error {
	if _, ok := s.Get(h); !ok {
		return fmt.Errorf("remove %s: %w", h, ErrStaleHandle)
	}
	sl := &s.slots[h.index]
	sl.d.Handle = Handle{}
	sl.d = nil
	sl.gen++
	s.free = append(s.free, h.index)
	s.order = slices.DeleteFunc(s.order, func(i uint32) bool { return i == h.index })
	return nil
}

// Get resolves h.
func (s *Store) Get(h Handle) (*Descriptor, bool) {
	if h.IsZero() || int(h.index) >= len(s.slots) {
		return nil, false
	}
	sl := s.slots[h.index]
	if sl.d == nil || sl.gen != h.gen {
		return nil, false
	}
	return sl.d, true
}

// FindByName returns the descriptor whose name matches exactly.
func (s *Store) FindByName(name string) (*Descriptor, bool) {
	for _, i := range s.order {
		if d := s.slots[i].d; d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// FindByAddr returns the descriptor whose range contains addr.
func (s *Store) FindByAddr(addr uint32) (*Descriptor, bool) {
	for _, i := range s.order {
		if d := s.slots[i].d; d.Contains(addr, 1) {
			return d, true
		}
	}
	return nil, false
}

// All returns the descriptors in load order.
func (s *Store) All() []*Descriptor {
	out := make([]*Descriptor, 0, len(s.order))
	for _, i := range s.order {
		out = append(out, s.slots[i].d)
	}
	return out
}

// Scope returns the symbol search order for start: start itself, then every
// other stored descriptor in load order. start need not be stored yet.
func (s *Store) Scope(start *Descriptor) []*Descriptor {
	out := make([]*Descriptor, 0, len(s.order)+1)
	if start != nil {
		out = append(out, start)
	}
	for _, i := range s.order {
		if d := s.slots[i].d; d != start {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of stored descriptors.
func (s *Store) Len() int {
	return len(s.order)
}
