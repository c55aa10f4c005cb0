package memmod

import (
	"errors"
	"fmt"
)

// Default library window. Every library gets one whole slot of LibInc bytes.
const (
	LibBase = 0x80000000
	LibLast = 0x90000000
	LibInc  = 0x00100000
)

var ErrOutOfAddressSpace = errors.New("out of address space")

// Window hands out library base addresses from a fixed range with a bump
// cursor. Slots are never reused after unload.
type Window struct {
	next uint64
	last uint64
	inc  uint64
}

// NewWindow returns a window covering [base, last) in steps of inc.
func NewWindow(base, last, inc uint32) (*Window, error) {
	if inc == 0 || inc%PageSize != 0 || base%PageSize != 0 {
		return nil, fmt.Errorf("invalid window base=0x%08x inc=0x%x", base, inc)
	}
	if last <= base {
		return nil, fmt.Errorf("invalid window [0x%08x,0x%08x)", base, last)
	}
	return &Window{next: uint64(base), last: uint64(last), inc: uint64(inc)}, nil
}

// Allocate returns the base of the next free slot. Every call advances by one
// slot whatever size is. A size larger than one slot is rejected so that an
// image can never run into the next library's slot.
func (w *Window) Allocate(size uint32) (uint32, error) {
	if uint64(size) > w.inc {
		return 0, fmt.Errorf("%w: image of 0x%x bytes exceeds the 0x%x slot size", ErrOutOfAddressSpace, size, w.inc)
	}
	if w.next+w.inc > w.last {
		return 0, fmt.Errorf("%w: window exhausted at 0x%08x", ErrOutOfAddressSpace, w.next)
	}
	base := w.next
	w.next += w.inc
	return uint32(base), nil
}

// Next returns the base the next Allocate call would hand out.
func (w *Window) Next() uint32 {
	return uint32(w.next)
}
