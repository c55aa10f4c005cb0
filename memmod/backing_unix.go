//go:build linux || darwin || freebsd

package memmod

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// backing keeps guest pages in an anonymous host mapping so that guest
// protections are enforced by the host MMU as well as by Space.
type backing struct {
	buf      []byte
	hostPage int
}

func newBacking(size int) (backing, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return backing{}, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return backing{buf: buf, hostPage: unix.Getpagesize()}, nil
}

func (b backing) bytes() []byte {
	return b.buf
}

func (b backing) release() error {
	if b.buf == nil {
		return nil
	}
	if err := unix.Munmap(b.buf); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

// protect applies the union of guest protections to each host page that
// overlaps guest pages [lo, hi).
func (b backing) protect(prot []Prot, lo, hi int) error {
	if hi <= lo || b.hostPage%PageSize != 0 {
		return nil
	}
	per := b.hostPage / PageSize
	for h := lo / per; h <= (hi-1)/per; h++ {
		var union Prot
		for g := h * per; g < min((h+1)*per, len(prot)); g++ {
			union |= prot[g]
		}
		from := h * b.hostPage
		to := min(from+b.hostPage, len(b.buf))
		if err := unix.Mprotect(b.buf[from:to], hostProt(union)); err != nil {
			return fmt.Errorf("mprotect host page %d to %s: %w", h, union, err)
		}
	}
	return nil
}

func hostProt(p Prot) int {
	switch {
	case p&ProtWrite != 0:
		return unix.PROT_READ | unix.PROT_WRITE
	case p&(ProtRead|ProtExec) != 0:
		return unix.PROT_READ
	default:
		return unix.PROT_NONE
	}
}
