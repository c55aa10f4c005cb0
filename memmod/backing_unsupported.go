//go:build !linux && !darwin && !freebsd

package memmod

// backing falls back to heap memory; protections are enforced by Space only.
type backing struct {
	buf []byte
}

func newBacking(size int) (backing, error) {
	return backing{buf: make([]byte, size)}, nil
}

func (b backing) bytes() []byte {
	return b.buf
}

func (b backing) release() error {
	return nil
}

func (b backing) protect(prot []Prot, lo, hi int) error {
	_, _, _ = prot, lo, hi
	return nil
}
