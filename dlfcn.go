package rtld

import (
	"debug/elf"
	"fmt"

	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/rdebug"
	"github.com/sliverarmory/rtld/soinfo"
	"github.com/sliverarmory/rtld/symbols"
)

// Load returns a handle to the library called name, loading it and its
// DT_NEEDED libraries first if needed. Loading a library that is already
// present takes another reference.
func (l *Linker) Load(name string) (Handle, error) {
	l.cfg.Lock.Lock()
	defer l.cfg.Lock.Unlock()
	return l.load(name)
}

func (l *Linker) load(name string) (Handle, error) {
	if l.closed {
		return Handle{}, ErrClosed
	}
	d, err := l.acquire(name)
	if err != nil {
		return Handle{}, l.record(fmt.Errorf("rtld: load %s: %w", name, err))
	}
	return d.Handle, nil
}

// Unload drops one reference to h. At zero the library's finalizers run and
// it is unmapped; its dependencies are released in turn.
func (l *Linker) Unload(h Handle) error {
	l.cfg.Lock.Lock()
	defer l.cfg.Lock.Unlock()
	return l.unload(h)
}

func (l *Linker) unload(h Handle) error {
	d, err := l.get(h)
	if err != nil {
		return l.record(err)
	}
	if err := l.release(d); err != nil {
		return l.record(fmt.Errorf("rtld: unload %s: %w", d.Name, err))
	}
	return nil
}

// Symbol returns the address of name as defined by the library h itself.
func (l *Linker) Symbol(h Handle, name string) (uint32, error) {
	l.cfg.Lock.Lock()
	defer l.cfg.Lock.Unlock()
	return l.symbol(h, name)
}

func (l *Linker) symbol(h Handle, name string) (uint32, error) {
	d, err := l.get(h)
	if err != nil {
		return 0, l.record(err)
	}
	m, ok, err := symbols.LookupIn(l.space, d, name)
	if err != nil {
		return 0, l.record(fmt.Errorf("rtld: %s: %w", d.Name, err))
	}
	if !ok {
		return 0, l.record(fmt.Errorf("%w: %q in %s", ErrSymbolNotFound, name, d.Name))
	}
	return m.Addr, nil
}

// LookupGlobal resolves name across every loaded library in load order,
// starting from the executable.
func (l *Linker) LookupGlobal(name string) (uint32, error) {
	l.cfg.Lock.Lock()
	defer l.cfg.Lock.Unlock()
	return l.lookupGlobal(name)
}

func (l *Linker) lookupGlobal(name string) (uint32, error) {
	if l.closed {
		return 0, ErrClosed
	}
	m, ok, err := symbols.LookupGlobal(l.space, l.store.Scope(l.exe), name)
	if err != nil {
		return 0, l.record(fmt.Errorf("rtld: %w", err))
	}
	if !ok {
		return 0, l.record(fmt.Errorf("%w: %q", ErrSymbolNotFound, name))
	}
	return m.Addr, nil
}

// LastError returns and clears the most recent failure, or "" if there was
// none since the last call.
func (l *Linker) LastError() string {
	l.cfg.Lock.Lock()
	defer l.cfg.Lock.Unlock()

	if l.lastErr == nil {
		return ""
	}
	msg := l.lastErr.Error()
	l.lastErr = nil
	return msg
}

// PhdrInfo describes one loaded object to an IteratePhdr callback.
type PhdrInfo struct {
	Addr  uint32
	Name  string
	Phdr  uint32
	Phnum int
	Progs []elf.ProgHeader
}

// IteratePhdr calls fn for every loaded object in load order and stops at
// the first error fn returns.
func (l *Linker) IteratePhdr(fn func(PhdrInfo) error) error {
	l.cfg.Lock.Lock()
	defer l.cfg.Lock.Unlock()

	if l.closed {
		return ErrClosed
	}
	for _, d := range l.store.All() {
		info := PhdrInfo{
			Addr:  d.Bias,
			Name:  d.Name,
			Phdr:  d.Phdr,
			Phnum: d.Phnum,
			Progs: append([]elf.ProgHeader(nil), d.Progs...),
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

// AddrToName returns the name of the library mapped at addr.
func (l *Linker) AddrToName(addr uint32) (string, bool) {
	l.cfg.Lock.Lock()
	defer l.cfg.Lock.Unlock()

	if l.closed {
		return "", false
	}
	d, ok := l.store.FindByAddr(addr)
	if !ok {
		return "", false
	}
	return d.Name, true
}

// FindExidx returns the ARM unwind index table of the library containing pc.
func (l *Linker) FindExidx(pc uint32) (addr, count uint32, ok bool) {
	l.cfg.Lock.Lock()
	defer l.cfg.Lock.Unlock()

	if l.closed {
		return 0, 0, false
	}
	d, found := l.store.FindByAddr(pc)
	if !found || d.Exidx.Count == 0 {
		return 0, 0, false
	}
	return d.Exidx.Addr, d.Exidx.Count, true
}

// Module is a snapshot of one loaded library.
type Module struct {
	Name     string
	Handle   Handle
	Base     uint32
	Size     uint32
	Bias     uint32
	Entry    uint32
	Flags    soinfo.Flags
	RefCount uint32
	Needed   []string
}

// Modules returns every loaded library in load order.
func (l *Linker) Modules() []Module {
	l.cfg.Lock.Lock()
	defer l.cfg.Lock.Unlock()

	var out []Module
	for _, d := range l.store.All() {
		out = append(out, Module{
			Name:     d.Name,
			Handle:   d.Handle,
			Base:     d.Base,
			Size:     d.Size,
			Bias:     d.Bias,
			Entry:    d.Entry,
			Flags:    d.Flags,
			RefCount: d.RefCount,
			Needed:   append([]string(nil), d.Needed...),
		})
	}
	return out
}

// Executable returns the main executable's handle.
func (l *Linker) Executable() Handle {
	l.cfg.Lock.Lock()
	defer l.cfg.Lock.Unlock()
	return l.exe.Handle
}

// LinkMap reads the link_map list from guest memory.
func (l *Linker) LinkMap() ([]rdebug.Entry, error) {
	l.cfg.Lock.Lock()
	defer l.cfg.Lock.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	return l.bridge.Snapshot()
}

// RDebugAddr returns the guest address of r_debug.
func (l *Linker) RDebugAddr() uint32 {
	return l.bridge.Addr()
}

// DebugState returns the current r_state.
func (l *Linker) DebugState() rdebug.State {
	l.cfg.Lock.Lock()
	defer l.cfg.Lock.Unlock()
	return l.bridge.State()
}

// Memory exposes the guest address space. Callers serialize with the linker.
func (l *Linker) Memory() memmod.Memory {
	return l.space
}
