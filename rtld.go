// Package rtld is a dynamic linker for 32-bit ARM and x86 ELF images. It maps
// an executable and its shared libraries into a modeled guest address space,
// resolves and relocates them, runs their initializers through a Runner, and
// keeps the r_debug/link_map list a debugger reads in guest memory.
package rtld

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sliverarmory/rtld/loader"
	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/rdebug"
	"github.com/sliverarmory/rtld/reloc"
	"github.com/sliverarmory/rtld/soinfo"
	"github.com/sliverarmory/rtld/symbols"
)

// Handle identifies a loaded library.
type Handle = soinfo.Handle

// Linker owns one guest address space and every library loaded into it.
type Linker struct {
	cfg       Config
	space     *memmod.Space
	window    *memmod.Window
	store     *soinfo.Store
	bridge    *rdebug.Bridge
	relocator *reloc.Relocator

	exe     *soinfo.Descriptor
	self    *soinfo.Descriptor
	exports map[uint32]string
	pending map[string]bool

	lastErr error
	closed  bool
}

// Open reads the executable at name from cfg.FS and links it.
func Open(name string, cfg Config) (*Linker, error) {
	if cfg.FS == nil {
		return nil, errors.New("rtld: no file system configured")
	}
	data, err := fs.ReadFile(cfg.FS, strings.TrimPrefix(name, "/"))
	if err != nil {
		return nil, fmt.Errorf("rtld: read executable: %w", err)
	}
	return New(path.Base(name), data, cfg)
}

// New links the main executable image exe, its DT_NEEDED libraries and the
// linker-self library, then runs the executable's initializers.
func New(name string, exe []byte, cfg Config) (*Linker, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if !reloc.Supported(cfg.Machine) {
		return nil, fmt.Errorf("rtld: unsupported machine %s", cfg.Machine)
	}
	window, err := memmod.NewWindow(cfg.LibBase, cfg.LibLast, cfg.LibInc)
	if err != nil {
		return nil, fmt.Errorf("rtld: %w", err)
	}
	l := &Linker{
		cfg:     cfg,
		space:   memmod.NewSpace(),
		window:  window,
		store:   soinfo.NewStore(),
		pending: map[string]bool{},
	}
	l.relocator = &reloc.Relocator{Mem: l.space, Lookup: l.lookupFor}
	if cfg.Debug >= 2 {
		l.relocator.Logger = cfg.Logger
	}

	if err := l.start(name, exe); err != nil {
		_ = l.space.Close()
		return nil, err
	}
	return l, nil
}

func (l *Linker) start(name string, data []byte) error {
	if err := l.initSelf(); err != nil {
		return fmt.Errorf("rtld: linker-self: %w", err)
	}

	exe, err := loader.Load(l.space, l.window, name, data, loader.Options{
		Machine:    l.cfg.Machine,
		Executable: true,
		Logger:     l.logger(1),
	})
	if err != nil {
		return fmt.Errorf("rtld: load executable: %w", err)
	}
	exe.RefCount = 1
	// the executable leads both lists, ahead of libdl and its own dependencies
	if err := l.bridge.Add(&exe.Link, func() {
		l.store.Insert(exe)
		exe.Flags |= soinfo.FlagLinked
	}); err != nil {
		return fmt.Errorf("rtld: %s: %w", name, err)
	}
	l.exe = exe
	if err := l.bridge.Add(&l.self.Link, func() { l.store.Insert(l.self) }); err != nil {
		return fmt.Errorf("rtld: %s: %w", l.self.Name, err)
	}

	if err := l.link(exe); err != nil {
		return fmt.Errorf("rtld: link executable: %w", err)
	}
	if err := l.construct(exe); err != nil {
		return fmt.Errorf("rtld: %w", err)
	}
	return nil
}

func (l *Linker) logger(level int) *log.Logger {
	if l.cfg.Debug >= level {
		return l.cfg.Logger
	}
	return nil
}

func (l *Linker) logf(level int, format string, args ...any) {
	if lg := l.logger(level); lg != nil {
		lg.Printf(format, args...)
	}
}

// lookupFor is the relocator's resolver: requester first unless skipped,
// then every library in load order.
func (l *Linker) lookupFor(name string, requester *soinfo.Descriptor, skipSelf bool) (symbols.Match, bool, error) {
	scope := l.store.Scope(requester)
	if skipSelf {
		scope = scope[1:]
	}
	m, ok, err := symbols.LookupGlobal(l.space, scope, name)
	if ok {
		l.logf(2, "%s: %q -> 0x%08x in %s", requester.Name, name, m.Addr, m.Owner.Name)
	}
	return m, ok, err
}

// link records the debugger address in DT_DEBUG, loads DT_NEEDED libraries
// and relocates d. On error the dependencies acquired here are released.
func (l *Linker) link(d *soinfo.Descriptor) error {
	if d.DebugSlot != 0 {
		if err := memmod.WriteUint32(l.space, d.DebugSlot, l.bridge.Addr()); err != nil {
			l.logf(1, "%s: DT_DEBUG not patched: %v", d.Name, err)
		}
	}
	for _, name := range d.Needed {
		dep, err := l.acquire(name)
		if err != nil {
			return errors.Join(fmt.Errorf("%s: load dependency %q: %w", d.Name, name, err), l.releaseDeps(d))
		}
		d.Deps = append(d.Deps, dep)
	}
	if err := l.relocator.Relocate(d); err != nil {
		if keepMapped(d, err) {
			return err
		}
		return errors.Join(err, l.releaseDeps(d))
	}
	return nil
}

// keepMapped reports whether a failed link leaves d mapped. That happens only
// when d itself was relocated and then could not be write-protected; a
// protection failure in one of its dependencies still unmaps d.
func keepMapped(d *soinfo.Descriptor, err error) bool {
	return d.Has(soinfo.FlagError) && errors.Is(err, reloc.ErrProtection)
}

func (l *Linker) releaseDeps(d *soinfo.Descriptor) error {
	var errs []error
	for _, dep := range slices.Backward(d.Deps) {
		if dep == l.exe || dep == l.self {
			continue
		}
		errs = append(errs, l.release(dep))
	}
	d.Deps = nil
	return errors.Join(errs...)
}

// acquire returns the library called name, loading and linking it first when
// no library of that base name is loaded. Each call takes one reference.
func (l *Linker) acquire(name string) (*soinfo.Descriptor, error) {
	base := path.Base(name)
	if d, ok := l.store.FindByName(base); ok {
		if d == l.self || d == l.exe {
			return d, nil
		}
		d.RefCount++
		l.logf(2, "%s: refcount %d", d.Name, d.RefCount)
		return d, nil
	}
	if l.pending[base] {
		return nil, fmt.Errorf("rtld: circular dependency on %s", base)
	}
	data, err := l.readLibrary(name)
	if err != nil {
		return nil, err
	}
	d, err := loader.Load(l.space, l.window, base, data, loader.Options{
		Machine: l.cfg.Machine,
		Logger:  l.logger(1),
	})
	if err != nil {
		return nil, err
	}
	l.pending[base] = true
	err = l.link(d)
	delete(l.pending, base)
	if err != nil {
		if !keepMapped(d, err) {
			_ = l.space.Unmap(d.Mapping)
		}
		return nil, err
	}

	d.RefCount = 1
	if err := l.bridge.Add(&d.Link, func() {
		l.store.Insert(d)
		d.Flags |= soinfo.FlagLinked
	}); err != nil {
		_ = l.releaseDeps(d)
		_ = l.space.Unmap(d.Mapping)
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}
	l.logf(1, "[ %s ] linked as %s", d.Name, d.Handle)

	if err := l.construct(d); err != nil {
		d.RefCount = 0
		return nil, errors.Join(err, l.teardown(d, false))
	}
	return d, nil
}

func (l *Linker) readLibrary(name string) ([]byte, error) {
	if l.cfg.FS == nil {
		return nil, fmt.Errorf("%w: %s (no file system configured)", ErrNotFound, name)
	}
	if strings.Contains(name, "/") {
		data, err := fs.ReadFile(l.cfg.FS, strings.TrimPrefix(path.Clean(name), "/"))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, name, err)
		}
		return data, nil
	}
	for _, dir := range l.cfg.LibraryPath {
		matches, err := doublestar.Glob(l.cfg.FS, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("search %s for %s: %w", dir, name, err)
		}
		slices.Sort(matches)
		for _, m := range matches {
			data, err := fs.ReadFile(l.cfg.FS, m)
			if err == nil {
				l.logf(2, "%s: found at %s", name, m)
				return data, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// release drops one reference to d and tears it down at zero. The executable
// and libdl are pinned.
func (l *Linker) release(d *soinfo.Descriptor) error {
	if d == l.exe || d == l.self {
		return fmt.Errorf("%w: %s", ErrNotRemovable, d.Name)
	}
	if d.RefCount == 0 {
		return fmt.Errorf("%s: %w", d.Name, ErrStaleHandle)
	}
	d.RefCount--
	if d.RefCount > 0 {
		l.logf(2, "%s: refcount %d", d.Name, d.RefCount)
		return nil
	}
	return l.teardown(d, true)
}

// teardown runs d's finalizers (when fini is set), unlinks it from the
// debugger list and the store inside one RT_DELETE window, unmaps it and
// releases its dependencies. It keeps going past finalizer errors.
func (l *Linker) teardown(d *soinfo.Descriptor, fini bool) error {
	var errs []error
	if fini {
		errs = append(errs, l.destruct(d))
	}
	h := d.Handle
	if err := l.bridge.Remove(&d.Link, func() {
		errs = append(errs, l.store.Remove(h))
		d.Flags &^= soinfo.FlagLinked
	}); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", d.Name, err))
	}
	if err := l.space.Unmap(d.Mapping); err != nil {
		errs = append(errs, fmt.Errorf("%s: unmap: %w", d.Name, err))
	}
	errs = append(errs, l.releaseDeps(d))
	l.logf(1, "[ %s ] unloaded", d.Name)
	return errors.Join(errs...)
}

func (l *Linker) get(h Handle) (*soinfo.Descriptor, error) {
	if l.closed {
		return nil, ErrClosed
	}
	d, ok := l.store.Get(h)
	if !ok {
		return nil, fmt.Errorf("rtld: %s: %w", h, ErrStaleHandle)
	}
	return d, nil
}

// record keeps err for LastError and returns it.
func (l *Linker) record(err error) error {
	if err != nil {
		l.lastErr = err
	}
	return err
}

// Close releases the guest address space. Finalizers are not run; call
// Shutdown first for an orderly exit.
func (l *Linker) Close() error {
	l.cfg.Lock.Lock()
	defer l.cfg.Lock.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.space.Close()
}
