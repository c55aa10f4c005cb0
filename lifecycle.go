package rtld

import (
	"errors"
	"fmt"
	"slices"

	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/soinfo"
)

// Runner calls guest functions: initializers, finalizers and anything else
// the embedding emulator wants to run. Call happens with the linker lock held;
// code running inside it must go through rt to call back into the linker.
type Runner interface {
	Call(addr uint32, rt Reentrant) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(addr uint32, rt Reentrant) error

func (f RunnerFunc) Call(addr uint32, rt Reentrant) error { return f(addr, rt) }

// Reentrant is the linker API available to code running under a Runner. Its
// calls recurse on the lock the outer call already holds.
type Reentrant interface {
	Load(name string) (Handle, error)
	Unload(h Handle) error
	Symbol(h Handle, name string) (uint32, error)
	LookupGlobal(name string) (uint32, error)
	Builtin(addr uint32) (string, bool)
	Memory() memmod.Memory
}

type held struct{ l *Linker }

func (r held) Load(name string) (Handle, error)             { return r.l.load(name) }
func (r held) Unload(h Handle) error                        { return r.l.unload(h) }
func (r held) Symbol(h Handle, name string) (uint32, error) { return r.l.symbol(h, name) }
func (r held) LookupGlobal(name string) (uint32, error)     { return r.l.lookupGlobal(name) }
func (r held) Builtin(addr uint32) (string, bool)           { return r.l.Builtin(addr) }
func (r held) Memory() memmod.Memory                        { return r.l.space }

// call runs one guest function. Null and -1 entries are skipped.
func (l *Linker) call(d *soinfo.Descriptor, what string, addr uint32) error {
	if addr == 0 || addr == 0xffffffff {
		return nil
	}
	if l.cfg.Runner == nil {
		l.logf(2, "%s: no runner, skipping %s at 0x%08x", d.Name, what, addr)
		return nil
	}
	l.logf(1, "[ %s ] calling %s at 0x%08x", d.Name, what, addr)
	return l.cfg.Runner.Call(addr, held{l})
}

func (l *Linker) callArray(d *soinfo.Descriptor, what string, arr soinfo.Table, reverse bool) error {
	addrs := make([]uint32, 0, arr.Count)
	for i := uint32(0); i < arr.Count; i++ {
		fn, err := memmod.ReadUint32(l.space, arr.Addr+4*i)
		if err != nil {
			return fmt.Errorf("%s: read %s[%d]: %w", d.Name, what, i, err)
		}
		addrs = append(addrs, fn)
	}
	if reverse {
		slices.Reverse(addrs)
	}
	for _, fn := range addrs {
		if err := l.call(d, what, fn); err != nil {
			return err
		}
	}
	return nil
}

// construct runs the preinit array (executable only), the init array and the
// init function, once per descriptor.
func (l *Linker) construct(d *soinfo.Descriptor) error {
	if d.Constructed {
		return nil
	}
	d.Constructed = true
	if err := d.Check(); err != nil {
		return err
	}
	if d.Has(soinfo.FlagExe) {
		if err := l.callArray(d, "DT_PREINIT_ARRAY", d.PreinitArray, false); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInitializer, d.Name, err)
		}
	} else if d.PreinitArray.Count > 0 {
		l.logf(1, "%s: ignoring DT_PREINIT_ARRAY in a shared library", d.Name)
	}
	if err := l.callArray(d, "DT_INIT_ARRAY", d.InitArray, false); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInitializer, d.Name, err)
	}
	if err := l.call(d, "DT_INIT", d.InitFunc); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInitializer, d.Name, err)
	}
	return nil
}

// destruct runs the fini function and then the fini array in reverse, once
// per descriptor and only if its constructors ran.
func (l *Linker) destruct(d *soinfo.Descriptor) error {
	if !d.Constructed || d.Finalized {
		return nil
	}
	d.Finalized = true
	if err := d.Check(); err != nil {
		return err
	}
	var errs []error
	if err := l.call(d, "DT_FINI", d.FiniFunc); err != nil {
		errs = append(errs, err)
	}
	if err := l.callArray(d, "DT_FINI_ARRAY", d.FiniArray, true); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFinalizer, d.Name, err)
	}
	return nil
}

// Shutdown runs the finalizers of every loaded library, newest first, the way
// the exit path does. Libraries stay mapped.
func (l *Linker) Shutdown() error {
	l.cfg.Lock.Lock()
	defer l.cfg.Lock.Unlock()

	if l.closed {
		return ErrClosed
	}
	var errs []error
	for _, d := range slices.Backward(l.store.All()) {
		if d == l.self {
			continue
		}
		errs = append(errs, l.destruct(d))
	}
	return l.record(errors.Join(errs...))
}
