package rtld

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/sliverarmory/rtld/internal/elfgen"
	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/rdebug"
	"github.com/sliverarmory/rtld/soinfo"
)

// SelfName is the name the linker-self library is known by.
const SelfName = "libdl.so"

// offsets inside the linker-self region
const (
	bridgeSize   = 0x10000
	selfSymtab   = 0x10000
	selfStrtab   = 0x11000
	selfHash     = 0x12000
	selfStubs    = 0x13000
	selfStubSize = 4
)

func selfExports(machine elf.Machine) []string {
	names := []string{"dlopen", "dlclose", "dlsym", "dlerror", "dladdr"}
	if machine == elf.EM_ARM {
		return append(names, "dl_unwind_find_exidx")
	}
	return append(names, "dl_iterate_phdr")
}

// returnStub is a bare return for machine.
func returnStub(machine elf.Machine) []byte {
	if machine == elf.EM_ARM {
		return binary.LittleEndian.AppendUint32(nil, 0xe12fff1e) // bx lr
	}
	return []byte{0xc3, 0x90, 0x90, 0x90} // ret; nop; nop; nop
}

// initSelf maps the linker-self region, writes r_debug and builds the libdl
// descriptor whose symbol table exports the dlfcn entry stubs.
func (l *Linker) initSelf() error {
	base := l.cfg.LinkerBase
	m, err := l.space.Map(base, LinkerSize, memmod.ProtRead|memmod.ProtWrite)
	if err != nil {
		return err
	}
	bridge, err := rdebug.New(l.space, base, bridgeSize, base)
	if err != nil {
		return err
	}
	bridge.SetBreakpoint(l.cfg.Breakpoint)
	l.bridge = bridge

	stub := returnStub(l.cfg.Machine)
	if err := l.space.Write(bridge.BreakAddr(), stub); err != nil {
		return fmt.Errorf("write r_brk: %w", err)
	}

	names := selfExports(l.cfg.Machine)
	syms := make([]elfgen.Symbol, 0, len(names))
	l.exports = make(map[uint32]string, len(names))
	for i, name := range names {
		off := uint32(selfStubs + i*selfStubSize)
		syms = append(syms, elfgen.Symbol{Name: name, Value: off, Size: selfStubSize, Type: elf.STT_FUNC})
		l.exports[base+off] = name
		if err := l.space.Write(base+off, stub); err != nil {
			return fmt.Errorf("write %s stub: %w", name, err)
		}
	}
	symtab, strtab, hash, _ := elfgen.Tables(syms, 0)
	for _, w := range []struct {
		off  uint32
		data []byte
	}{{selfSymtab, symtab}, {selfStrtab, strtab}, {selfHash, hash}} {
		if err := l.space.Write(base+w.off, w.data); err != nil {
			return fmt.Errorf("write libdl tables: %w", err)
		}
	}
	if err := l.space.Protect(base+selfSymtab, selfStubs-selfSymtab, memmod.ProtRead); err != nil {
		return err
	}
	if err := l.space.Protect(base+selfStubs, LinkerSize-selfStubs, memmod.ProtRead|memmod.ProtExec); err != nil {
		return err
	}

	nbucket := binary.LittleEndian.Uint32(hash[0:])
	l.self = &soinfo.Descriptor{
		Name:     SelfName,
		Machine:  l.cfg.Machine,
		Type:     elf.ET_DYN,
		Base:     base,
		Size:     LinkerSize,
		Bias:     base,
		Flags:    soinfo.FlagLinked,
		RefCount: 1,
		Symbols: soinfo.SymbolTable{
			Strtab:  base + selfStrtab,
			Strsz:   uint32(len(strtab)),
			Symtab:  base + selfSymtab,
			Nbucket: nbucket,
			Nchain:  binary.LittleEndian.Uint32(hash[4:]),
			Bucket:  base + selfHash + 8,
			Chain:   base + selfHash + 8 + 4*nbucket,
		},
		// no dynamic section; constructors never run for the linker itself
		Constructed: true,
		Finalized:   true,
		Link:        rdebug.Record{Addr: base, Name: SelfName},
		Mapping:     m,
	}
	return nil
}

// Builtin reports which dlfcn entry point addr is, if it is one of the
// linker-self stubs. It does not take the lock and is safe to call from a
// Runner.
func (l *Linker) Builtin(addr uint32) (string, bool) {
	name, ok := l.exports[addr]
	return name, ok
}
