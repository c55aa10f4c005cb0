// Package reloc applies Elf32_Rel relocations to a loaded library and
// write-protects it afterwards.
package reloc

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"log"

	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/soinfo"
	"github.com/sliverarmory/rtld/symbols"
)

// RelSize is the size of an Elf32_Rel.
const RelSize = 8

var (
	ErrUnresolvedSymbol      = errors.New("unresolved symbol")
	ErrUnsupportedRelocation = errors.New("unsupported relocation type")
	ErrRelocationRange       = errors.New("relocation target outside the image")
	ErrProtection            = errors.New("cannot write-protect relocated image")
)

// UnresolvedSymbolError names a symbol no library in scope defines.
type UnresolvedSymbolError struct {
	Name    string
	Library string
}

func (e *UnresolvedSymbolError) Error() string {
	return fmt.Sprintf("%s: cannot locate symbol %q", e.Library, e.Name)
}

func (e *UnresolvedSymbolError) Is(target error) bool {
	return target == ErrUnresolvedSymbol
}

// UnsupportedRelocationError is a relocation type outside the machine's table.
type UnsupportedRelocationError struct {
	Type    uint32
	Machine elf.Machine
	Library string
}

func (e *UnsupportedRelocationError) Error() string {
	return fmt.Sprintf("%s: unsupported relocation type %s", e.Library, typeName(e.Machine, e.Type))
}

func (e *UnsupportedRelocationError) Is(target error) bool {
	return target == ErrUnsupportedRelocation
}

type kind uint8

const (
	kindNone     kind = iota
	kindAbsolute      // *P += S
	kindSymbol        // *P = S
	kindRelative      // *P += B
	kindCopy          // memcpy(P, S, st_size)
	kindPC32          // *P += S - P
)

var kinds = map[elf.Machine]map[uint32]kind{
	elf.EM_ARM: {
		uint32(elf.R_ARM_NONE):      kindNone,
		uint32(elf.R_ARM_ABS32):     kindAbsolute,
		uint32(elf.R_ARM_GLOB_DAT):  kindSymbol,
		uint32(elf.R_ARM_JUMP_SLOT): kindSymbol,
		uint32(elf.R_ARM_RELATIVE):  kindRelative,
		uint32(elf.R_ARM_COPY):      kindCopy,
	},
	elf.EM_386: {
		uint32(elf.R_386_NONE):     kindNone,
		uint32(elf.R_386_32):       kindAbsolute,
		uint32(elf.R_386_PC32):     kindPC32,
		uint32(elf.R_386_GLOB_DAT): kindSymbol,
		uint32(elf.R_386_JMP_SLOT): kindSymbol,
		uint32(elf.R_386_RELATIVE): kindRelative,
	},
}

// Supported reports whether machine has a relocation table.
func Supported(machine elf.Machine) bool {
	_, ok := kinds[machine]
	return ok
}

func typeName(machine elf.Machine, typ uint32) string {
	switch machine {
	case elf.EM_ARM:
		return elf.R_ARM(typ).String()
	case elf.EM_386:
		return elf.R_386(typ).String()
	default:
		return fmt.Sprintf("%d", typ)
	}
}

// LookupFunc resolves name on behalf of requester. With skipSelf the
// requester is left out of the search scope.
type LookupFunc func(name string, requester *soinfo.Descriptor, skipSelf bool) (symbols.Match, bool, error)

// Relocator patches one library at a time.
type Relocator struct {
	Mem    memmod.Memory
	Lookup LookupFunc
	// Logger receives one line per relocation when set.
	Logger *log.Logger
}

// Relocate applies d's standard then PLT relocations and write-protects d's
// protected range. Any failure flags d with FlagError.
func (r *Relocator) Relocate(d *soinfo.Descriptor) error {
	err := r.relocate(d)
	if err != nil {
		d.Flags |= soinfo.FlagError
	}
	return err
}

func (r *Relocator) relocate(d *soinfo.Descriptor) error {
	if err := d.Check(); err != nil {
		return err
	}
	table, ok := kinds[d.Machine]
	if !ok {
		return fmt.Errorf("%s: no relocation table for %s", d.Name, d.Machine)
	}
	for _, rel := range []soinfo.Table{d.Rel, d.PltRel} {
		if err := r.apply(d, table, rel); err != nil {
			return err
		}
	}
	if d.WrProtectEnd > d.WrProtectStart {
		if err := r.Mem.Protect(d.WrProtectStart, d.WrProtectEnd-d.WrProtectStart, d.WrProtectProt); err != nil {
			return fmt.Errorf("%s: %w: [0x%08x,0x%08x) %s: %w", d.Name, ErrProtection, d.WrProtectStart, d.WrProtectEnd, d.WrProtectProt, err)
		}
	}
	return nil
}

func (r *Relocator) apply(d *soinfo.Descriptor, table map[uint32]kind, rel soinfo.Table) error {
	for i := uint32(0); i < rel.Count; i++ {
		var raw [RelSize]byte
		if err := r.Mem.Read(rel.Addr+i*RelSize, raw[:]); err != nil {
			return fmt.Errorf("%s: read relocation %d: %w", d.Name, i, err)
		}
		offset := binary.LittleEndian.Uint32(raw[0:])
		info := binary.LittleEndian.Uint32(raw[4:])
		typ, symIdx := elf.R_TYPE32(info), elf.R_SYM32(info)

		k, ok := table[typ]
		if !ok {
			return &UnsupportedRelocationError{Type: typ, Machine: d.Machine, Library: d.Name}
		}
		if k == kindNone {
			continue
		}
		if k == kindRelative && d.Has(soinfo.FlagPrelinked) {
			continue
		}

		target := d.Bias + offset
		if !d.Contains(target, 4) {
			return fmt.Errorf("%s: %w: %s at 0x%08x", d.Name, ErrRelocationRange, typeName(d.Machine, typ), target)
		}

		// symbol index 0 resolves to S = 0
		var match symbols.Match
		if symIdx != 0 {
			if k == kindRelative {
				return fmt.Errorf("%s: %s with symbol index %d", d.Name, typeName(d.Machine, typ), symIdx)
			}
			sym, err := symbols.Read(r.Mem, d, symIdx)
			if err != nil {
				return err
			}
			m, found, err := r.Lookup(sym.Name, d, k == kindCopy)
			if err != nil {
				return fmt.Errorf("%s: resolve %q: %w", d.Name, sym.Name, err)
			}
			if !found {
				return &UnresolvedSymbolError{Name: sym.Name, Library: d.Name}
			}
			match = m
		}

		if err := r.patch(d, k, target, match); err != nil {
			return fmt.Errorf("%s: %s at 0x%08x: %w", d.Name, typeName(d.Machine, typ), target, err)
		}
		if r.Logger != nil {
			if symIdx != 0 {
				r.Logger.Printf("%s: %s 0x%08x -> %s", d.Name, typeName(d.Machine, typ), target, match)
			} else {
				r.Logger.Printf("%s: %s 0x%08x", d.Name, typeName(d.Machine, typ), target)
			}
		}
	}
	return nil
}

func (r *Relocator) patch(d *soinfo.Descriptor, k kind, target uint32, m symbols.Match) error {
	switch k {
	case kindSymbol:
		return memmod.WriteUint32(r.Mem, target, m.Addr)
	case kindCopy:
		if !d.Contains(target, m.Size) {
			return fmt.Errorf("%w: %d-byte copy of %s", ErrRelocationRange, m.Size, m.Name)
		}
		buf := make([]byte, m.Size)
		if err := r.Mem.Read(m.Addr, buf); err != nil {
			return err
		}
		return r.Mem.Write(target, buf)
	}

	cur, err := memmod.ReadUint32(r.Mem, target)
	if err != nil {
		return err
	}
	switch k {
	case kindAbsolute:
		cur += m.Addr
	case kindRelative:
		cur += d.Bias
	case kindPC32:
		cur += m.Addr - target
	}
	return memmod.WriteUint32(r.Mem, target, cur)
}
