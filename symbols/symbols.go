// Package symbols resolves names against the SysV hash tables of loaded
// libraries.
package symbols

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/soinfo"
)

// SymSize is the size of an Elf32_Sym.
const SymSize = 16

const maxNameLen = 4096

var ErrCorruptHash = errors.New("corrupt symbol table")

// Symbol is a decoded Elf32_Sym.
type Symbol struct {
	Name  string
	Value uint32
	Size  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Index uint32
}

func (s Symbol) Bind() elf.SymBind { return elf.ST_BIND(s.Info) }
func (s Symbol) Type() elf.SymType { return elf.ST_TYPE(s.Info) }

// Defined reports whether s is a definition other code may bind to.
func (s Symbol) Defined() bool {
	return s.Shndx != uint16(elf.SHN_UNDEF) && s.Bind() != elf.STB_LOCAL
}

// Match is a resolved symbol and the library that defines it.
type Match struct {
	Symbol
	Owner *soinfo.Descriptor
	Addr  uint32
}

func (m Match) String() string {
	return fmt.Sprintf("%s=0x%08x (%s)", m.Name, m.Addr, m.Owner.Name)
}

// Hash is the SysV ELF symbol hash.
func Hash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		g := h & 0xf0000000
		h ^= g >> 24
		h &^= g
	}
	return h
}

// Read decodes symbol index of d.
func Read(mem memmod.Memory, d *soinfo.Descriptor, index uint32) (Symbol, error) {
	if err := d.Check(); err != nil {
		return Symbol{}, err
	}
	t := d.Symbols
	if t.Nchain != 0 && index >= t.Nchain {
		return Symbol{}, fmt.Errorf("%s: %w: symbol index %d out of %d", d.Name, ErrCorruptHash, index, t.Nchain)
	}
	var raw [SymSize]byte
	if err := mem.Read(t.Symtab+index*SymSize, raw[:]); err != nil {
		return Symbol{}, fmt.Errorf("%s: read symbol %d: %w", d.Name, index, err)
	}
	s := Symbol{
		Value: binary.LittleEndian.Uint32(raw[4:]),
		Size:  binary.LittleEndian.Uint32(raw[8:]),
		Info:  raw[12],
		Other: raw[13],
		Shndx: binary.LittleEndian.Uint16(raw[14:]),
		Index: index,
	}
	nameOff := binary.LittleEndian.Uint32(raw[0:])
	if t.Strsz != 0 && nameOff >= t.Strsz {
		return Symbol{}, fmt.Errorf("%s: %w: symbol %d name offset 0x%x past strtab", d.Name, ErrCorruptHash, index, nameOff)
	}
	name, err := memmod.ReadCString(mem, t.Strtab+nameOff, maxNameLen)
	if err != nil {
		return Symbol{}, fmt.Errorf("%s: read name of symbol %d: %w", d.Name, index, err)
	}
	s.Name = name
	return s, nil
}

// LookupIn searches d's hash table for a defined, non-local symbol called name.
// A library without a hash table defines nothing.
func LookupIn(mem memmod.Memory, d *soinfo.Descriptor, name string) (Match, bool, error) {
	if err := d.Check(); err != nil {
		return Match{}, false, err
	}
	t := d.Symbols
	if t.Nbucket == 0 {
		return Match{}, false, nil
	}
	idx, err := memmod.ReadUint32(mem, t.Bucket+(Hash(name)%t.Nbucket)*4)
	if err != nil {
		return Match{}, false, fmt.Errorf("%s: read hash bucket: %w", d.Name, err)
	}
	for steps := uint32(0); idx != 0; steps++ {
		if idx >= t.Nchain || steps >= t.Nchain {
			return Match{}, false, fmt.Errorf("%s: %w: hash chain for %q", d.Name, ErrCorruptHash, name)
		}
		s, err := Read(mem, d, idx)
		if err != nil {
			return Match{}, false, err
		}
		if s.Name == name && s.Defined() {
			return Match{Symbol: s, Owner: d, Addr: d.Bias + s.Value}, true, nil
		}
		if idx, err = memmod.ReadUint32(mem, t.Chain+idx*4); err != nil {
			return Match{}, false, fmt.Errorf("%s: read hash chain: %w", d.Name, err)
		}
	}
	return Match{}, false, nil
}

// LookupGlobal returns the first definition of name in scope order.
func LookupGlobal(mem memmod.Memory, scope []*soinfo.Descriptor, name string) (Match, bool, error) {
	for _, d := range scope {
		m, ok, err := LookupIn(mem, d, name)
		if err != nil || ok {
			return m, ok, err
		}
	}
	return Match{}, false, nil
}
