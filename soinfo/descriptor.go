// Package soinfo holds the per-library descriptor and the store that keeps
// loaded libraries in load order.
package soinfo

import (
	"debug/elf"
	"errors"
	"fmt"
	"strings"

	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/rdebug"
)

// MaxNameLen is the longest library name a descriptor can carry.
const MaxNameLen = 127

var (
	ErrNameTooLong = errors.New("library name too long")
	ErrStaleView   = errors.New("view into an unmapped image")
)

// Flags is the descriptor state set.
type Flags uint32

const (
	FlagLinked Flags = 1 << iota
	FlagError
	FlagExe
	FlagPrelinked
)

func (f Flags) String() string {
	var parts []string
	for _, n := range []struct {
		bit  Flags
		name string
	}{{FlagLinked, "LINKED"}, {FlagError, "ERROR"}, {FlagExe, "EXE"}, {FlagPrelinked, "PRELINKED"}} {
		if f&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// SymbolTable is a view of the dynamic symbol table, its string table and the
// SysV hash table. All fields are guest addresses inside the owning mapping.
type SymbolTable struct {
	Strtab  uint32
	Strsz   uint32
	Symtab  uint32
	Nbucket uint32
	Nchain  uint32
	Bucket  uint32
	Chain   uint32
}

// Table is a view of an array of fixed-size entries in guest memory.
type Table struct {
	Addr  uint32
	Count uint32
}

// Descriptor describes one loaded library.
type Descriptor struct {
	Name    string
	Handle  Handle
	Machine elf.Machine
	Type    elf.Type

	Progs []elf.ProgHeader
	Phdr  uint32
	Phnum int
	Entry uint32

	Base uint32
	Size uint32
	Bias uint32

	Dynamic uint32

	WrProtectStart uint32
	WrProtectEnd   uint32
	WrProtectProt  memmod.Prot

	Flags    Flags
	RefCount uint32

	Symbols SymbolTable
	PltGOT  uint32
	Rel     Table
	PltRel  Table

	PreinitArray Table
	InitArray    Table
	FiniArray    Table
	InitFunc     uint32
	FiniFunc     uint32
	Exidx        Table

	Needed    []string
	Deps      []*Descriptor
	DebugSlot uint32

	Constructed bool
	Finalized   bool

	Link    rdebug.Record
	Mapping *memmod.Mapping
}

// CheckName validates a library name for use as a descriptor name.
func CheckName(name string) error {
	if len(name) > MaxNameLen {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrNameTooLong, len(name), MaxNameLen)
	}
	if name == "" {
		return errors.New("empty library name")
	}
	return nil
}

// Has reports whether every bit of f is set.
func (d *Descriptor) Has(f Flags) bool {
	return d.Flags&f == f
}

// End returns the first address past the descriptor's range.
func (d *Descriptor) End() uint64 {
	return uint64(d.Base) + uint64(d.Size)
}

// Contains reports whether [addr, addr+n) lies in the descriptor's range.
func (d *Descriptor) Contains(addr, n uint32) bool {
	return addr >= d.Base && uint64(addr)+uint64(n) <= d.End()
}

// Check fails when the mapping backing the descriptor's views is gone.
func (d *Descriptor) Check() error {
	if !d.Mapping.Live() {
		return fmt.Errorf("%s: %w", d.Name, ErrStaleView)
	}
	return nil
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s@0x%08x+0x%x [%s] ref=%d", d.Name, d.Base, d.Size, d.Flags, d.RefCount)
}
