// Package elfgen writes small 32-bit little-endian ELF images and the dynamic
// symbol, string and hash tables that go with them.
//
// Images carry no section headers. The ELF header and program-header table sit
// in the first file page and are not loaded; every user segment is followed by
// one read/write segment holding a copy of the program headers, the dynamic
// section, the init/fini arrays, the symbol and string tables, the SysV hash
// table and both relocation tables.
package elfgen

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/sliverarmory/rtld/symbols"
)

const (
	ehdrSize = 52
	phdrSize = 32
	symSize  = 16
	relSize  = 8
	dynSize  = 8
	pageSize = 0x1000
)

// PrelinkTag closes a prelinked image. The four bytes before it hold the
// fixed load address.
const PrelinkTag = "PRE "

// Segment is one PT_LOAD segment at its link-time address.
type Segment struct {
	Vaddr   uint32
	Flags   elf.ProgFlag
	Data    []byte
	MemSize uint32 // zero means len(Data)
}

func (s Segment) memSize() uint32 {
	return max(s.MemSize, uint32(len(s.Data)))
}

// Symbol is a dynamic symbol. Value is a link-time address.
type Symbol struct {
	Name      string
	Value     uint32
	Size      uint32
	Type      elf.SymType
	Local     bool
	Undefined bool
}

// Reloc is one Elf32_Rel entry; Symbol names the referenced symbol, if any.
type Reloc struct {
	Offset uint32
	Type   uint32
	Symbol string
}

// Dyn is a raw dynamic entry.
type Dyn struct {
	Tag elf.DynTag
	Val uint32
}

// Image describes an ELF image to write.
type Image struct {
	Machine elf.Machine
	Type    elf.Type // zero means ET_DYN
	Entry   uint32

	Segments []Segment
	Symbols  []Symbol
	Rel      []Reloc
	PltRel   []Reloc

	Needed []string
	SoName string

	Init, Fini   uint32
	PreinitArray []uint32
	InitArray    []uint32
	FiniArray    []uint32

	// Debug emits a DT_DEBUG slot.
	Debug bool

	ExidxVaddr uint32
	ExidxCount uint32

	// NBucket overrides the hash bucket count.
	NBucket uint32
	// Omit drops the named tags from the dynamic section.
	Omit []elf.DynTag
	// Extra entries are appended to the dynamic section.
	Extra []Dyn

	// Prelink, when non-zero, appends a prelink tag with this load address.
	Prelink uint32
}

// RelativeType returns the RELATIVE relocation type for machine.
func RelativeType(machine elf.Machine) (uint32, error) {
	switch machine {
	case elf.EM_ARM:
		return uint32(elf.R_ARM_RELATIVE), nil
	case elf.EM_386:
		return uint32(elf.R_386_RELATIVE), nil
	default:
		return 0, fmt.Errorf("elfgen: unsupported machine %s", machine)
	}
}

type tables struct {
	symtab []byte
	strtab []byte
	hash   []byte
	index  map[string]uint32
	strOff map[string]uint32
}

// Tables encodes syms as a dynamic symbol table (with the null symbol at index
// 0), its string table and a SysV hash table. index maps each name to its
// symbol index. nbucket of zero picks a default.
func Tables(syms []Symbol, nbucket uint32) (symtab, strtab, hash []byte, index map[string]uint32) {
	t := buildTables(syms, nbucket, nil)
	return t.symtab, t.strtab, t.hash, t.index
}

func buildTables(syms []Symbol, nbucket uint32, extraStrings []string) tables {
	t := tables{
		strtab: []byte{0},
		index:  make(map[string]uint32, len(syms)),
		strOff: map[string]uint32{"": 0},
	}
	intern := func(s string) uint32 {
		if off, ok := t.strOff[s]; ok {
			return off
		}
		off := uint32(len(t.strtab))
		t.strtab = append(append(t.strtab, s...), 0)
		t.strOff[s] = off
		return off
	}

	nsyms := uint32(len(syms) + 1)
	t.symtab = make([]byte, nsyms*symSize)
	for i, s := range syms {
		idx := uint32(i + 1)
		ent := t.symtab[idx*symSize:]
		bind := elf.STB_GLOBAL
		if s.Local {
			bind = elf.STB_LOCAL
		}
		var shndx uint16 = 1
		if s.Undefined {
			shndx = uint16(elf.SHN_UNDEF)
		}
		binary.LittleEndian.PutUint32(ent[0:], intern(s.Name))
		binary.LittleEndian.PutUint32(ent[4:], s.Value)
		binary.LittleEndian.PutUint32(ent[8:], s.Size)
		ent[12] = elf.ST_INFO(bind, s.Type)
		binary.LittleEndian.PutUint16(ent[14:], shndx)
		if _, dup := t.index[s.Name]; !dup {
			t.index[s.Name] = idx
		}
	}
	for _, s := range extraStrings {
		intern(s)
	}

	if nbucket == 0 {
		nbucket = max(1, nsyms/2+1)
	}
	bucket := make([]uint32, nbucket)
	chain := make([]uint32, nsyms)
	for idx := nsyms - 1; idx >= 1; idx-- {
		b := symbols.Hash(syms[idx-1].Name) % nbucket
		chain[idx] = bucket[b]
		bucket[b] = idx
	}
	t.hash = binary.LittleEndian.AppendUint32(nil, nbucket)
	t.hash = binary.LittleEndian.AppendUint32(t.hash, nsyms)
	for _, v := range bucket {
		t.hash = binary.LittleEndian.AppendUint32(t.hash, v)
	}
	for _, v := range chain {
		t.hash = binary.LittleEndian.AppendUint32(t.hash, v)
	}
	return t
}

// meta is the layout of the generated read/write segment.
type meta struct {
	vaddr, size                  uint32
	phdr, dynamic                uint32
	preinit, init, fini          uint32
	symtab, strtab, hash         uint32
	rel, pltrel                  uint32
	strsz, relCount, pltrelCount uint32
	ndyn                         uint32
	needed                       []uint32
	soname                       uint32
}

func (img *Image) dynamic(m meta) []Dyn {
	var out []Dyn
	for _, off := range m.needed {
		out = append(out, Dyn{elf.DT_NEEDED, off})
	}
	if img.SoName != "" {
		out = append(out, Dyn{elf.DT_SONAME, m.soname})
	}
	out = append(out,
		Dyn{elf.DT_HASH, m.hash},
		Dyn{elf.DT_STRTAB, m.strtab},
		Dyn{elf.DT_SYMTAB, m.symtab},
		Dyn{elf.DT_STRSZ, m.strsz},
		Dyn{elf.DT_SYMENT, symSize},
	)
	// DT_REL accompanies DT_JMPREL even when empty, as ld emits it.
	if m.relCount > 0 || m.pltrelCount > 0 {
		out = append(out,
			Dyn{elf.DT_REL, m.rel},
			Dyn{elf.DT_RELSZ, m.relCount * relSize},
			Dyn{elf.DT_RELENT, relSize},
		)
	}
	if m.pltrelCount > 0 {
		out = append(out,
			Dyn{elf.DT_JMPREL, m.pltrel},
			Dyn{elf.DT_PLTRELSZ, m.pltrelCount * relSize},
			Dyn{elf.DT_PLTREL, uint32(elf.DT_REL)},
		)
	}
	if img.Init != 0 {
		out = append(out, Dyn{elf.DT_INIT, img.Init})
	}
	if img.Fini != 0 {
		out = append(out, Dyn{elf.DT_FINI, img.Fini})
	}
	if n := len(img.PreinitArray); n > 0 {
		out = append(out, Dyn{elf.DT_PREINIT_ARRAY, m.preinit}, Dyn{elf.DT_PREINIT_ARRAYSZ, uint32(n * 4)})
	}
	if n := len(img.InitArray); n > 0 {
		out = append(out, Dyn{elf.DT_INIT_ARRAY, m.init}, Dyn{elf.DT_INIT_ARRAYSZ, uint32(n * 4)})
	}
	if n := len(img.FiniArray); n > 0 {
		out = append(out, Dyn{elf.DT_FINI_ARRAY, m.fini}, Dyn{elf.DT_FINI_ARRAYSZ, uint32(n * 4)})
	}
	if img.Debug {
		out = append(out, Dyn{elf.DT_DEBUG, 0})
	}
	out = slices.DeleteFunc(out, func(d Dyn) bool { return slices.Contains(img.Omit, d.Tag) })
	out = append(out, img.Extra...)
	return append(out, Dyn{elf.DT_NULL, 0})
}

// Bytes encodes the image.
func (img *Image) Bytes() ([]byte, error) {
	switch img.Machine {
	case elf.EM_ARM, elf.EM_386:
	default:
		return nil, fmt.Errorf("elfgen: unsupported machine %s", img.Machine)
	}
	typ := img.Type
	if typ == 0 {
		typ = elf.ET_DYN
	}
	relative, _ := RelativeType(img.Machine)

	syms := slices.Clone(img.Symbols)
	known := map[string]bool{}
	for _, s := range syms {
		known[s.Name] = true
	}
	for _, r := range slices.Concat(img.Rel, img.PltRel) {
		if r.Symbol != "" && !known[r.Symbol] {
			syms = append(syms, Symbol{Name: r.Symbol, Undefined: true})
			known[r.Symbol] = true
		}
	}
	t := buildTables(syms, img.NBucket, append(slices.Clone(img.Needed), img.SoName))

	var maxEnd uint64
	for _, s := range img.Segments {
		if s.Flags == 0 {
			return nil, errors.New("elfgen: segment without flags")
		}
		maxEnd = max(maxEnd, uint64(s.Vaddr)+uint64(s.memSize()))
	}
	if maxEnd > 1<<32-pageSize {
		return nil, errors.New("elfgen: segments reach the top of the address space")
	}

	nphdr := 1 + len(img.Segments) + 1 + 1
	if img.ExidxCount > 0 {
		nphdr++
	}

	m := meta{vaddr: uint32((maxEnd + pageSize - 1) &^ (pageSize - 1))}
	for _, n := range img.Needed {
		m.needed = append(m.needed, t.strOff[n])
	}
	m.soname = t.strOff[img.SoName]
	m.strsz = uint32(len(t.strtab))
	m.pltrelCount = uint32(len(img.PltRel))
	m.relCount = uint32(len(img.Rel))
	for _, arr := range [][]uint32{img.PreinitArray, img.InitArray, img.FiniArray} {
		for _, fn := range arr {
			if fn != 0 && fn != 0xffffffff {
				m.relCount++
			}
		}
	}
	m.ndyn = uint32(len(img.dynamic(m)))

	cur := m.vaddr
	place := func(n uint32) uint32 {
		at := cur
		cur += (n + 3) &^ 3
		return at
	}
	m.phdr = place(uint32(nphdr) * phdrSize)
	m.dynamic = place(m.ndyn * dynSize)
	m.preinit = place(uint32(len(img.PreinitArray)) * 4)
	m.init = place(uint32(len(img.InitArray)) * 4)
	m.fini = place(uint32(len(img.FiniArray)) * 4)
	m.symtab = place(uint32(len(t.symtab)))
	m.strtab = place(uint32(len(t.strtab)))
	m.hash = place(uint32(len(t.hash)))
	m.rel = place(m.relCount * relSize)
	m.pltrel = place(m.pltrelCount * relSize)
	m.size = cur - m.vaddr

	// file offsets: congruent with vaddr modulo the page size
	fileOff := uint32((ehdrSize + nphdr*phdrSize + pageSize - 1) &^ (pageSize - 1))
	segOffs := make([]uint32, len(img.Segments))
	placeFile := func(vaddr, n uint32) uint32 {
		off := fileOff&^(pageSize-1) + vaddr%pageSize
		if off < fileOff {
			off += pageSize
		}
		fileOff = off + n
		return off
	}
	for i, s := range img.Segments {
		segOffs[i] = placeFile(s.Vaddr, uint32(len(s.Data)))
	}
	metaOff := placeFile(m.vaddr, m.size)

	var progs []elf.Prog32
	progs = append(progs, elf.Prog32{
		Type: uint32(elf.PT_PHDR), Off: metaOff, Vaddr: m.phdr, Paddr: m.phdr,
		Filesz: uint32(nphdr) * phdrSize, Memsz: uint32(nphdr) * phdrSize,
		Flags: uint32(elf.PF_R), Align: 4,
	})
	for i, s := range img.Segments {
		progs = append(progs, elf.Prog32{
			Type: uint32(elf.PT_LOAD), Off: segOffs[i], Vaddr: s.Vaddr, Paddr: s.Vaddr,
			Filesz: uint32(len(s.Data)), Memsz: s.memSize(),
			Flags: uint32(s.Flags), Align: pageSize,
		})
	}
	progs = append(progs,
		elf.Prog32{
			Type: uint32(elf.PT_LOAD), Off: metaOff, Vaddr: m.vaddr, Paddr: m.vaddr,
			Filesz: m.size, Memsz: m.size,
			Flags: uint32(elf.PF_R | elf.PF_W), Align: pageSize,
		},
		elf.Prog32{
			Type: uint32(elf.PT_DYNAMIC), Off: metaOff + (m.dynamic - m.vaddr), Vaddr: m.dynamic, Paddr: m.dynamic,
			Filesz: m.ndyn * dynSize, Memsz: m.ndyn * dynSize,
			Flags: uint32(elf.PF_R | elf.PF_W), Align: 4,
		},
	)
	if img.ExidxCount > 0 {
		var off uint32
		for i, s := range img.Segments {
			if img.ExidxVaddr >= s.Vaddr && img.ExidxVaddr < s.Vaddr+uint32(len(s.Data)) {
				off = segOffs[i] + img.ExidxVaddr - s.Vaddr
			}
		}
		progs = append(progs, elf.Prog32{
			Type: uint32(elf.PT_ARM_EXIDX), Off: off, Vaddr: img.ExidxVaddr, Paddr: img.ExidxVaddr,
			Filesz: img.ExidxCount * 8, Memsz: img.ExidxCount * 8,
			Flags: uint32(elf.PF_R), Align: 4,
		})
	}

	size := fileOff
	if img.Prelink != 0 {
		size += 8
	}
	out := make([]byte, size)

	hdr := elf.Header32{
		Type:      uint16(typ),
		Machine:   uint16(img.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Phoff:     ehdrSize,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     uint16(nphdr),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	if _, err := binary.Encode(out, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("elfgen: encode header: %w", err)
	}
	phdrs, err := binary.Append(nil, binary.LittleEndian, progs)
	if err != nil {
		return nil, fmt.Errorf("elfgen: encode program headers: %w", err)
	}
	copy(out[ehdrSize:], phdrs)

	for i, s := range img.Segments {
		copy(out[segOffs[i]:], s.Data)
	}

	seg := out[metaOff : metaOff+m.size]
	at := func(vaddr uint32) []byte { return seg[vaddr-m.vaddr:] }
	copy(at(m.phdr), phdrs)
	for i, d := range img.dynamic(m) {
		binary.LittleEndian.PutUint32(at(m.dynamic + uint32(i)*dynSize), uint32(d.Tag))
		binary.LittleEndian.PutUint32(at(m.dynamic + uint32(i)*dynSize + 4), d.Val)
	}

	rels := slices.Clone(img.Rel)
	for _, arr := range []struct {
		addr    uint32
		entries []uint32
	}{{m.preinit, img.PreinitArray}, {m.init, img.InitArray}, {m.fini, img.FiniArray}} {
		for i, fn := range arr.entries {
			slot := arr.addr + uint32(i)*4
			binary.LittleEndian.PutUint32(at(slot), fn)
			if fn != 0 && fn != 0xffffffff {
				rels = append(rels, Reloc{Offset: slot, Type: relative})
			}
		}
	}
	copy(at(m.symtab), t.symtab)
	copy(at(m.strtab), t.strtab)
	copy(at(m.hash), t.hash)
	putRels := func(base uint32, rs []Reloc) {
		for i, r := range rs {
			var sym uint32
			if r.Symbol != "" {
				sym = t.index[r.Symbol]
			}
			binary.LittleEndian.PutUint32(at(base+uint32(i)*relSize), r.Offset)
			binary.LittleEndian.PutUint32(at(base+uint32(i)*relSize+4), elf.R_INFO32(sym, r.Type))
		}
	}
	putRels(m.rel, rels)
	putRels(m.pltrel, img.PltRel)

	if img.Prelink != 0 {
		binary.LittleEndian.PutUint32(out[size-8:], img.Prelink)
		copy(out[size-4:], PrelinkTag)
	}
	return out, nil
}

// MustBytes is Bytes for fixtures; it panics on error.
func (img *Image) MustBytes() []byte {
	b, err := img.Bytes()
	if err != nil {
		panic(err)
	}
	return b
}
