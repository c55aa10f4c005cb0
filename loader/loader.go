// Package loader maps 32-bit little-endian ELF images into a guest address
// space and parses their dynamic section into a descriptor.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"log"

	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/rdebug"
	"github.com/sliverarmory/rtld/soinfo"
)

var (
	ErrInvalidImage     = errors.New("invalid ELF image")
	ErrMalformedDynamic = errors.New("malformed dynamic section")
)

const (
	prelinkTag = "PRE "
	dynSize    = 8
	symSize    = 16
	relSize    = 8
	maxNeeded  = 4096
)

// AddressSpace is the part of memmod.Space the loader needs.
type AddressSpace interface {
	memmod.Memory
	Map(addr, size uint32, prot memmod.Prot) (*memmod.Mapping, error)
	Unmap(m *memmod.Mapping) error
}

// Allocator hands out library base addresses.
type Allocator interface {
	Allocate(size uint32) (uint32, error)
}

// Options controls a single Load.
type Options struct {
	Machine elf.Machine
	// Executable allows ET_EXEC, loads ET_EXEC images at their link address
	// and flags the descriptor FlagExe.
	Executable bool
	Logger     *log.Logger
}

func (o Options) logf(format string, args ...any) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}

// Load validates data, maps its PT_LOAD segments and returns an unlinked
// descriptor. On error nothing stays mapped.
func Load(space AddressSpace, alloc Allocator, name string, data []byte, opts Options) (*soinfo.Descriptor, error) {
	if err := soinfo.CheckName(name); err != nil {
		return nil, err
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", name, ErrInvalidImage, err)
	}
	if err := validateHeader(f, opts); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", name, ErrInvalidImage, err)
	}
	lo, size, err := loadExtent(f, uint64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", name, ErrInvalidImage, err)
	}

	d := &soinfo.Descriptor{
		Name:    name,
		Machine: f.Machine,
		Type:    f.Type,
		Size:    size,
	}
	switch prelinked, at := prelinkAddr(data); {
	case opts.Executable && f.Type == elf.ET_EXEC:
		d.Base = lo
	case prelinked && !opts.Executable:
		if at%memmod.PageSize != 0 {
			return nil, fmt.Errorf("%s: %w: prelink address 0x%08x is not page aligned", name, ErrInvalidImage, at)
		}
		d.Base = at
		d.Flags |= soinfo.FlagPrelinked
	default:
		if d.Base, err = alloc.Allocate(size); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	if opts.Executable {
		d.Flags |= soinfo.FlagExe
	}
	d.Bias = d.Base - lo

	if err := mapSegments(space, f, data, d); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := parseDynamic(space, f, d); err != nil {
		_ = space.Unmap(d.Mapping)
		d.Mapping = nil
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if opts.Executable {
		d.Entry = d.Bias + uint32(f.Entry)
	}
	d.Link = rdebug.Record{Addr: d.Bias, Name: name, LD: d.Dynamic}
	opts.logf("[ %s ] loaded at 0x%08x size 0x%x bias 0x%08x", name, d.Base, d.Size, d.Bias)
	return d, nil
}

func validateHeader(f *elf.File, opts Options) error {
	if f.Class != elf.ELFCLASS32 {
		return fmt.Errorf("class %s", f.Class)
	}
	if f.Data != elf.ELFDATA2LSB {
		return fmt.Errorf("byte order %s", f.Data)
	}
	if f.Machine != opts.Machine {
		return fmt.Errorf("machine %s, want %s", f.Machine, opts.Machine)
	}
	switch f.Type {
	case elf.ET_DYN:
	case elf.ET_EXEC:
		if !opts.Executable {
			return errors.New("ET_EXEC image loaded as a library")
		}
	default:
		return fmt.Errorf("type %s", f.Type)
	}
	return nil
}

// loadExtent returns the page-aligned start and size of the PT_LOAD union.
func loadExtent(f *elf.File, fileSize uint64) (uint32, uint32, error) {
	var (
		lo    uint64 = 1 << 32
		hi    uint64
		loads int
	)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		loads++
		if p.Filesz > p.Memsz {
			return 0, 0, fmt.Errorf("segment at 0x%x: filesz 0x%x exceeds memsz 0x%x", p.Vaddr, p.Filesz, p.Memsz)
		}
		if p.Off+p.Filesz > fileSize {
			return 0, 0, fmt.Errorf("segment at 0x%x: file range past end of image", p.Vaddr)
		}
		lo = min(lo, p.Vaddr)
		hi = max(hi, p.Vaddr+p.Memsz)
	}
	if loads == 0 {
		return 0, 0, errors.New("no loadable segments")
	}
	lo, hi = memmod.PageDown(lo), memmod.PageUp(hi)
	if hi > 1<<32 || hi <= lo {
		return 0, 0, fmt.Errorf("loadable range [0x%x,0x%x) does not fit 32 bits", lo, hi)
	}
	return uint32(lo), uint32(hi - lo), nil
}

func prelinkAddr(data []byte) (bool, uint32) {
	if len(data) < 8 || string(data[len(data)-4:]) != prelinkTag {
		return false, 0
	}
	return true, binary.LittleEndian.Uint32(data[len(data)-8:])
}

func segmentProt(flags elf.ProgFlag) memmod.Prot {
	var prot memmod.Prot
	if flags&elf.PF_R != 0 {
		prot |= memmod.ProtRead
	}
	if flags&elf.PF_W != 0 {
		prot |= memmod.ProtWrite
	}
	if flags&elf.PF_X != 0 {
		prot |= memmod.ProtExec
	}
	return prot
}

// mapSegments maps [Base, Base+Size), copies every segment's file bytes and
// applies per-page protections. Segments without PF_W stay writable until the
// relocator applies the write-protect range.
func mapSegments(space AddressSpace, f *elf.File, data []byte, d *soinfo.Descriptor) error {
	m, err := space.Map(d.Base, d.Size, memmod.ProtRead|memmod.ProtWrite)
	if err != nil {
		if errors.Is(err, memmod.ErrOverlap) {
			return fmt.Errorf("%w: %w", memmod.ErrOutOfAddressSpace, err)
		}
		return err
	}
	d.Mapping = m

	pages := make([]memmod.Prot, d.Size/memmod.PageSize)
	var wrLo, wrHi uint64
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		start := uint64(d.Bias) + p.Vaddr
		end := start + p.Memsz
		if p.Filesz > 0 {
			if err := space.Write(uint32(start), data[p.Off:p.Off+p.Filesz]); err != nil {
				_ = space.Unmap(m)
				return fmt.Errorf("copy segment at 0x%08x: %w", start, err)
			}
		}
		pageLo, pageHi := memmod.PageDown(start), memmod.PageUp(end)
		prot := segmentProt(p.Flags)
		if p.Flags&elf.PF_W == 0 {
			if wrHi == 0 {
				wrLo, wrHi = pageLo, pageHi
			}
			wrLo, wrHi = min(wrLo, pageLo), max(wrHi, pageHi)
			d.WrProtectProt |= prot
			prot |= memmod.ProtWrite
		}
		for pg := pageLo; pg < pageHi; pg += memmod.PageSize {
			pages[(pg-uint64(d.Base))/memmod.PageSize] |= prot
		}
	}
	d.WrProtectStart, d.WrProtectEnd = uint32(wrLo), uint32(wrHi)

	for i := 0; i < len(pages); {
		j := i + 1
		for j < len(pages) && pages[j] == pages[i] {
			j++
		}
		addr := d.Base + uint32(i)*memmod.PageSize
		if err := space.Protect(addr, uint32(j-i)*memmod.PageSize, pages[i]); err != nil {
			_ = space.Unmap(m)
			return fmt.Errorf("protect 0x%08x: %w", addr, err)
		}
		i = j
	}

	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_PHDR:
			d.Phdr = d.Bias + uint32(p.Vaddr)
		case elf.PT_ARM_EXIDX:
			d.Exidx = soinfo.Table{Addr: d.Bias + uint32(p.Vaddr), Count: uint32(p.Memsz / 8)}
		case elf.PT_LOAD:
			if d.Phdr == 0 && p.Off == 0 {
				d.Phdr = d.Bias + uint32(p.Vaddr) + uint32(headerPhoff(data))
			}
		}
		d.Progs = append(d.Progs, p.ProgHeader)
	}
	d.Phnum = len(d.Progs)
	return nil
}

func headerPhoff(data []byte) uint32 {
	// e_phoff of an ELF32 header
	return binary.LittleEndian.Uint32(data[28:])
}

func parseDynamic(mem memmod.Memory, f *elf.File, d *soinfo.Descriptor) error {
	var dyn *elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_DYNAMIC {
			dyn = p
		}
	}
	if dyn == nil {
		return fmt.Errorf("%w: no PT_DYNAMIC segment", ErrMalformedDynamic)
	}
	d.Dynamic = d.Bias + uint32(dyn.Vaddr)
	if !d.Contains(d.Dynamic, uint32(dyn.Memsz)) {
		return fmt.Errorf("%w: PT_DYNAMIC outside the image", ErrMalformedDynamic)
	}

	var (
		haveStrtab, haveSymtab, haveRel, haveHash bool
		hashAddr                                  uint32
		relsz, pltrelsz                           uint32
		needed                                    []uint32
		preinitSz, initSz, finiSz                 uint32
	)
	for off := uint32(0); off+dynSize <= uint32(dyn.Memsz); off += dynSize {
		var raw [dynSize]byte
		if err := mem.Read(d.Dynamic+off, raw[:]); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedDynamic, err)
		}
		tag := elf.DynTag(int32(binary.LittleEndian.Uint32(raw[0:])))
		val := binary.LittleEndian.Uint32(raw[4:])
		if tag == elf.DT_NULL {
			break
		}
		switch tag {
		case elf.DT_NEEDED:
			needed = append(needed, val)
		case elf.DT_HASH:
			haveHash, hashAddr = true, d.Bias+val
		case elf.DT_STRTAB:
			haveStrtab, d.Symbols.Strtab = true, d.Bias+val
		case elf.DT_STRSZ:
			d.Symbols.Strsz = val
		case elf.DT_SYMTAB:
			haveSymtab, d.Symbols.Symtab = true, d.Bias+val
		case elf.DT_REL:
			haveRel, d.Rel.Addr = true, d.Bias+val
		case elf.DT_RELSZ:
			relsz = val
		case elf.DT_JMPREL:
			d.PltRel.Addr = d.Bias + val
		case elf.DT_PLTRELSZ:
			pltrelsz = val
		case elf.DT_PLTREL:
			if elf.DynTag(val) != elf.DT_REL {
				return fmt.Errorf("%w: DT_PLTREL is %s, only DT_REL is supported", ErrMalformedDynamic, elf.DynTag(val))
			}
		case elf.DT_RELA, elf.DT_RELASZ:
			return fmt.Errorf("%w: %s relocations are not supported", ErrMalformedDynamic, tag)
		case elf.DT_PLTGOT:
			d.PltGOT = d.Bias + val
		case elf.DT_DEBUG:
			d.DebugSlot = d.Dynamic + off + 4
		case elf.DT_INIT:
			d.InitFunc = d.Bias + val
		case elf.DT_FINI:
			d.FiniFunc = d.Bias + val
		case elf.DT_PREINIT_ARRAY:
			d.PreinitArray.Addr = d.Bias + val
		case elf.DT_PREINIT_ARRAYSZ:
			preinitSz = val
		case elf.DT_INIT_ARRAY:
			d.InitArray.Addr = d.Bias + val
		case elf.DT_INIT_ARRAYSZ:
			initSz = val
		case elf.DT_FINI_ARRAY:
			d.FiniArray.Addr = d.Bias + val
		case elf.DT_FINI_ARRAYSZ:
			finiSz = val
		}
	}
	d.Rel.Count = relsz / relSize
	d.PltRel.Count = pltrelsz / relSize
	d.PreinitArray.Count = preinitSz / 4
	d.InitArray.Count = initSz / 4
	d.FiniArray.Count = finiSz / 4

	switch {
	case !haveStrtab:
		return fmt.Errorf("%w: missing DT_STRTAB", ErrMalformedDynamic)
	case !haveSymtab:
		return fmt.Errorf("%w: missing DT_SYMTAB", ErrMalformedDynamic)
	case relsz != 0 && !haveRel:
		return fmt.Errorf("%w: DT_RELSZ without DT_REL", ErrMalformedDynamic)
	case pltrelsz != 0 && d.PltRel.Addr == 0:
		return fmt.Errorf("%w: DT_PLTRELSZ without DT_JMPREL", ErrMalformedDynamic)
	case d.PltRel.Addr != 0 && !haveRel:
		return fmt.Errorf("%w: DT_JMPREL without DT_REL", ErrMalformedDynamic)
	}

	if haveHash {
		if !d.Contains(hashAddr, 8) {
			return fmt.Errorf("%w: DT_HASH outside the image", ErrMalformedDynamic)
		}
		nbucket, err := memmod.ReadUint32(mem, hashAddr)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedDynamic, err)
		}
		nchain, err := memmod.ReadUint32(mem, hashAddr+4)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedDynamic, err)
		}
		d.Symbols.Nbucket, d.Symbols.Nchain = nbucket, nchain
		d.Symbols.Bucket = hashAddr + 8
		d.Symbols.Chain = hashAddr + 8 + 4*nbucket
	}

	for _, c := range []struct {
		what       string
		addr, size uint64
	}{
		{"DT_STRTAB", uint64(d.Symbols.Strtab), max(uint64(d.Symbols.Strsz), 1)},
		{"DT_SYMTAB", uint64(d.Symbols.Symtab), max(uint64(d.Symbols.Nchain)*symSize, symSize)},
		{"DT_HASH", uint64(d.Symbols.Bucket), 4 * (uint64(d.Symbols.Nbucket) + uint64(d.Symbols.Nchain))},
		{"DT_REL", uint64(d.Rel.Addr), uint64(d.Rel.Count) * relSize},
		{"DT_JMPREL", uint64(d.PltRel.Addr), uint64(d.PltRel.Count) * relSize},
		{"DT_PREINIT_ARRAY", uint64(d.PreinitArray.Addr), uint64(d.PreinitArray.Count) * 4},
		{"DT_INIT_ARRAY", uint64(d.InitArray.Addr), uint64(d.InitArray.Count) * 4},
		{"DT_FINI_ARRAY", uint64(d.FiniArray.Addr), uint64(d.FiniArray.Count) * 4},
	} {
		if c.size == 0 || (c.what == "DT_HASH" && !haveHash) {
			continue
		}
		if c.addr < uint64(d.Base) || c.addr+c.size > d.End() {
			return fmt.Errorf("%w: %s [0x%x,0x%x) outside the image", ErrMalformedDynamic, c.what, c.addr, c.addr+c.size)
		}
	}

	for _, off := range needed {
		if d.Symbols.Strsz != 0 && off >= d.Symbols.Strsz {
			return fmt.Errorf("%w: DT_NEEDED offset 0x%x past the string table", ErrMalformedDynamic, off)
		}
		lib, err := memmod.ReadCString(mem, d.Symbols.Strtab+off, maxNeeded)
		if err != nil {
			return fmt.Errorf("%w: DT_NEEDED: %w", ErrMalformedDynamic, err)
		}
		d.Needed = append(d.Needed, lib)
	}
	return nil
}
