package main

import (
	"debug/elf"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sliverarmory/rtld/internal/elfgen"
)

// Description is the JSON form of an image.
type Description struct {
	Machine  string    `json:"machine"`
	Type     string    `json:"type,omitempty"`
	Entry    uint32    `json:"entry,omitempty"`
	Segments []Segment `json:"segments"`
	Symbols  []Symbol  `json:"symbols,omitempty"`
	Rel      []Reloc   `json:"rel,omitempty"`
	PltRel   []Reloc   `json:"pltrel,omitempty"`
	Needed   []string  `json:"needed,omitempty"`
	SoName   string    `json:"soname,omitempty"`

	Init         uint32   `json:"init,omitempty"`
	Fini         uint32   `json:"fini,omitempty"`
	PreinitArray []uint32 `json:"preinit_array,omitempty"`
	InitArray    []uint32 `json:"init_array,omitempty"`
	FiniArray    []uint32 `json:"fini_array,omitempty"`

	Debug   bool   `json:"debug,omitempty"`
	Prelink uint32 `json:"prelink,omitempty"`
}

type Segment struct {
	Vaddr   uint32 `json:"vaddr"`
	Flags   string `json:"flags"`
	Data    string `json:"data,omitempty"` // hex
	MemSize uint32 `json:"memsz,omitempty"`
}

type Symbol struct {
	Name      string `json:"name"`
	Value     uint32 `json:"value,omitempty"`
	Size      uint32 `json:"size,omitempty"`
	Type      string `json:"type,omitempty"`
	Local     bool   `json:"local,omitempty"`
	Undefined bool   `json:"undefined,omitempty"`
}

type Reloc struct {
	Offset uint32 `json:"offset"`
	Type   string `json:"type"`
	Symbol string `json:"symbol,omitempty"`
}

// Image converts d to an elfgen image.
func (d *Description) Image() (*elfgen.Image, error) {
	img := &elfgen.Image{
		Entry:        d.Entry,
		Needed:       d.Needed,
		SoName:       d.SoName,
		Init:         d.Init,
		Fini:         d.Fini,
		PreinitArray: d.PreinitArray,
		InitArray:    d.InitArray,
		FiniArray:    d.FiniArray,
		Debug:        d.Debug,
		Prelink:      d.Prelink,
	}
	switch strings.ToLower(d.Machine) {
	case "arm":
		img.Machine = elf.EM_ARM
	case "386", "x86", "i386":
		img.Machine = elf.EM_386
	default:
		return nil, fmt.Errorf("unknown machine %q", d.Machine)
	}
	switch strings.ToLower(d.Type) {
	case "", "dyn":
		img.Type = elf.ET_DYN
	case "exec":
		img.Type = elf.ET_EXEC
	default:
		return nil, fmt.Errorf("unknown type %q", d.Type)
	}

	for i, s := range d.Segments {
		flags, err := segmentFlags(s.Flags)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		data, err := hex.DecodeString(s.Data)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		img.Segments = append(img.Segments, elfgen.Segment{Vaddr: s.Vaddr, Flags: flags, Data: data, MemSize: s.MemSize})
	}
	for _, s := range d.Symbols {
		typ, err := symbolType(s.Type)
		if err != nil {
			return nil, fmt.Errorf("symbol %s: %w", s.Name, err)
		}
		img.Symbols = append(img.Symbols, elfgen.Symbol{
			Name: s.Name, Value: s.Value, Size: s.Size, Type: typ, Local: s.Local, Undefined: s.Undefined,
		})
	}
	var err error
	if img.Rel, err = relocs(img.Machine, d.Rel); err != nil {
		return nil, err
	}
	if img.PltRel, err = relocs(img.Machine, d.PltRel); err != nil {
		return nil, err
	}
	return img, nil
}

func segmentFlags(s string) (elf.ProgFlag, error) {
	var f elf.ProgFlag
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			f |= elf.PF_R
		case 'w':
			f |= elf.PF_W
		case 'x':
			f |= elf.PF_X
		default:
			return 0, fmt.Errorf("bad flag %q in %q", c, s)
		}
	}
	if f == 0 {
		return 0, fmt.Errorf("no flags")
	}
	return f, nil
}

func symbolType(s string) (elf.SymType, error) {
	switch strings.ToLower(s) {
	case "", "func":
		return elf.STT_FUNC, nil
	case "object":
		return elf.STT_OBJECT, nil
	case "notype":
		return elf.STT_NOTYPE, nil
	default:
		return 0, fmt.Errorf("unknown symbol type %q", s)
	}
}

// relocType accepts a full name such as R_ARM_ABS32 or the short form ABS32.
func relocType(machine elf.Machine, name string) (uint32, error) {
	name = strings.ToUpper(name)
	prefix, stringer := "R_ARM_", func(i uint32) string { return elf.R_ARM(i).String() }
	if machine == elf.EM_386 {
		prefix, stringer = "R_386_", func(i uint32) string { return elf.R_386(i).String() }
	}
	if !strings.HasPrefix(name, prefix) {
		name = prefix + name
	}
	for i := uint32(0); i < 256; i++ {
		if stringer(i) == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown relocation %s", name)
}

func relocs(machine elf.Machine, in []Reloc) ([]elfgen.Reloc, error) {
	var out []elfgen.Reloc
	for _, r := range in {
		typ, err := relocType(machine, r.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, elfgen.Reloc{Offset: r.Offset, Type: typ, Symbol: r.Symbol})
	}
	return out, nil
}

func outputName(src string) string {
	if out := strings.TrimSuffix(src, ".json"); out != src {
		return out
	}
	return src + ".elf"
}
