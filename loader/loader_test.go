package loader_test

import (
	"bytes"
	"debug/elf"
	"errors"
	"strings"
	"testing"

	"github.com/sliverarmory/rtld/internal/elfgen"
	"github.com/sliverarmory/rtld/loader"
	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/soinfo"
)

func newEnv(t *testing.T) (*memmod.Space, *memmod.Window) {
	t.Helper()
	space := memmod.NewSpace()
	t.Cleanup(func() { _ = space.Close() })
	w, err := memmod.NewWindow(memmod.LibBase, memmod.LibLast, memmod.LibInc)
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	return space, w
}

func basicImage(machine elf.Machine) *elfgen.Image {
	return &elfgen.Image{
		Machine: machine,
		Segments: []elfgen.Segment{
			{Vaddr: 0, Flags: elf.PF_R | elf.PF_X, Data: bytes.Repeat([]byte{0xe1}, 0x40)},
			{Vaddr: 0x1000, Flags: elf.PF_R | elf.PF_W, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, MemSize: 0x20},
		},
		Symbols: []elfgen.Symbol{{Name: "foo", Value: 0x10, Type: elf.STT_FUNC}},
		Needed:  []string{"libc.so"},
		Init:    0x20,
	}
}

var armOpts = loader.Options{Machine: elf.EM_ARM}

func TestLoadMapsSegments(t *testing.T) {
	space, w := newEnv(t)
	d, err := loader.Load(space, w, "liba.so", basicImage(elf.EM_ARM).MustBytes(), armOpts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.Base != memmod.LibBase || d.Bias != memmod.LibBase {
		t.Fatalf("base=0x%08x bias=0x%08x", d.Base, d.Bias)
	}
	if d.Size != 0x3000 {
		t.Fatalf("size=0x%x, want 0x3000 (text, data, dynamic)", d.Size)
	}

	if prot, _ := space.ProtAt(d.Base); prot != memmod.ProtRead|memmod.ProtWrite|memmod.ProtExec {
		t.Fatalf("text page prot %s, want rwx until relocation", prot)
	}
	if prot, _ := space.ProtAt(d.Base + 0x1000); prot != memmod.ProtRead|memmod.ProtWrite {
		t.Fatalf("data page prot %s", prot)
	}
	if d.WrProtectStart != d.Base || d.WrProtectEnd != d.Base+0x1000 || d.WrProtectProt != memmod.ProtRead|memmod.ProtExec {
		t.Fatalf("write-protect range [0x%08x,0x%08x) %s", d.WrProtectStart, d.WrProtectEnd, d.WrProtectProt)
	}

	data := make([]byte, 0x20)
	if err := space.Read(d.Base+0x1000, data); err != nil {
		t.Fatalf("Read data: %v", err)
	}
	if !bytes.Equal(data[:8], []byte{1, 2, 3, 4, 5, 6, 7, 8}) || !bytes.Equal(data[8:], make([]byte, 0x18)) {
		t.Fatalf("data segment = % x", data)
	}

	if len(d.Needed) != 1 || d.Needed[0] != "libc.so" {
		t.Fatalf("Needed = %v", d.Needed)
	}
	if d.InitFunc != d.Base+0x20 || d.Symbols.Nbucket == 0 || d.Dynamic == 0 || d.Phdr == 0 {
		t.Fatalf("dynamic views not populated: %s", d)
	}
	if d.Link.Name != "liba.so" || d.Link.Addr != d.Bias || d.Link.LD != d.Dynamic {
		t.Fatalf("bridge record = %+v", d.Link)
	}
	if !d.Mapping.Live() || d.Has(soinfo.FlagLinked) {
		t.Fatalf("loader returned flags %s", d.Flags)
	}
}

func TestLoadRejectsInvalidImages(t *testing.T) {
	exe := basicImage(elf.EM_ARM)
	exe.Type = elf.ET_EXEC
	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"garbage", []byte("not an elf image at all, just some bytes")},
		{"wrong machine", basicImage(elf.EM_386).MustBytes()},
		{"executable as library", exe.MustBytes()},
		{"truncated", basicImage(elf.EM_ARM).MustBytes()[:0x200]},
	} {
		t.Run(tc.name, func(t *testing.T) {
			space, w := newEnv(t)
			_, err := loader.Load(space, w, "bad.so", tc.data, armOpts)
			if !errors.Is(err, loader.ErrInvalidImage) {
				t.Fatalf("Load err=%v, want ErrInvalidImage", err)
			}
			if n := len(space.Mappings()); n != 0 {
				t.Fatalf("%d mappings left behind", n)
			}
			if w.Next() != memmod.LibBase {
				t.Fatalf("window advanced to 0x%08x", w.Next())
			}
		})
	}
}

func TestMalformedDynamicIsUnmapped(t *testing.T) {
	noStrtab := basicImage(elf.EM_ARM)
	noStrtab.Omit = []elf.DynTag{elf.DT_STRTAB}

	sizeOnly := basicImage(elf.EM_ARM)
	sizeOnly.Extra = []elfgen.Dyn{{Tag: elf.DT_RELSZ, Val: 8}}

	pltOnly := basicImage(elf.EM_ARM)
	pltOnly.PltRel = []elfgen.Reloc{{Offset: 0x1000, Type: uint32(elf.R_ARM_JUMP_SLOT), Symbol: "foo"}}
	pltOnly.Omit = []elf.DynTag{elf.DT_REL, elf.DT_RELSZ, elf.DT_RELENT}

	rela := basicImage(elf.EM_ARM)
	rela.Extra = []elfgen.Dyn{{Tag: elf.DT_RELA, Val: 0x1000}}

	outside := basicImage(elf.EM_ARM)
	outside.Extra = []elfgen.Dyn{{Tag: elf.DT_INIT_ARRAY, Val: 0x7000}, {Tag: elf.DT_INIT_ARRAYSZ, Val: 8}}

	for name, img := range map[string]*elfgen.Image{
		"missing strtab":      noStrtab,
		"relsz without rel":   sizeOnly,
		"jmprel without rel":  pltOnly,
		"rela":                rela,
		"table outside image": outside,
	} {
		t.Run(name, func(t *testing.T) {
			space, w := newEnv(t)
			_, err := loader.Load(space, w, "bad.so", img.MustBytes(), armOpts)
			if !errors.Is(err, loader.ErrMalformedDynamic) {
				t.Fatalf("Load err=%v, want ErrMalformedDynamic", err)
			}
			if n := len(space.Mappings()); n != 0 {
				t.Fatalf("%d mappings left behind", n)
			}
		})
	}
}

func TestLoadOutOfAddressSpace(t *testing.T) {
	space := memmod.NewSpace()
	t.Cleanup(func() { _ = space.Close() })
	w, err := memmod.NewWindow(memmod.LibBase, memmod.LibBase+memmod.LibInc, memmod.LibInc)
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	if _, err := loader.Load(space, w, "liba.so", basicImage(elf.EM_ARM).MustBytes(), armOpts); err != nil {
		t.Fatalf("Load(liba.so): %v", err)
	}
	_, err = loader.Load(space, w, "libb.so", basicImage(elf.EM_ARM).MustBytes(), armOpts)
	if !errors.Is(err, memmod.ErrOutOfAddressSpace) {
		t.Fatalf("Load(libb.so) err=%v, want ErrOutOfAddressSpace", err)
	}
	if n := len(space.Mappings()); n != 1 {
		t.Fatalf("%d mappings, want 1", n)
	}

	big := basicImage(elf.EM_ARM)
	big.Segments[1].MemSize = memmod.LibInc
	space2, w2 := newEnv(t)
	if _, err := loader.Load(space2, w2, "libbig.so", big.MustBytes(), armOpts); !errors.Is(err, memmod.ErrOutOfAddressSpace) {
		t.Fatalf("Load(libbig.so) err=%v, want ErrOutOfAddressSpace", err)
	}
}

func TestLoadPrelinked(t *testing.T) {
	space, w := newEnv(t)
	img := basicImage(elf.EM_ARM)
	img.Prelink = 0x40000000
	d, err := loader.Load(space, w, "libpre.so", img.MustBytes(), armOpts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.Base != 0x40000000 || d.Bias != 0x40000000 || !d.Has(soinfo.FlagPrelinked) {
		t.Fatalf("prelinked descriptor %s", d)
	}
	if w.Next() != memmod.LibBase {
		t.Fatalf("prelinked load consumed a window slot")
	}

	img.Prelink = 0x40000010
	if _, err := loader.Load(space, w, "libodd.so", img.MustBytes(), armOpts); !errors.Is(err, loader.ErrInvalidImage) {
		t.Fatalf("unaligned prelink err=%v, want ErrInvalidImage", err)
	}
}

func TestLoadExecutableAtLinkAddress(t *testing.T) {
	space, w := newEnv(t)
	img := &elfgen.Image{
		Machine: elf.EM_386,
		Type:    elf.ET_EXEC,
		Entry:   0x8010,
		Segments: []elfgen.Segment{
			{Vaddr: 0x8000, Flags: elf.PF_R | elf.PF_X, Data: make([]byte, 0x100)},
		},
	}
	d, err := loader.Load(space, w, "app", img.MustBytes(), loader.Options{Machine: elf.EM_386, Executable: true})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.Base != 0x8000 || d.Bias != 0 || d.Entry != 0x8010 || !d.Has(soinfo.FlagExe) {
		t.Fatalf("executable descriptor %s entry=0x%x", d, d.Entry)
	}
	if w.Next() != memmod.LibBase {
		t.Fatalf("executable consumed a window slot")
	}
}

func TestLoadRejectsLongNames(t *testing.T) {
	space, w := newEnv(t)
	_, err := loader.Load(space, w, strings.Repeat("x", 128), basicImage(elf.EM_ARM).MustBytes(), armOpts)
	if !errors.Is(err, soinfo.ErrNameTooLong) {
		t.Fatalf("Load err=%v, want ErrNameTooLong", err)
	}
}
