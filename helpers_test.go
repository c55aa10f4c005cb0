package rtld_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"testing"
	"testing/fstest"

	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"

	"github.com/sliverarmory/rtld"
	"github.com/sliverarmory/rtld/internal/elfgen"
)

const exeBase = 0x10000

// lib returns a one-page ARM library with a text segment and a data page.
func lib(syms ...elfgen.Symbol) *elfgen.Image {
	return &elfgen.Image{
		Machine: elf.EM_ARM,
		Segments: []elfgen.Segment{
			{Vaddr: 0, Flags: elf.PF_R | elf.PF_X, Data: bytes.Repeat([]byte{0x1e, 0xff, 0x2f, 0xe1}, 0x40)},
			{Vaddr: 0x1000, Flags: elf.PF_R | elf.PF_W, Data: make([]byte, 0x40)},
		},
		Symbols: syms,
	}
}

func fnSym(name string, value uint32) elfgen.Symbol {
	return elfgen.Symbol{Name: name, Value: value, Size: 4, Type: elf.STT_FUNC}
}

// exe returns an ARM ET_EXEC image linked at exeBase.
func exe(needed ...string) *elfgen.Image {
	return &elfgen.Image{
		Machine: elf.EM_ARM,
		Type:    elf.ET_EXEC,
		Entry:   exeBase,
		Segments: []elfgen.Segment{
			{Vaddr: exeBase, Flags: elf.PF_R | elf.PF_X, Data: bytes.Repeat([]byte{0x1e, 0xff, 0x2f, 0xe1}, 0x40)},
			{Vaddr: exeBase + 0x1000, Flags: elf.PF_R | elf.PF_W, Data: make([]byte, 0x40)},
		},
		Needed: needed,
	}
}

type fixture struct {
	exe  *elfgen.Image
	libs map[string]*elfgen.Image
	cfg  func(*rtld.Config)
}

func (f fixture) fs() fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, img := range f.libs {
		fsys["system/lib/"+name] = &fstest.MapFile{Data: img.MustBytes()}
	}
	return fsys
}

func (f fixture) config() rtld.Config {
	cfg := rtld.DefaultConfig()
	cfg.FS = f.fs()
	if f.cfg != nil {
		f.cfg(&cfg)
	}
	return cfg
}

func (f fixture) start(t *testing.T) *rtld.Linker {
	t.Helper()
	image := f.exe
	if image == nil {
		image = exe()
	}
	l, err := rtld.New("app", image.MustBytes(), f.config())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func moduleNames(l *rtld.Linker) []string {
	var names []string
	for _, m := range l.Modules() {
		names = append(names, m.Name)
	}
	return names
}

func module(t *testing.T, l *rtld.Linker, name string) rtld.Module {
	t.Helper()
	for _, m := range l.Modules() {
		if m.Name == name {
			return m
		}
	}
	t.Fatalf("%s not loaded:\n%s", name, spew.Sdump(l.Modules()))
	return rtld.Module{}
}

func word(t *testing.T, l *rtld.Linker, addr uint32) uint32 {
	t.Helper()
	var b [4]byte
	if err := l.Memory().Read(addr, b[:]); err != nil {
		t.Fatalf("read 0x%08x: %v", addr, err)
	}
	return binary.LittleEndian.Uint32(b[:])
}

// dynSlot returns the link-time address of the value word of tag in img's
// dynamic section.
func dynSlot(t *testing.T, img *elfgen.Image, tag elf.DynTag) uint32 {
	t.Helper()
	f := fn.Panic1(elf.NewFile(bytes.NewReader(img.MustBytes())))
	for _, p := range f.Progs {
		if p.Type != elf.PT_DYNAMIC {
			continue
		}
		raw := fn.Panic1(io.ReadAll(p.Open()))
		for i := 0; i+8 <= len(raw); i += 8 {
			if elf.DynTag(binary.LittleEndian.Uint32(raw[i:])) == tag {
				return uint32(p.Vaddr) + uint32(i) + 4
			}
		}
	}
	t.Fatalf("no %s in image", tag)
	return 0
}

// recorder is a Runner that logs every call and optionally reacts to some.
type recorder struct {
	calls []uint32
	on    map[uint32]func(rtld.Reentrant) error
}

func (r *recorder) Call(addr uint32, rt rtld.Reentrant) error {
	r.calls = append(r.calls, addr)
	if f := r.on[addr]; f != nil {
		return f(rt)
	}
	return nil
}
