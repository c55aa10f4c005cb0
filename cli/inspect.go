package main

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/rtld/loader"
	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/soinfo"
	"github.com/sliverarmory/rtld/symbols"
)

var inspectCmd = &cobra.Command{
	Use:          "inspect <image>",
	Short:        "Map one image without linking it and print its dynamic section",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := parseMachine(machine)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		f, err := elf.NewFile(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}

		space := memmod.NewSpace()
		defer space.Close()
		window, err := memmod.NewWindow(memmod.LibBase, memmod.LibLast, memmod.LibInc)
		if err != nil {
			return err
		}
		d, err := loader.Load(space, window, filepath.Base(args[0]), data, loader.Options{
			Machine:    m,
			Executable: f.Type == elf.ET_EXEC,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if dump {
			spew.Fdump(out, d)
			return nil
		}
		return describe(out, space, d)
	},
}

func describe(w io.Writer, mem memmod.Memory, d *soinfo.Descriptor) error {
	fmt.Fprintf(w, "%s: %s %s\n", d.Name, d.Machine, d.Type)
	fmt.Fprintf(w, "  base 0x%08x size 0x%x bias 0x%08x\n", d.Base, d.Size, d.Bias)
	if d.Entry != 0 {
		fmt.Fprintf(w, "  entry 0x%08x\n", d.Entry)
	}
	if len(d.Needed) > 0 {
		fmt.Fprintf(w, "  needed %s\n", strings.Join(d.Needed, ", "))
	}
	fmt.Fprintf(w, "  rel %d pltrel %d\n", d.Rel.Count, d.PltRel.Count)
	fmt.Fprintf(w, "  preinit %d init %d fini %d\n", d.PreinitArray.Count, d.InitArray.Count, d.FiniArray.Count)
	if d.InitFunc != 0 || d.FiniFunc != 0 {
		fmt.Fprintf(w, "  DT_INIT 0x%08x DT_FINI 0x%08x\n", d.InitFunc, d.FiniFunc)
	}
	if d.Exidx.Count > 0 {
		fmt.Fprintf(w, "  exidx 0x%08x (%d entries)\n", d.Exidx.Addr, d.Exidx.Count)
	}
	if d.Has(soinfo.FlagPrelinked) {
		fmt.Fprintln(w, "  prelinked")
	}

	for i := uint32(1); i < d.Symbols.Nchain; i++ {
		sym, err := symbols.Read(mem, d, i)
		if err != nil {
			return err
		}
		where := "UND"
		if sym.Shndx != 0 {
			where = fmt.Sprintf("0x%08x", d.Bias+sym.Value)
		}
		fmt.Fprintf(w, "  %-10s %-6s %-6s %s\n", where, sym.Bind(), sym.Type(), sym.Name)
	}
	return nil
}
