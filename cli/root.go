package main

import (
	"debug/elf"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/rtld"
)

var (
	sysroot     string
	machine     string
	preload     []string
	libraryPath []string
	lookups     []string
	dump        bool
	debugLevel  int
)

var rootCmd = &cobra.Command{
	Use:          "rtld <executable>",
	Short:        "Link an ARM or x86 executable and its libraries into a modeled address space",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := rtld.ConfigFromEnv()
		if err != nil {
			return err
		}
		if cfg.Machine, err = parseMachine(machine); err != nil {
			return err
		}
		cfg.FS = os.DirFS(sysroot)
		cfg.LibraryPath = append(libraryPath, cfg.LibraryPath...)
		if cmd.Flags().Changed("debug") {
			cfg.Debug = debugLevel
		}

		name, err := rootRelative(args[0])
		if err != nil {
			return err
		}
		linker, err := rtld.Open(name, cfg)
		if err != nil {
			return err
		}
		defer linker.Close()

		for _, lib := range preload {
			if _, err := linker.Load(lib); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if dump {
			spew.Fdump(out, linker.Modules())
		} else {
			printModules(out, linker.Modules())
		}
		for _, sym := range lookups {
			addr, err := linker.LookupGlobal(sym)
			if err != nil {
				fmt.Fprintf(out, "%s: not found\n", sym)
				continue
			}
			owner, _ := linker.AddrToName(addr)
			fmt.Fprintf(out, "%s = 0x%08x (%s)\n", sym, addr, owner)
		}
		return linker.Shutdown()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sysroot, "sysroot", "/", "Directory the executable and library paths are resolved in")
	rootCmd.PersistentFlags().StringVar(&machine, "machine", "arm", "Target machine: arm or 386")
	rootCmd.PersistentFlags().BoolVar(&dump, "dump", false, "Dump full descriptors instead of a summary")
	rootCmd.Flags().StringSliceVar(&preload, "preload", nil, "Libraries to load after the executable")
	rootCmd.Flags().StringSliceVarP(&libraryPath, "library-path", "L", nil, "Library search directories (doublestar patterns), searched first")
	rootCmd.Flags().StringSliceVar(&lookups, "lookup", nil, "Symbols to resolve in the global scope")
	rootCmd.Flags().IntVarP(&debugLevel, "debug", "d", 0, "Trace level (overrides RTLD_DEBUG)")
	rootCmd.AddCommand(inspectCmd)
}

func parseMachine(s string) (elf.Machine, error) {
	switch strings.ToLower(s) {
	case "arm":
		return elf.EM_ARM, nil
	case "386", "x86", "i386":
		return elf.EM_386, nil
	default:
		return 0, fmt.Errorf("unknown machine %q", s)
	}
}

// rootRelative turns path into a name inside sysroot.
func rootRelative(path string) (string, error) {
	root, err := filepath.Abs(sysroot)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside sysroot %s", path, sysroot)
	}
	return filepath.ToSlash(rel), nil
}

func printModules(w io.Writer, mods []rtld.Module) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tBASE\tSIZE\tBIAS\tREFS\tFLAGS\tNEEDED")
	for _, m := range mods {
		fmt.Fprintf(tw, "%s\t0x%08x\t0x%x\t0x%08x\t%d\t%s\t%s\n",
			m.Name, m.Base, m.Size, m.Bias, m.RefCount, m.Flags, strings.Join(m.Needed, ","))
	}
	tw.Flush()
}
