package rtld

import (
	"debug/elf"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/xyproto/env/v2"

	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/rdebug"
)

// Linker-self region: the debugger bridge fills the first half, the libdl
// tables and entry stubs the second.
const (
	LinkerBase = 0xb0000000
	LinkerSize = 0x20000
)

// Config configures a Linker.
type Config struct {
	Machine elf.Machine

	// FS is searched for libraries. Names without a slash are tried in every
	// LibraryPath entry in order; entries may be doublestar patterns.
	FS          fs.FS
	LibraryPath []string

	LibBase, LibLast, LibInc uint32
	LinkerBase               uint32

	// Runner executes initializers and finalizers. Nil skips them.
	Runner Runner
	// Lock serializes every entry point.
	Lock sync.Locker

	// Debug is the trace verbosity: 1 logs loads and unloads, 2 adds symbol
	// lookups and relocations.
	Debug  int
	Logger *log.Logger

	// Breakpoint is called at each r_brk trigger point with the linker lock
	// held. Read the list with rdebug.Walk, not through the Linker.
	Breakpoint func(rdebug.State)
}

// DefaultConfig returns the ARM configuration with the stock window.
func DefaultConfig() Config {
	return Config{
		Machine:     elf.EM_ARM,
		LibraryPath: []string{"system/lib", "lib"},
		LibBase:     memmod.LibBase,
		LibLast:     memmod.LibLast,
		LibInc:      memmod.LibInc,
		LinkerBase:  LinkerBase,
	}
}

// ConfigFromEnv returns DefaultConfig adjusted by RTLD_LIBRARY_PATH
// (colon-separated, searched before the defaults), RTLD_DEBUG and
// RTLD_LIBBASE.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if p := env.Str("RTLD_LIBRARY_PATH"); p != "" {
		cfg.LibraryPath = append(splitPath(p), cfg.LibraryPath...)
	}
	cfg.Debug = env.Int("RTLD_DEBUG", cfg.Debug)
	if s := env.Str("RTLD_LIBBASE"); s != "" {
		base, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return Config{}, fmt.Errorf("rtld: RTLD_LIBBASE: %w", err)
		}
		cfg.LibBase = uint32(base)
	}
	return cfg, nil
}

func splitPath(p string) []string {
	var out []string
	for _, dir := range strings.Split(p, ":") {
		if dir = strings.Trim(dir, "/"); dir != "" {
			out = append(out, dir)
		}
	}
	return out
}

func (cfg *Config) normalize() error {
	if cfg.Machine == elf.EM_NONE {
		cfg.Machine = elf.EM_ARM
	}
	if cfg.LibInc == 0 {
		cfg.LibBase, cfg.LibLast, cfg.LibInc = memmod.LibBase, memmod.LibLast, memmod.LibInc
	}
	if cfg.LinkerBase == 0 {
		cfg.LinkerBase = LinkerBase
	}
	if cfg.LinkerBase%memmod.PageSize != 0 {
		return fmt.Errorf("rtld: linker base 0x%08x is not page aligned", cfg.LinkerBase)
	}
	if uint64(cfg.LinkerBase)+LinkerSize > uint64(cfg.LibBase) && uint64(cfg.LinkerBase) < uint64(cfg.LibLast) {
		return fmt.Errorf("rtld: linker region at 0x%08x overlaps the library window", cfg.LinkerBase)
	}
	for _, pattern := range cfg.LibraryPath {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("rtld: invalid library path pattern %q", pattern)
		}
	}
	if cfg.Lock == nil {
		cfg.Lock = &sync.Mutex{}
	}
	if cfg.Debug > 0 && cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "rtld: ", log.LstdFlags)
	}
	return nil
}
