package rtld

import (
	"debug/elf"
	"slices"
	"testing"
	"testing/fstest"

	"github.com/sliverarmory/rtld/memmod"
)

func TestSplitPath(t *testing.T) {
	got := splitPath("/vendor/lib::/data/**/lib/")
	if want := []string{"vendor/lib", "data/**/lib"}; !slices.Equal(got, want) {
		t.Fatalf("splitPath = %q, want %q", got, want)
	}
}

func TestNormalize(t *testing.T) {
	var cfg Config
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.Machine != elf.EM_ARM || cfg.LibBase != memmod.LibBase || cfg.LibInc != memmod.LibInc || cfg.LinkerBase != LinkerBase {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Lock == nil || cfg.Logger != nil {
		t.Fatalf("lock=%v logger=%v", cfg.Lock, cfg.Logger)
	}

	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"unaligned linker", Config{LinkerBase: 0xb0000010}},
		{"linker in window", Config{LinkerBase: memmod.LibBase + 0x1000}},
		{"bad pattern", Config{LibraryPath: []string{"lib/[a-"}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.normalize(); err == nil {
				t.Fatalf("normalize accepted %+v", tc.cfg)
			}
		})
	}

	debug := Config{Debug: 1}
	if err := debug.normalize(); err != nil || debug.Logger == nil {
		t.Fatalf("Debug without a Logger: logger=%v err=%v", debug.Logger, err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Machine != elf.EM_ARM || !slices.Equal(cfg.LibraryPath, []string{"system/lib", "lib"}) {
		t.Fatalf("DefaultConfig = %+v", cfg)
	}
	if cfg.LibBase != 0x80000000 || cfg.LibLast != 0x90000000 || cfg.LibInc != 0x100000 {
		t.Fatalf("window [0x%08x,0x%08x) step 0x%x", cfg.LibBase, cfg.LibLast, cfg.LibInc)
	}
}

func TestLibrarySearchPatterns(t *testing.T) {
	fsys := fstestFS(map[string]string{
		"vendor/a/lib/libx.so": "vendor-a",
		"vendor/b/lib/libx.so": "vendor-b",
		"system/lib/libx.so":   "system",
		"system/lib/liby.so":   "system-y",
	})
	l := &Linker{cfg: Config{LibraryPath: []string{"vendor/**/lib", "system/lib"}, FS: fsys}}
	for name, want := range map[string]string{
		"libx.so":               "vendor-a",
		"liby.so":               "system-y",
		"/vendor/b/lib/libx.so": "vendor-b",
	} {
		data, err := l.readLibrary(name)
		if err != nil || string(data) != want {
			t.Fatalf("readLibrary(%s) = %q, %v; want %q", name, data, err, want)
		}
	}
	if _, err := l.readLibrary("libz.so"); err == nil {
		t.Fatal("readLibrary found a missing library")
	}
}

func fstestFS(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, data := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(data)}
	}
	return fsys
}

func TestConfigFromEnvDefaults(t *testing.T) {
	for _, name := range []string{"RTLD_LIBRARY_PATH", "RTLD_DEBUG", "RTLD_LIBBASE"} {
		t.Setenv(name, "")
	}
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	def := DefaultConfig()
	if !slices.Equal(cfg.LibraryPath, def.LibraryPath) || cfg.Debug != 0 || cfg.LibBase != def.LibBase {
		t.Fatalf("ConfigFromEnv with an empty environment = %+v", cfg)
	}
}
