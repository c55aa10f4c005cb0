package rtld

import (
	"fmt"
	"testing"

	"github.com/sliverarmory/rtld/reloc"
	"github.com/sliverarmory/rtld/soinfo"
)

func TestKeepMapped(t *testing.T) {
	protect := fmt.Errorf("libb.so: %w: [0x80100000,0x80101000) R-X", reloc.ErrProtection)
	for _, tc := range []struct {
		name  string
		flags soinfo.Flags
		err   error
		want  bool
	}{
		{"own protection failure", soinfo.FlagError, protect, true},
		{"dependency protection failure", 0, fmt.Errorf("liba.so: load dependency %q: %w", "libb.so", protect), false},
		{"own unresolved symbol", soinfo.FlagError, &reloc.UnresolvedSymbolError{Name: "missing_fn", Library: "liba.so"}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := &soinfo.Descriptor{Name: "liba.so", Flags: tc.flags}
			if got := keepMapped(d, tc.err); got != tc.want {
				t.Fatalf("keepMapped(%s, %v) = %v, want %v", d.Flags, tc.err, got, tc.want)
			}
		})
	}
}
