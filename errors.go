package rtld

import (
	"errors"

	"github.com/sliverarmory/rtld/loader"
	"github.com/sliverarmory/rtld/memmod"
	"github.com/sliverarmory/rtld/reloc"
	"github.com/sliverarmory/rtld/soinfo"
)

// Load and relocation failures, usable with errors.Is.
var (
	ErrInvalidImage          = loader.ErrInvalidImage
	ErrMalformedDynamic      = loader.ErrMalformedDynamic
	ErrOutOfAddressSpace     = memmod.ErrOutOfAddressSpace
	ErrUnresolvedSymbol      = reloc.ErrUnresolvedSymbol
	ErrUnsupportedRelocation = reloc.ErrUnsupportedRelocation
	ErrProtection            = reloc.ErrProtection
	ErrNameTooLong           = soinfo.ErrNameTooLong
	ErrStaleHandle           = soinfo.ErrStaleHandle
)

var (
	ErrNotFound       = errors.New("rtld: library not found")
	ErrSymbolNotFound = errors.New("rtld: symbol not found")
	ErrNotRemovable   = errors.New("rtld: library cannot be unloaded")
	ErrInitializer    = errors.New("rtld: initializer failed")
	ErrFinalizer      = errors.New("rtld: finalizer failed")
	ErrClosed         = errors.New("rtld: linker is closed")
)

type (
	UnresolvedSymbolError      = reloc.UnresolvedSymbolError
	UnsupportedRelocationError = reloc.UnsupportedRelocationError
)
