package dyld

import (
	"fmt"

	"github.com/xyproto/env/v2"
	"github.com/xyproto/rtdyld/internal/engine"
	"github.com/xyproto/rtdyld/internal/tlsabi"
)

// Options configure a Dyld
type Options struct {
	// TLSABI selects the TLS resolver variant when TLS is nil
	TLSABI tlsabi.Kind
	// TLS replaces the resolver that New would build from TLSABI
	TLS tlsabi.Resolver
	// TLSConfig is handed to tlsabi.New
	TLSConfig tlsabi.Config
	// InlineStubSlots makes x86-64 stubs carry their own 8-byte address
	// slot instead of jumping through a GOT entry
	InlineStubSlots bool
	// PPC64ABIVersion forces ELFv1 (1) or ELFv2 (2); 0 reads the object flags
	PPC64ABIVersion int
	Verbose         bool
}

// DefaultOptions returns the options for loading on platform
func DefaultOptions(platform engine.Platform) Options {
	return Options{TLSABI: tlsabi.KindForOS(platform.OS)}
}

// OptionsFromEnv returns DefaultOptions overridden by RTDYLD_TLS_ABI,
// RTDYLD_INLINE_STUBS, RTDYLD_PPC64_ABI and RTDYLD_VERBOSE.
func OptionsFromEnv(platform engine.Platform) (Options, error) {
	opts := DefaultOptions(platform)
	if s := env.Str("RTDYLD_TLS_ABI"); s != "" {
		kind, err := tlsabi.ParseKind(s)
		if err != nil {
			return opts, err
		}
		opts.TLSABI = kind
	}
	opts.InlineStubSlots = env.Bool("RTDYLD_INLINE_STUBS")
	opts.PPC64ABIVersion = env.Int("RTDYLD_PPC64_ABI", 0)
	if opts.PPC64ABIVersion < 0 || opts.PPC64ABIVersion > 2 {
		return opts, fmt.Errorf("RTDYLD_PPC64_ABI must be 1 or 2, got %d", opts.PPC64ABIVersion)
	}
	opts.Verbose = env.Bool("RTDYLD_VERBOSE")
	return opts, nil
}
