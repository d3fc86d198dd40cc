// Completion: 100% - CLI interface complete, all flags working
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/xyproto/rtdyld/internal/dyld"
	"github.com/xyproto/rtdyld/internal/engine"
	"github.com/xyproto/rtdyld/internal/symtab"
	"github.com/xyproto/rtdyld/internal/tlsabi"
)

// rtdyld loads a relocatable ELF object the way a JIT would, applies its
// relocations and shows the result

const versionString = "rtdyld 0.4.1"

func main() {
	host := engine.HostPlatform()

	// NOTE: flags must come before the object file: rtdyld -v test.o
	var archFlag = flag.String("arch", "", "target architecture (default: from the object; 'thumb' reinterprets ARM objects)")
	var osFlag = flag.String("os", host.OS.String(), "target OS (linux, darwin, freebsd)")
	var tlsFlag = flag.String("tls", "", "TLS ABI (glibc, darwin; default: from --os or RTDYLD_TLS_ABI)")
	var symbolsFlag = flag.String("symbols", "", "YAML file with the addresses of external symbols")
	var targetAddrFlag = flag.String("target-addr", "0x10000", "address of the first section in synthetic memory")
	var mapFlag = flag.Bool("map", false, "load into mapped memory of this process instead of synthetic memory")
	var inlineStubsFlag = flag.Bool("inline-stubs", false, "x86-64: let stubs carry their own address slot")
	var disasmFlag = flag.Bool("disasm", false, "disassemble code sections instead of dumping them")
	var verbose = flag.Bool("v", false, "verbose mode (trace every relocation)")
	var verboseLong = flag.Bool("verbose", false, "verbose mode (trace every relocation)")
	var version = flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	targetOS, err := engine.ParseOS(*osFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid --os '%s': %v\n", *osFlag, err)
		os.Exit(1)
	}
	var targetArch engine.Arch
	if *archFlag != "" {
		targetArch, err = engine.ParseArch(*archFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Invalid --arch '%s': %v\n", *archFlag, err)
			os.Exit(1)
		}
	}

	// Environment first, then whatever was given on the command line
	opts, err := dyld.OptionsFromEnv(engine.Platform{Arch: targetArch, OS: targetOS})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if explicit["os"] && !explicit["tls"] {
		opts.TLSABI = tlsabi.KindForOS(targetOS)
	}
	if *tlsFlag != "" {
		if opts.TLSABI, err = tlsabi.ParseKind(*tlsFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Error: Invalid --tls '%s': %v\n", *tlsFlag, err)
			os.Exit(1)
		}
	}
	if explicit["inline-stubs"] {
		opts.InlineStubSlots = *inlineStubsFlag
	}
	if *verbose || *verboseLong {
		opts.Verbose = true
	}
	dyld.VerboseMode = opts.Verbose

	base, err := strconv.ParseUint(*targetAddrFlag, 0, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid --target-addr '%s': %v\n", *targetAddrFlag, err)
		os.Exit(1)
	}

	syms := symtab.NewTable()
	if *symbolsFlag != "" {
		f, err := os.Open(*symbolsFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		err = syms.LoadYAML(f)
		f.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", *symbolsFlag, err)
			os.Exit(1)
		}
		if opts.Verbose {
			fmt.Fprintf(os.Stderr, "Loaded %d external symbols from %s\n", syms.Len(), *symbolsFlag)
		}
	}

	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: rtdyld [flags] object.o\n\n")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if opts.Verbose {
		fmt.Fprintf(os.Stderr, "----=[ %s ]=----\n", versionString)
	}

	ctx := &LoadContext{
		Path:    args[0],
		Arch:    targetArch,
		OS:      targetOS,
		Options: opts,
		Symbols: syms,
		Base:    base,
		Mapped:  *mapFlag,
		Disasm:  *disasmFlag,
		Out:     os.Stdout,
	}
	if err := RunLoad(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
