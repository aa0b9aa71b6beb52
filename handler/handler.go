// Package handler implements format.Handler for PE, DLL, ELF, Mach-O and
// Dylib containers.
//
// Detection parses the full header with the debug/* readers rather than
// sniffing magic bytes. Packing wraps a raw payload in a minimal container
// whose entry point is the first payload byte.
package handler

import (
	"github.com/sliverarmory/exepack/arch"
	"github.com/sliverarmory/exepack/format"
)

// Defaults returns one handler per format in registry order: DLL, Dylib,
// PE, MachO, ELF. DLL and Dylib precede PE and MachO so that the more
// specific format wins an unhinted scan.
func Defaults() []format.Handler {
	return []format.Handler{
		DLL{},
		Dylib{},
		PE{},
		MachO{},
		ELF{},
	}
}

func align(n, alignment uint64) uint64 {
	return (n + alignment - 1) &^ (alignment - 1)
}

func resolveArch(f format.Format, name string, supported ...arch.Arch) (arch.Arch, error) {
	a := arch.Parse(name)
	for _, s := range supported {
		if a == s {
			return a, nil
		}
	}
	return arch.Unknown, &format.ArchError{Format: f, Arch: name}
}
