// Package format defines executable container identifiers, the per-format
// handler contract and the ordered registry the facade dispatches through.
package format

import "strings"

type Format int

const (
	Unknown Format = iota
	DLL
	Dylib
	PE
	MachO
	ELF
)

func (f Format) String() string {
	switch f {
	case DLL:
		return "dll"
	case Dylib:
		return "dylib"
	case PE:
		return "pe"
	case MachO:
		return "macho"
	case ELF:
		return "elf"
	default:
		return "unknown"
	}
}

func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dll":
		return DLL
	case "dylib":
		return Dylib
	case "pe", "exe":
		return PE
	case "macho", "mach-o", "mach":
		return MachO
	case "elf", "so":
		return ELF
	default:
		return Unknown
	}
}

// Handler detects and builds one container format.
//
// Detect must not panic or read past the end of data; empty and truncated
// inputs report false. Pack receives handler-specific options opaquely and
// must reject option values of a type it does not understand.
type Handler interface {
	Format() Format
	Detect(data []byte) bool
	Pack(arch string, payload []byte, opts any) ([]byte, error)
}
