// Package arch names the target architectures a payload can be packed for.
package arch

import (
	"encoding/binary"
	"strings"
)

type Arch int

const (
	Unknown Arch = iota
	X86
	X64
	AArch64
	ARMLE
	ARMBE
	MIPSLE
	MIPSBE
	PPC
	PPC64
)

var names = [...]string{
	Unknown: "unknown",
	X86:     "x86",
	X64:     "x64",
	AArch64: "aarch64",
	ARMLE:   "armle",
	ARMBE:   "armbe",
	MIPSLE:  "mipsle",
	MIPSBE:  "mipsbe",
	PPC:     "ppc",
	PPC64:   "ppc64",
}

func (a Arch) String() string {
	if a < 0 || int(a) >= len(names) {
		return "unknown"
	}
	return names[a]
}

// Parse maps an architecture name or common alias to an Arch. Unrecognized
// names yield Unknown.
func Parse(s string) Arch {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x86", "i386", "i686", "386":
		return X86
	case "x64", "x86_64", "amd64":
		return X64
	case "aarch64", "arm64":
		return AArch64
	case "armle", "arm", "armel", "armv7":
		return ARMLE
	case "armbe", "armeb":
		return ARMBE
	case "mipsle", "mipsel":
		return MIPSLE
	case "mipsbe", "mips":
		return MIPSBE
	case "ppc", "powerpc":
		return PPC
	case "ppc64", "powerpc64":
		return PPC64
	default:
		return Unknown
	}
}

// Bits returns the native word size in bits, or 0 for Unknown.
func (a Arch) Bits() int {
	switch a {
	case X64, AArch64, PPC64:
		return 64
	case X86, ARMLE, ARMBE, MIPSLE, MIPSBE, PPC:
		return 32
	default:
		return 0
	}
}

func (a Arch) ByteOrder() binary.ByteOrder {
	switch a {
	case ARMBE, MIPSBE, PPC, PPC64:
		return binary.BigEndian
	default:
		return binary.LittleEndian
	}
}
