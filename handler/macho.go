package handler

import (
	"bytes"
	"debug/macho"
	"encoding/binary"

	"github.com/sliverarmory/exepack/arch"
	"github.com/sliverarmory/exepack/format"
)

const (
	lcIDDylib       macho.LoadCmd = 0xd
	lcLoadDylinker  macho.LoadCmd = 0xe
	lcMain          macho.LoadCmd = 0x80000028
	machoHeaderSize               = 32
	mainCmdSize                   = 24

	vmProtRead    = 0x1
	vmProtExecute = 0x4

	sAttrPureInstructions = 0x80000000
	sAttrSomeInstructions = 0x00000400

	defaultExecBase    = 0x100000000
	defaultInstallName = "@rpath/payload.dylib"
	dyldPath           = "/usr/lib/dyld"
)

// MachOOptions configures Mach-O and Dylib packing. The zero value selects
// defaults.
type MachOOptions struct {
	// BaseAddress is the __TEXT vmaddr. Executables default to
	// 0x100000000 behind a __PAGEZERO of the same size; dylibs to 0.
	BaseAddress uint64
	// InstallName is the LC_ID_DYLIB path; dylibs only.
	InstallName string
}

// dylinkerCmd and entryPointCmd mirror LC_LOAD_DYLINKER and LC_MAIN,
// which debug/macho has no types for.
type dylinkerCmd struct {
	Cmd  macho.LoadCmd
	Len  uint32
	Name uint32
}

type entryPointCmd struct {
	Cmd       macho.LoadCmd
	Len       uint32
	EntryOff  uint64
	StackSize uint64
}

type MachO struct{}

func (MachO) Format() format.Format { return format.MachO }

func (MachO) Detect(data []byte) bool {
	return len(machoTypes(data)) > 0
}

func (MachO) Pack(archName string, payload []byte, opts any) ([]byte, error) {
	return packMachO(format.MachO, archName, payload, opts)
}

// Dylib is a Mach-O image of type MH_DYLIB. A universal image qualifies
// when any of its slices is a dylib.
type Dylib struct{}

func (Dylib) Format() format.Format { return format.Dylib }

func (Dylib) Detect(data []byte) bool {
	for _, t := range machoTypes(data) {
		if t == macho.TypeDylib {
			return true
		}
	}
	return false
}

func (Dylib) Pack(archName string, payload []byte, opts any) ([]byte, error) {
	return packMachO(format.Dylib, archName, payload, opts)
}

// machoTypes returns the file type of a thin image, or of every slice of a
// universal image. It returns nil when data is neither.
func machoTypes(data []byte) []macho.Type {
	if len(data) < 4 {
		return nil
	}
	if fat, err := macho.NewFatFile(bytes.NewReader(data)); err == nil {
		defer fat.Close()
		types := make([]macho.Type, 0, len(fat.Arches))
		for _, a := range fat.Arches {
			types = append(types, a.Type)
		}
		return types
	}
	f, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	defer f.Close()
	return []macho.Type{f.Type}
}

func packMachO(f format.Format, archName string, payload []byte, opts any) ([]byte, error) {
	var o MachOOptions
	switch v := opts.(type) {
	case nil:
	case MachOOptions:
		o = v
	case *MachOOptions:
		if v != nil {
			o = *v
		}
	default:
		return nil, &format.OptionsError{Format: f, Got: opts}
	}
	if len(payload) == 0 {
		return nil, format.ErrEmptyPayload
	}

	a, err := resolveArch(f, archName, arch.X64, arch.AArch64)
	if err != nil {
		return nil, err
	}
	if f == format.Dylib {
		if o.InstallName == "" {
			o.InstallName = defaultInstallName
		}
		return buildMachO(a, payload, macho.TypeDylib, o)
	}
	if o.BaseAddress == 0 {
		o.BaseAddress = defaultExecBase
	}
	return buildMachO(a, payload, macho.TypeExec, o)
}

func machoCPU(a arch.Arch) (macho.Cpu, uint32, uint64) {
	if a == arch.AArch64 {
		return macho.CpuArm64, 0, 0x4000
	}
	return macho.CpuAmd64, 3, 0x1000
}

func segName(s string) [16]byte {
	var b [16]byte
	copy(b[:], s)
	return b
}

// cstrCmdSize is the size of a load command of fixed size n followed by a
// NUL-terminated string, padded to 8 bytes.
func cstrCmdSize(n int, s string) uint32 {
	return uint32(align(uint64(n+len(s)+1), 8))
}

// buildMachO writes a 64-bit image with a single __TEXT segment that maps
// the whole file and a __text section covering the payload. Executables get
// __PAGEZERO, LC_LOAD_DYLINKER and LC_MAIN; dylibs get LC_ID_DYLIB.
func buildMachO(a arch.Arch, payload []byte, typ macho.Type, o MachOOptions) ([]byte, error) {
	cpu, subCPU, pageSize := machoCPU(a)
	order := binary.LittleEndian
	exec := typ == macho.TypeExec

	segSize := uint32(binary.Size(macho.Segment64{}))
	textCmdSize := segSize + uint32(binary.Size(macho.Section64{}))

	var ncmds, cmdsz uint32
	var dylinkerSize, idSize uint32
	if exec {
		dylinkerSize = cstrCmdSize(binary.Size(dylinkerCmd{}), dyldPath)
		ncmds = 4
		cmdsz = segSize + textCmdSize + dylinkerSize + mainCmdSize
	} else {
		idSize = cstrCmdSize(binary.Size(macho.DylibCmd{}), o.InstallName)
		ncmds = 2
		cmdsz = textCmdSize + idSize
	}

	codeOff := align(uint64(machoHeaderSize+cmdsz), 16)
	fileSize := align(codeOff+uint64(len(payload)), pageSize)

	flags := macho.FlagNoUndefs | macho.FlagDyldLink | macho.FlagTwoLevel
	if exec {
		flags |= macho.FlagPIE
	}

	var buf bytes.Buffer
	write := func(v any) error { return binary.Write(&buf, order, v) }

	hdr := macho.FileHeader{
		Magic:  macho.Magic64,
		Cpu:    cpu,
		SubCpu: subCPU,
		Type:   typ,
		Ncmd:   ncmds,
		Cmdsz:  cmdsz,
		Flags:  flags,
	}
	if err := write(&hdr); err != nil {
		return nil, err
	}
	if err := write(uint32(0)); err != nil {
		return nil, err
	}

	if exec {
		zero := macho.Segment64{
			Cmd:   macho.LoadCmdSegment64,
			Len:   segSize,
			Name:  segName("__PAGEZERO"),
			Memsz: o.BaseAddress,
		}
		if err := write(&zero); err != nil {
			return nil, err
		}
	}

	text := macho.Segment64{
		Cmd:     macho.LoadCmdSegment64,
		Len:     textCmdSize,
		Name:    segName("__TEXT"),
		Addr:    o.BaseAddress,
		Memsz:   fileSize,
		Filesz:  fileSize,
		Maxprot: vmProtRead | vmProtExecute,
		Prot:    vmProtRead | vmProtExecute,
		Nsect:   1,
	}
	sect := macho.Section64{
		Name:   segName("__text"),
		Seg:    segName("__TEXT"),
		Addr:   o.BaseAddress + codeOff,
		Size:   uint64(len(payload)),
		Offset: uint32(codeOff),
		Align:  4,
		Flags:  sAttrPureInstructions | sAttrSomeInstructions,
	}
	if err := write(&text); err != nil {
		return nil, err
	}
	if err := write(&sect); err != nil {
		return nil, err
	}

	if exec {
		dylinker := dylinkerCmd{
			Cmd:  lcLoadDylinker,
			Len:  dylinkerSize,
			Name: uint32(binary.Size(dylinkerCmd{})),
		}
		if err := writeCStrCmd(&buf, &dylinker, dyldPath, dylinkerSize); err != nil {
			return nil, err
		}
		entry := entryPointCmd{Cmd: lcMain, Len: mainCmdSize, EntryOff: codeOff}
		if err := write(&entry); err != nil {
			return nil, err
		}
	} else {
		id := macho.DylibCmd{
			Cmd:            lcIDDylib,
			Len:            idSize,
			Name:           uint32(binary.Size(macho.DylibCmd{})),
			Time:           1,
			CurrentVersion: 0x10000,
			CompatVersion:  0x10000,
		}
		if err := writeCStrCmd(&buf, &id, o.InstallName, idSize); err != nil {
			return nil, err
		}
	}

	out := make([]byte, fileSize)
	copy(out, buf.Bytes())
	copy(out[codeOff:], payload)
	return out, nil
}

func writeCStrCmd(buf *bytes.Buffer, cmd any, s string, size uint32) error {
	start := buf.Len()
	if err := binary.Write(buf, binary.LittleEndian, cmd); err != nil {
		return err
	}
	buf.WriteString(s)
	for buf.Len()-start < int(size) {
		buf.WriteByte(0)
	}
	return nil
}
