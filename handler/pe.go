package handler

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sliverarmory/exepack/arch"
	"github.com/sliverarmory/exepack/format"
)

const (
	peFileAlign    = 0x200
	peSectionAlign = 0x1000
	peTextRVA      = 0x1000
	peDOSSize      = 0x40
)

// PEOptions configures PE and DLL packing. The zero value selects defaults.
type PEOptions struct {
	ImageBase uint64
	// Subsystem is an IMAGE_SUBSYSTEM_* value; 0 picks console for PE and
	// GUI for DLL.
	Subsystem uint16
}

type PE struct{}

func (PE) Format() format.Format { return format.PE }

func (PE) Detect(data []byte) bool {
	_, ok := parsePE(data)
	return ok
}

func (PE) Pack(archName string, payload []byte, opts any) ([]byte, error) {
	return packPE(format.PE, archName, payload, opts)
}

// DLL is a PE image with IMAGE_FILE_DLL set.
type DLL struct{}

func (DLL) Format() format.Format { return format.DLL }

func (DLL) Detect(data []byte) bool {
	fh, ok := parsePE(data)
	return ok && fh.Characteristics&pe.IMAGE_FILE_DLL != 0
}

func (DLL) Pack(archName string, payload []byte, opts any) ([]byte, error) {
	return packPE(format.DLL, archName, payload, opts)
}

func parsePE(data []byte) (pe.FileHeader, bool) {
	if len(data) < peDOSSize || data[0] != 'M' || data[1] != 'Z' {
		return pe.FileHeader{}, false
	}
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return pe.FileHeader{}, false
	}
	defer f.Close()
	if f.OptionalHeader == nil {
		return pe.FileHeader{}, false
	}
	return f.FileHeader, true
}

func packPE(f format.Format, archName string, payload []byte, opts any) ([]byte, error) {
	var o PEOptions
	switch v := opts.(type) {
	case nil:
	case PEOptions:
		o = v
	case *PEOptions:
		if v != nil {
			o = *v
		}
	default:
		return nil, &format.OptionsError{Format: f, Got: opts}
	}
	if len(payload) == 0 {
		return nil, format.ErrEmptyPayload
	}

	a, err := resolveArch(f, archName, arch.X86, arch.X64, arch.AArch64)
	if err != nil {
		return nil, err
	}

	dll := f == format.DLL
	if o.ImageBase == 0 {
		o.ImageBase = defaultImageBase(a, dll)
	}
	if o.Subsystem == 0 {
		o.Subsystem = pe.IMAGE_SUBSYSTEM_WINDOWS_CUI
		if dll {
			o.Subsystem = pe.IMAGE_SUBSYSTEM_WINDOWS_GUI
		}
	}
	if a.Bits() == 32 && o.ImageBase > math.MaxUint32 {
		return nil, fmt.Errorf("%s: image base %#x out of range for %s", f, o.ImageBase, a)
	}
	return buildPE(a, payload, o, dll)
}

func defaultImageBase(a arch.Arch, dll bool) uint64 {
	switch {
	case a.Bits() == 32 && dll:
		return 0x10000000
	case a.Bits() == 32:
		return 0x400000
	case dll:
		return 0x180000000
	default:
		return 0x140000000
	}
}

func peMachine(a arch.Arch) uint16 {
	switch a {
	case arch.X86:
		return pe.IMAGE_FILE_MACHINE_I386
	case arch.AArch64:
		return pe.IMAGE_FILE_MACHINE_ARM64
	default:
		return pe.IMAGE_FILE_MACHINE_AMD64
	}
}

// buildPE writes a DOS stub header, NT headers and a single RWX .text
// section that holds the payload and the entry point.
func buildPE(a arch.Arch, payload []byte, o PEOptions, dll bool) ([]byte, error) {
	is64 := a.Bits() == 64

	optSize := binary.Size(pe.OptionalHeader32{})
	if is64 {
		optSize = binary.Size(pe.OptionalHeader64{})
	}
	headersEnd := peDOSSize + 4 + binary.Size(pe.FileHeader{}) + optSize + binary.Size(pe.SectionHeader32{})
	sizeOfHeaders := uint32(align(uint64(headersEnd), peFileAlign))
	rawSize := uint32(align(uint64(len(payload)), peFileAlign))
	imageSize := uint32(peTextRVA + align(uint64(len(payload)), peSectionAlign))

	characteristics := uint16(pe.IMAGE_FILE_EXECUTABLE_IMAGE)
	if is64 {
		characteristics |= pe.IMAGE_FILE_LARGE_ADDRESS_AWARE
	} else {
		characteristics |= pe.IMAGE_FILE_32BIT_MACHINE
	}
	if dll {
		characteristics |= pe.IMAGE_FILE_DLL
	}

	fh := pe.FileHeader{
		Machine:              peMachine(a),
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(optSize),
		Characteristics:      characteristics,
	}

	var dirs [16]pe.DataDirectory
	var opt any
	if is64 {
		opt = &pe.OptionalHeader64{
			Magic:                       0x20b,
			MajorLinkerVersion:          14,
			SizeOfCode:                  rawSize,
			AddressOfEntryPoint:         peTextRVA,
			BaseOfCode:                  peTextRVA,
			ImageBase:                   o.ImageBase,
			SectionAlignment:            peSectionAlign,
			FileAlignment:               peFileAlign,
			MajorOperatingSystemVersion: 6,
			MajorSubsystemVersion:       6,
			SizeOfImage:                 imageSize,
			SizeOfHeaders:               sizeOfHeaders,
			Subsystem:                   o.Subsystem,
			DllCharacteristics:          pe.IMAGE_DLLCHARACTERISTICS_NX_COMPAT,
			SizeOfStackReserve:          0x100000,
			SizeOfStackCommit:           0x1000,
			SizeOfHeapReserve:           0x100000,
			SizeOfHeapCommit:            0x1000,
			NumberOfRvaAndSizes:         uint32(len(dirs)),
			DataDirectory:               dirs,
		}
	} else {
		opt = &pe.OptionalHeader32{
			Magic:                       0x10b,
			MajorLinkerVersion:          14,
			SizeOfCode:                  rawSize,
			AddressOfEntryPoint:         peTextRVA,
			BaseOfCode:                  peTextRVA,
			ImageBase:                   uint32(o.ImageBase),
			SectionAlignment:            peSectionAlign,
			FileAlignment:               peFileAlign,
			MajorOperatingSystemVersion: 6,
			MajorSubsystemVersion:       6,
			SizeOfImage:                 imageSize,
			SizeOfHeaders:               sizeOfHeaders,
			Subsystem:                   o.Subsystem,
			DllCharacteristics:          pe.IMAGE_DLLCHARACTERISTICS_NX_COMPAT,
			SizeOfStackReserve:          0x100000,
			SizeOfStackCommit:           0x1000,
			SizeOfHeapReserve:           0x100000,
			SizeOfHeapCommit:            0x1000,
			NumberOfRvaAndSizes:         uint32(len(dirs)),
			DataDirectory:               dirs,
		}
	}

	sh := pe.SectionHeader32{
		VirtualSize:      uint32(len(payload)),
		VirtualAddress:   peTextRVA,
		SizeOfRawData:    rawSize,
		PointerToRawData: sizeOfHeaders,
		Characteristics: pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE |
			pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE,
	}
	copy(sh.Name[:], ".text")

	out := make([]byte, int(sizeOfHeaders)+int(rawSize))
	out[0], out[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(out[0x3c:], peDOSSize)

	var hdr bytes.Buffer
	hdr.WriteString("PE\x00\x00")
	for _, v := range []any{&fh, opt, &sh} {
		if err := binary.Write(&hdr, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}
	copy(out[peDOSSize:], hdr.Bytes())
	copy(out[sizeOfHeaders:], payload)
	return out, nil
}
