package handler

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sliverarmory/exepack/arch"
	"github.com/sliverarmory/exepack/format"
)

const defaultELFBase = 0x400000

// ELFOptions configures ELF packing. The zero value selects defaults.
type ELFOptions struct {
	// BaseAddress is the virtual address the image is loaded at.
	BaseAddress uint64
}

type ELF struct{}

func (ELF) Format() format.Format { return format.ELF }

func (ELF) Detect(data []byte) bool {
	if len(data) < elf.EI_NIDENT {
		return false
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

func (ELF) Pack(archName string, payload []byte, opts any) ([]byte, error) {
	var o ELFOptions
	switch v := opts.(type) {
	case nil:
	case ELFOptions:
		o = v
	case *ELFOptions:
		if v != nil {
			o = *v
		}
	default:
		return nil, &format.OptionsError{Format: format.ELF, Got: opts}
	}
	if len(payload) == 0 {
		return nil, format.ErrEmptyPayload
	}

	a, err := resolveArch(format.ELF, archName,
		arch.X86, arch.X64, arch.AArch64, arch.ARMLE, arch.ARMBE,
		arch.MIPSLE, arch.MIPSBE, arch.PPC, arch.PPC64)
	if err != nil {
		return nil, err
	}
	if o.BaseAddress == 0 {
		o.BaseAddress = defaultELFBase
	}
	return buildELF(a, payload, o.BaseAddress)
}

func elfMachine(a arch.Arch) (elf.Machine, uint32) {
	switch a {
	case arch.X86:
		return elf.EM_386, 0
	case arch.X64:
		return elf.EM_X86_64, 0
	case arch.AArch64:
		return elf.EM_AARCH64, 0
	case arch.ARMLE, arch.ARMBE:
		return elf.EM_ARM, 0x05000000 // EABI version 5
	case arch.MIPSLE, arch.MIPSBE:
		return elf.EM_MIPS, 0x1007 // noreorder, pic, cpic, mips32r2 abi
	case arch.PPC:
		return elf.EM_PPC, 0
	default:
		return elf.EM_PPC64, 0
	}
}

func elfIdent(a arch.Arch) [elf.EI_NIDENT]byte {
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	if a.Bits() == 64 {
		ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	}
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	if a.ByteOrder() == binary.BigEndian {
		ident[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	}
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)
	return ident
}

// buildELF lays out the ELF header, a single PT_LOAD program header that
// maps the whole file, and the payload right after the headers.
func buildELF(a arch.Arch, payload []byte, base uint64) ([]byte, error) {
	const pageSize = 0x1000

	machine, flags := elfMachine(a)
	order := a.ByteOrder()
	segFlags := uint32(elf.PF_R | elf.PF_W | elf.PF_X)

	var buf bytes.Buffer
	if a.Bits() == 64 {
		const ehSize, phSize = 64, 56
		codeOff := uint64(ehSize + phSize)
		fileSize := codeOff + uint64(len(payload))

		hdr := elf.Header64{
			Ident:     elfIdent(a),
			Type:      uint16(elf.ET_EXEC),
			Machine:   uint16(machine),
			Version:   uint32(elf.EV_CURRENT),
			Entry:     base + codeOff,
			Phoff:     ehSize,
			Flags:     flags,
			Ehsize:    ehSize,
			Phentsize: phSize,
			Phnum:     1,
			Shentsize: 64,
		}
		prog := elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  segFlags,
			Vaddr:  base,
			Paddr:  base,
			Filesz: fileSize,
			Memsz:  fileSize,
			Align:  pageSize,
		}
		if err := binary.Write(&buf, order, &hdr); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, order, &prog); err != nil {
			return nil, err
		}
	} else {
		const ehSize, phSize = 52, 32
		if base+uint64(ehSize+phSize+len(payload)) > math.MaxUint32 {
			return nil, fmt.Errorf("%s: base address %#x out of range for %s", format.ELF, base, a)
		}
		codeOff := uint32(ehSize + phSize)
		fileSize := codeOff + uint32(len(payload))
		base32 := uint32(base)

		hdr := elf.Header32{
			Ident:     elfIdent(a),
			Type:      uint16(elf.ET_EXEC),
			Machine:   uint16(machine),
			Version:   uint32(elf.EV_CURRENT),
			Entry:     base32 + codeOff,
			Phoff:     ehSize,
			Flags:     flags,
			Ehsize:    ehSize,
			Phentsize: phSize,
			Phnum:     1,
			Shentsize: 40,
		}
		prog := elf.Prog32{
			Type:   uint32(elf.PT_LOAD),
			Vaddr:  base32,
			Paddr:  base32,
			Filesz: fileSize,
			Memsz:  fileSize,
			Flags:  segFlags,
			Align:  pageSize,
		}
		if err := binary.Write(&buf, order, &hdr); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, order, &prog); err != nil {
			return nil, err
		}
	}

	buf.Write(payload)
	return buf.Bytes(), nil
}
