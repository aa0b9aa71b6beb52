package handler

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/sliverarmory/exepack/format"
)

var testPayload = []byte{0xcc, 0x90, 0x90, 0xc3, 'p', 'a', 'y', 'l', 'o', 'a', 'd'}

func mustPack(t *testing.T, h format.Handler, archName string, opts any) []byte {
	t.Helper()

	out, err := h.Pack(archName, testPayload, opts)
	if err != nil {
		t.Fatalf("%s.Pack(%s): %v", h.Format(), archName, err)
	}
	return out
}

func TestDefaultsOrder(t *testing.T) {
	want := []format.Format{format.DLL, format.Dylib, format.PE, format.MachO, format.ELF}
	got := Defaults()
	if len(got) != len(want) {
		t.Fatalf("Defaults: got %d handlers want %d", len(got), len(want))
	}
	for i, h := range got {
		if h.Format() != want[i] {
			t.Fatalf("Defaults[%d]: got %s want %s", i, h.Format(), want[i])
		}
	}
}

func TestELFPackRoundTrip(t *testing.T) {
	tests := []struct {
		arch    string
		machine elf.Machine
		class   elf.Class
		order   binary.ByteOrder
	}{
		{arch: "x86", machine: elf.EM_386, class: elf.ELFCLASS32, order: binary.LittleEndian},
		{arch: "x64", machine: elf.EM_X86_64, class: elf.ELFCLASS64, order: binary.LittleEndian},
		{arch: "aarch64", machine: elf.EM_AARCH64, class: elf.ELFCLASS64, order: binary.LittleEndian},
		{arch: "armle", machine: elf.EM_ARM, class: elf.ELFCLASS32, order: binary.LittleEndian},
		{arch: "armbe", machine: elf.EM_ARM, class: elf.ELFCLASS32, order: binary.BigEndian},
		{arch: "mipsle", machine: elf.EM_MIPS, class: elf.ELFCLASS32, order: binary.LittleEndian},
		{arch: "mipsbe", machine: elf.EM_MIPS, class: elf.ELFCLASS32, order: binary.BigEndian},
		{arch: "ppc", machine: elf.EM_PPC, class: elf.ELFCLASS32, order: binary.BigEndian},
		{arch: "ppc64", machine: elf.EM_PPC64, class: elf.ELFCLASS64, order: binary.BigEndian},
	}

	for _, tt := range tests {
		t.Run(tt.arch, func(t *testing.T) {
			image := mustPack(t, ELF{}, tt.arch, nil)
			if !(ELF{}).Detect(image) {
				t.Fatalf("ELF.Detect rejected packed image")
			}

			f, err := elf.NewFile(bytes.NewReader(image))
			if err != nil {
				t.Fatalf("elf.NewFile: %v", err)
			}
			defer f.Close()

			if f.Machine != tt.machine || f.Class != tt.class || f.ByteOrder != tt.order {
				t.Fatalf("unexpected header: machine=%s class=%s order=%s", f.Machine, f.Class, f.ByteOrder)
			}
			if f.Type != elf.ET_EXEC {
				t.Fatalf("unexpected type: %s", f.Type)
			}
			if len(f.Progs) != 1 || f.Progs[0].Type != elf.PT_LOAD {
				t.Fatalf("expected a single PT_LOAD program header, got %d", len(f.Progs))
			}

			prog := f.Progs[0]
			codeOff := f.Entry - prog.Vaddr
			if prog.Vaddr != defaultELFBase {
				t.Fatalf("unexpected base: %#x", prog.Vaddr)
			}
			if prog.Filesz != uint64(len(image)) {
				t.Fatalf("PT_LOAD does not cover the file: filesz=%d len=%d", prog.Filesz, len(image))
			}
			if !bytes.Equal(image[codeOff:], testPayload) {
				t.Fatalf("entry point does not address the payload")
			}
		})
	}
}

func TestELFPackOptions(t *testing.T) {
	const base = 0x10000
	for _, opts := range []any{ELFOptions{BaseAddress: base}, &ELFOptions{BaseAddress: base}} {
		image := mustPack(t, ELF{}, "x64", opts)
		f, err := elf.NewFile(bytes.NewReader(image))
		if err != nil {
			t.Fatalf("elf.NewFile: %v", err)
		}
		if f.Progs[0].Vaddr != base {
			t.Fatalf("BaseAddress ignored: %#x", f.Progs[0].Vaddr)
		}
		f.Close()
	}

	if _, err := (ELF{}).Pack("x86", testPayload, ELFOptions{BaseAddress: 0xffffff00}); err == nil {
		t.Fatalf("expected out-of-range base error for 32-bit target")
	}
}

func TestPEPackRoundTrip(t *testing.T) {
	tests := []struct {
		handler   format.Handler
		arch      string
		machine   uint16
		dll       bool
		imageBase uint64
	}{
		{handler: PE{}, arch: "x86", machine: pe.IMAGE_FILE_MACHINE_I386, imageBase: 0x400000},
		{handler: PE{}, arch: "x64", machine: pe.IMAGE_FILE_MACHINE_AMD64, imageBase: 0x140000000},
		{handler: PE{}, arch: "aarch64", machine: pe.IMAGE_FILE_MACHINE_ARM64, imageBase: 0x140000000},
		{handler: DLL{}, arch: "x86", machine: pe.IMAGE_FILE_MACHINE_I386, dll: true, imageBase: 0x10000000},
		{handler: DLL{}, arch: "x64", machine: pe.IMAGE_FILE_MACHINE_AMD64, dll: true, imageBase: 0x180000000},
		{handler: DLL{}, arch: "aarch64", machine: pe.IMAGE_FILE_MACHINE_ARM64, dll: true, imageBase: 0x180000000},
	}

	for _, tt := range tests {
		t.Run(tt.handler.Format().String()+"-"+tt.arch, func(t *testing.T) {
			image := mustPack(t, tt.handler, tt.arch, nil)
			if !tt.handler.Detect(image) {
				t.Fatalf("%s.Detect rejected packed image", tt.handler.Format())
			}
			if !(PE{}).Detect(image) {
				t.Fatalf("PE.Detect rejected packed image")
			}
			if got := (DLL{}).Detect(image); got != tt.dll {
				t.Fatalf("DLL.Detect: got %v want %v", got, tt.dll)
			}

			f, err := pe.NewFile(bytes.NewReader(image))
			if err != nil {
				t.Fatalf("pe.NewFile: %v", err)
			}
			defer f.Close()

			if f.Machine != tt.machine {
				t.Fatalf("unexpected machine: %#x", f.Machine)
			}

			var entry uint32
			var imageBase uint64
			switch oh := f.OptionalHeader.(type) {
			case *pe.OptionalHeader32:
				entry, imageBase = oh.AddressOfEntryPoint, uint64(oh.ImageBase)
			case *pe.OptionalHeader64:
				entry, imageBase = oh.AddressOfEntryPoint, oh.ImageBase
			default:
				t.Fatalf("unexpected optional header %T", f.OptionalHeader)
			}
			if imageBase != tt.imageBase {
				t.Fatalf("unexpected image base: %#x", imageBase)
			}

			text := f.Section(".text")
			if text == nil {
				t.Fatalf("missing .text section")
			}
			if text.VirtualAddress != entry {
				t.Fatalf("entry %#x outside .text at %#x", entry, text.VirtualAddress)
			}
			data, err := text.Data()
			if err != nil {
				t.Fatalf("read .text: %v", err)
			}
			if !bytes.HasPrefix(data, testPayload) {
				t.Fatalf(".text does not start with the payload")
			}
		})
	}
}

func TestPEPackOptions(t *testing.T) {
	image := mustPack(t, PE{}, "x64", &PEOptions{ImageBase: 0x200000000, Subsystem: pe.IMAGE_SUBSYSTEM_WINDOWS_GUI})
	f, err := pe.NewFile(bytes.NewReader(image))
	if err != nil {
		t.Fatalf("pe.NewFile: %v", err)
	}
	defer f.Close()

	oh := f.OptionalHeader.(*pe.OptionalHeader64)
	if oh.ImageBase != 0x200000000 || oh.Subsystem != pe.IMAGE_SUBSYSTEM_WINDOWS_GUI {
		t.Fatalf("options ignored: base=%#x subsystem=%d", oh.ImageBase, oh.Subsystem)
	}

	if _, err := (PE{}).Pack("x86", testPayload, PEOptions{ImageBase: 0x100000000}); err == nil {
		t.Fatalf("expected out-of-range image base error for PE32")
	}
}

func TestMachOPackRoundTrip(t *testing.T) {
	tests := []struct {
		handler format.Handler
		arch    string
		cpu     macho.Cpu
		typ     macho.Type
	}{
		{handler: MachO{}, arch: "x64", cpu: macho.CpuAmd64, typ: macho.TypeExec},
		{handler: MachO{}, arch: "aarch64", cpu: macho.CpuArm64, typ: macho.TypeExec},
		{handler: Dylib{}, arch: "x64", cpu: macho.CpuAmd64, typ: macho.TypeDylib},
		{handler: Dylib{}, arch: "aarch64", cpu: macho.CpuArm64, typ: macho.TypeDylib},
	}

	for _, tt := range tests {
		t.Run(tt.handler.Format().String()+"-"+tt.arch, func(t *testing.T) {
			image := mustPack(t, tt.handler, tt.arch, nil)
			if !tt.handler.Detect(image) {
				t.Fatalf("%s.Detect rejected packed image", tt.handler.Format())
			}
			if !(MachO{}).Detect(image) {
				t.Fatalf("MachO.Detect rejected packed image")
			}
			if got := (Dylib{}).Detect(image); got != (tt.typ == macho.TypeDylib) {
				t.Fatalf("Dylib.Detect: got %v", got)
			}

			f, err := macho.NewFile(bytes.NewReader(image))
			if err != nil {
				t.Fatalf("macho.NewFile: %v", err)
			}
			defer f.Close()

			if f.Cpu != tt.cpu || f.Type != tt.typ || f.Magic != macho.Magic64 {
				t.Fatalf("unexpected header: cpu=%s type=%s magic=%#x", f.Cpu, f.Type, f.Magic)
			}
			sect := f.Section("__text")
			if sect == nil {
				t.Fatalf("missing __text section")
			}
			data, err := sect.Data()
			if err != nil {
				t.Fatalf("read __text: %v", err)
			}
			if !bytes.Equal(data, testPayload) {
				t.Fatalf("__text does not hold the payload")
			}
			if seg := f.Segment("__TEXT"); seg == nil || seg.Filesz != uint64(len(image)) {
				t.Fatalf("__TEXT does not cover the file")
			}
		})
	}
}

func TestDylibInstallName(t *testing.T) {
	const name = "@executable_path/libpayload.dylib"
	image := mustPack(t, Dylib{}, "aarch64", MachOOptions{InstallName: name})
	if !bytes.Contains(image, []byte(name+"\x00")) {
		t.Fatalf("install name not embedded")
	}
	if !bytes.Contains(mustPack(t, Dylib{}, "x64", nil), []byte(defaultInstallName)) {
		t.Fatalf("default install name not embedded")
	}
}

// fatImage joins thin Mach-O images into a universal binary.
func fatImage(t *testing.T, slices ...[]byte) []byte {
	t.Helper()

	const sliceAlign = 0x4000
	var hdr bytes.Buffer
	_ = binary.Write(&hdr, binary.BigEndian, []uint32{macho.MagicFat, uint32(len(slices))})

	offset := uint64(sliceAlign)
	var body []byte
	for _, s := range slices {
		f, err := macho.NewFile(bytes.NewReader(s))
		if err != nil {
			t.Fatalf("macho.NewFile: %v", err)
		}
		_ = binary.Write(&hdr, binary.BigEndian, macho.FatArchHeader{
			Cpu:    f.Cpu,
			SubCpu: f.SubCpu,
			Offset: uint32(offset),
			Size:   uint32(len(s)),
			Align:  14,
		})
		f.Close()

		padded := make([]byte, align(uint64(len(s)), sliceAlign))
		copy(padded, s)
		body = append(body, padded...)
		offset += uint64(len(padded))
	}

	out := make([]byte, sliceAlign, sliceAlign+len(body))
	copy(out, hdr.Bytes())
	return append(out, body...)
}

func TestUniversalDetection(t *testing.T) {
	execs := fatImage(t, mustPack(t, MachO{}, "x64", nil), mustPack(t, MachO{}, "aarch64", nil))
	if !(MachO{}).Detect(execs) {
		t.Fatalf("MachO.Detect rejected universal executable")
	}
	if (Dylib{}).Detect(execs) {
		t.Fatalf("Dylib.Detect accepted universal executable")
	}

	dylibs := fatImage(t, mustPack(t, Dylib{}, "x64", nil), mustPack(t, Dylib{}, "aarch64", nil))
	if !(Dylib{}).Detect(dylibs) {
		t.Fatalf("Dylib.Detect rejected universal dylib")
	}
}

func TestDetectRejectsForeignAndBrokenInput(t *testing.T) {
	images := map[format.Format][]byte{
		format.ELF:   mustPack(t, ELF{}, "x64", nil),
		format.PE:    mustPack(t, PE{}, "x64", nil),
		format.DLL:   mustPack(t, DLL{}, "x64", nil),
		format.MachO: mustPack(t, MachO{}, "x64", nil),
		format.Dylib: mustPack(t, Dylib{}, "x64", nil),
	}
	// Which detectors accept an image of each packed format.
	accepts := map[format.Format][]format.Format{
		format.ELF:   {format.ELF},
		format.PE:    {format.PE},
		format.DLL:   {format.PE, format.DLL},
		format.MachO: {format.MachO},
		format.Dylib: {format.MachO, format.Dylib},
	}

	for packed, image := range images {
		for _, h := range Defaults() {
			want := false
			for _, f := range accepts[packed] {
				if f == h.Format() {
					want = true
				}
			}
			if got := h.Detect(image); got != want {
				t.Errorf("%s.Detect(%s image): got %v want %v", h.Format(), packed, got, want)
			}
		}
	}

	junk := [][]byte{
		nil,
		{},
		{0x7f},
		[]byte("\x7fELF"),
		[]byte("MZ"),
		[]byte("MZ\x90\x00"),
		{0xcf, 0xfa, 0xed, 0xfe},
		{0xca, 0xfe, 0xba, 0xbe, 0x00, 0x00, 0x00, 0x34}, // java class file
		[]byte("hello marker world"),
	}
	for _, image := range images {
		for _, n := range []int{1, 4, 16, 24, 40, 48} {
			junk = append(junk, image[:n])
		}
	}
	for _, data := range junk {
		for _, h := range Defaults() {
			if h.Detect(data) {
				t.Errorf("%s.Detect accepted %d junk bytes %q", h.Format(), len(data), data)
			}
		}
	}
}

func TestPackErrors(t *testing.T) {
	for _, h := range Defaults() {
		t.Run(h.Format().String(), func(t *testing.T) {
			if _, err := h.Pack("x64", nil, nil); !errors.Is(err, format.ErrEmptyPayload) {
				t.Fatalf("empty payload: got %v", err)
			}

			var archErr *format.ArchError
			if _, err := h.Pack("sparc", testPayload, nil); !errors.As(err, &archErr) {
				t.Fatalf("unknown arch: got %v", err)
			}
			if archErr.Arch != "sparc" || archErr.Format != h.Format() {
				t.Fatalf("unexpected ArchError: %+v", archErr)
			}

			var optErr *format.OptionsError
			if _, err := h.Pack("x64", testPayload, struct{}{}); !errors.As(err, &optErr) {
				t.Fatalf("bad options: got %v", err)
			}
		})
	}

	var archErr *format.ArchError
	if _, err := (MachO{}).Pack("x86", testPayload, nil); !errors.As(err, &archErr) {
		t.Fatalf("Mach-O x86: got %v", err)
	}
	if _, err := (PE{}).Pack("mipsle", testPayload, nil); !errors.As(err, &archErr) {
		t.Fatalf("PE mipsle: got %v", err)
	}
}
