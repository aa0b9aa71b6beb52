package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sliverarmory/exepack/format"
	"github.com/sliverarmory/exepack/handler"
	"github.com/sliverarmory/exepack/internal/config"
)

func newPackCmd(a *app) *cobra.Command {
	var (
		archName    string
		formatName  string
		output      string
		base        uint64
		installName string
		subsystem   uint16
	)

	cmd := &cobra.Command{
		Use:   "pack <payload>",
		Short: "Wrap a raw payload in an executable container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if archName == "" {
				archName = a.cfg.Pack.Arch
			}
			if formatName == "" {
				formatName = a.cfg.Pack.Format
			}
			if err := (config.PackConfig{Arch: archName, Format: formatName}).Validate(); err != nil {
				return err
			}
			f := format.ParseFormat(formatName)

			image, err := a.toolkit.PackFile(args[0], archName, f, packOptions(f, base, installName, subsystem))
			if err != nil {
				return err
			}
			if err := writeOutput(output, image, 0o755); err != nil {
				return err
			}

			a.log.Info("packed", zap.String("payload", args[0]), zap.String("output", output),
				zap.Stringer("format", f), zap.String("arch", archName), zap.Int("size", len(image)))
			fmt.Fprintf(cmd.OutOrStdout(), "Packed %s -> %s (%s, %s)\n", args[0], output, archName, f)
			return nil
		},
	}

	cmd.Flags().StringVar(&archName, "arch", "", "Target architecture (default from config)")
	cmd.Flags().StringVar(&formatName, "format", "", "Container format: dll, dylib, pe, macho, elf (default from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file")
	cmd.Flags().Uint64Var(&base, "base", 0, "Load or image base address")
	cmd.Flags().StringVar(&installName, "install-name", "", "Dylib install name")
	cmd.Flags().Uint16Var(&subsystem, "subsystem", 0, "PE subsystem (2 = GUI, 3 = console)")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func packOptions(f format.Format, base uint64, installName string, subsystem uint16) any {
	switch f {
	case format.PE, format.DLL:
		return handler.PEOptions{ImageBase: base, Subsystem: subsystem}
	case format.MachO, format.Dylib:
		return handler.MachOOptions{BaseAddress: base, InstallName: installName}
	case format.ELF:
		return handler.ELFOptions{BaseAddress: base}
	default:
		return nil
	}
}
