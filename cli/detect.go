package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/exepack/format"
)

var errNotExecutable = errors.New("not an executable")

func newDetectCmd(a *app) *cobra.Command {
	var (
		hint   string
		strict bool
	)

	cmd := &cobra.Command{
		Use:   "detect <file>",
		Short: "Report the container format of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}

			var (
				f  format.Format
				ok bool
			)
			if hint != "" {
				f = format.ParseFormat(hint)
				if f == format.Unknown {
					return fmt.Errorf("unknown format: %s", hint)
				}
				ok = a.toolkit.IsExecutable(data, f)
			} else {
				f, ok = a.toolkit.Identify(data)
			}

			out := cmd.OutOrStdout()
			if !ok {
				fmt.Fprintf(out, "%s: %s\n", args[0], errNotExecutable)
				if strict {
					return errNotExecutable
				}
				return nil
			}
			fmt.Fprintf(out, "%s: %s\n", args[0], f)
			return nil
		},
	}

	cmd.Flags().StringVar(&hint, "format", "", "Only check for this format: dll, dylib, pe, macho, elf")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when the file is not recognized")
	return cmd
}
