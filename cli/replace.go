package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newReplaceCmd(a *app) *cobra.Command {
	var (
		needle      string
		replacement string
		useHex      bool
		output      string
	)

	cmd := &cobra.Command{
		Use:   "replace <file>",
		Short: "Replace the first occurrence of a byte string in a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst, err := decodeArg("needle", needle, useHex)
			if err != nil {
				return err
			}
			src, err := decodeArg("replacement", replacement, useHex)
			if err != nil {
				return err
			}
			if len(dst) == 0 {
				return fmt.Errorf("--needle cannot be empty")
			}

			info, err := os.Stat(args[0])
			if err != nil {
				return err
			}
			image, err := a.toolkit.ReplaceFile(args[0], dst, src)
			if err != nil {
				return err
			}
			if output == "" || sameFile(output, args[0]) {
				output = args[0]
				err = replaceInPlace(output, image)
			} else {
				err = writeOutput(output, image, info.Mode().Perm())
			}
			if err != nil {
				return err
			}

			a.log.Info("replaced", zap.String("input", args[0]), zap.String("output", output), zap.Int("size", len(image)))
			fmt.Fprintf(cmd.OutOrStdout(), "Patched %s -> %s (%d bytes)\n", args[0], output, len(image))
			return nil
		},
	}

	cmd.Flags().StringVar(&needle, "needle", "", "Byte string to search for")
	cmd.Flags().StringVar(&replacement, "replacement", "", "Byte string to substitute")
	cmd.Flags().BoolVar(&useHex, "hex", false, "Treat --needle and --replacement as hex")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: overwrite input)")
	_ = cmd.MarkFlagRequired("needle")
	return cmd
}

func decodeArg(name, value string, useHex bool) ([]byte, error) {
	if !useHex {
		return []byte(value), nil
	}
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return b, nil
}
