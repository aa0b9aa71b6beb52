//go:build !linux && !darwin

package main

import (
	"fmt"
	"os"
)

func writeOutput(path string, data []byte, perm os.FileMode) error {
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
