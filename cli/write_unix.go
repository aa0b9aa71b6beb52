//go:build linux || darwin

package main

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// writeOutput creates or truncates path and writes data, retrying short
// and interrupted writes. perm is applied even when the file exists.
func writeOutput(path string, data []byte, perm os.FileMode) error {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, uint32(perm.Perm()))
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	written := 0
	for written < len(data) {
		n, err := unix.Write(fd, data[written:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			_ = unix.Close(fd)
			return fmt.Errorf("write %s: %w", path, err)
		}
		if n <= 0 {
			_ = unix.Close(fd)
			return fmt.Errorf("write %s: short write (%d/%d)", path, written, len(data))
		}
		written += n
	}

	if err := unix.Fchmod(fd, uint32(perm.Perm())); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
