package format

import (
	"errors"
	"fmt"
)

// ErrEmptyPayload is returned by handlers asked to pack zero bytes.
var ErrEmptyPayload = errors.New("payload is empty")

// UnsupportedFormatError reports a pack request for a format that has no
// registered handler.
type UnsupportedFormatError struct {
	Format Format
}

func (e *UnsupportedFormatError) Error() string {
	if e.Format.String() == "unknown" {
		return fmt.Sprintf("incompatible format: %d", int(e.Format))
	}
	return fmt.Sprintf("incompatible format: %s", e.Format)
}

// ArchError reports an architecture a handler cannot target.
type ArchError struct {
	Format Format
	Arch   string
}

func (e *ArchError) Error() string {
	return fmt.Sprintf("%s: unsupported architecture %q", e.Format, e.Arch)
}

// OptionsError reports an options value of a type the handler does not accept.
type OptionsError struct {
	Format Format
	Got    any
}

func (e *OptionsError) Error() string {
	return fmt.Sprintf("%s: unsupported options type %T", e.Format, e.Got)
}
