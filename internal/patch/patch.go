// Package patch substitutes byte runs inside binary images.
package patch

import (
	"bytes"
	"fmt"
)

// NeedleNotFoundError is returned by Splice when the needle does not occur
// in the image.
type NeedleNotFoundError struct {
	Needle []byte
}

func (e *NeedleNotFoundError) Error() string {
	return fmt.Sprintf("needle %q not found in image", e.Needle)
}

// Splice replaces the first occurrence of needle in image without moving
// the bytes that follow it, where possible.
//
// A replacement at least as long as the needle overwrites len(replacement)
// bytes starting at the needle, so the image keeps its length while the
// tail has room. A shorter replacement drops the rest of the needle and the
// image shrinks by the difference. image is never modified.
func Splice(image, needle, replacement []byte) ([]byte, error) {
	start := bytes.Index(image, needle)
	if start < 0 {
		return nil, &NeedleNotFoundError{Needle: bytes.Clone(needle)}
	}

	skip := len(needle)
	if len(replacement) >= len(needle) {
		skip = len(replacement)
	}
	resume := min(start+skip, len(image))

	out := make([]byte, 0, start+len(replacement)+len(image)-resume)
	out = append(out, image[:start]...)
	out = append(out, replacement...)
	out = append(out, image[resume:]...)
	return out, nil
}

// ReplaceFirst is a plain single-occurrence substitution. A missing needle
// yields an unchanged copy of image.
func ReplaceFirst(image, needle, replacement []byte) []byte {
	return bytes.Replace(image, needle, replacement, 1)
}
