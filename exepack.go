// Package exepack detects, builds and patches executable containers (PE,
// DLL, ELF, Mach-O and Dylib) through a single format-agnostic facade.
package exepack

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/sliverarmory/exepack/format"
	"github.com/sliverarmory/exepack/handler"
	"github.com/sliverarmory/exepack/internal/patch"
)

type (
	// UnsupportedFormatError is returned by Pack for a format with no handler.
	UnsupportedFormatError = format.UnsupportedFormatError
	// NeedleNotFoundError is returned by Replace when an executable image
	// does not contain the needle.
	NeedleNotFoundError = patch.NeedleNotFoundError
)

var defaultRegistry = sync.OnceValue(func() *format.Registry {
	return format.MustRegistry(handler.Defaults()...)
})

// Toolkit dispatches detection, packing and patching to a handler registry.
// It holds no mutable state and is safe for concurrent use.
type Toolkit struct {
	registry *format.Registry
	log      *zap.Logger
}

type Option func(*Toolkit)

// WithRegistry replaces the built-in handlers.
func WithRegistry(r *format.Registry) Option {
	return func(t *Toolkit) { t.registry = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Toolkit) { t.log = l }
}

// New returns a Toolkit backed by the built-in handlers unless overridden.
func New(opts ...Option) *Toolkit {
	t := &Toolkit{}
	for _, opt := range opts {
		opt(t)
	}
	if t.registry == nil {
		t.registry = defaultRegistry()
	}
	if t.log == nil {
		t.log = zap.NewNop()
	}
	return t
}

// Registry returns the handler registry the toolkit dispatches through.
func (t *Toolkit) Registry() *format.Registry {
	return t.registry
}

// IsExecutable reports whether data is a container of the hinted format.
// With format.Unknown, or a format that has no handler, it reports whether
// data matches any registered format.
func (t *Toolkit) IsExecutable(data []byte, hint format.Format) bool {
	ok := t.registry.Detect(data, hint)
	t.log.Debug("detect", zap.Stringer("hint", hint), zap.Int("size", len(data)), zap.Bool("match", ok))
	return ok
}

// Identify returns the first registered format that accepts data.
func (t *Toolkit) Identify(data []byte) (format.Format, bool) {
	return t.registry.Identify(data)
}

// Pack wraps payload in a container of format f for arch. opts is passed
// to the format's handler untouched; see the handler package for the
// accepted option types. Handler errors are returned unchanged.
func (t *Toolkit) Pack(payload []byte, arch string, f format.Format, opts any) ([]byte, error) {
	t.log.Debug("pack", zap.Stringer("format", f), zap.String("arch", arch), zap.Int("size", len(payload)))
	return t.registry.Pack(payload, arch, f, opts)
}

// Replace substitutes the first occurrence of needle in image.
//
// Recognized executables keep their layout: a replacement at least as
// long as the needle overwrites the bytes that follow it so the image keeps
// its length, and a shorter one shrinks the image by the difference. A
// missing needle is an error. Anything else gets plain substring
// replacement, where a missing needle leaves the image unchanged.
func (t *Toolkit) Replace(image, needle, replacement []byte) ([]byte, error) {
	if t.IsExecutable(image, format.Unknown) {
		t.log.Debug("replace", zap.String("mode", "splice"), zap.Int("needle", len(needle)), zap.Int("replacement", len(replacement)))
		return patch.Splice(image, needle, replacement)
	}
	t.log.Debug("replace", zap.String("mode", "generic"), zap.Int("needle", len(needle)), zap.Int("replacement", len(replacement)))
	return patch.ReplaceFirst(image, needle, replacement), nil
}

// PackFile reads a payload from disk and packs it.
func (t *Toolkit) PackFile(path, arch string, f format.Format, opts any) ([]byte, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("exepack: read payload file: %w", err)
	}
	return t.Pack(payload, arch, f, opts)
}

// ReplaceFile reads an image from disk and patches it.
func (t *Toolkit) ReplaceFile(path string, needle, replacement []byte) ([]byte, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("exepack: read image file: %w", err)
	}
	return t.Replace(image, needle, replacement)
}

// IsExecutable is Toolkit.IsExecutable on the built-in handlers.
func IsExecutable(data []byte, hint format.Format) bool {
	return New().IsExecutable(data, hint)
}

// Pack is Toolkit.Pack on the built-in handlers.
func Pack(payload []byte, arch string, f format.Format, opts any) ([]byte, error) {
	return New().Pack(payload, arch, f, opts)
}

// Replace is Toolkit.Replace on the built-in handlers.
func Replace(image, needle, replacement []byte) ([]byte, error) {
	return New().Replace(image, needle, replacement)
}
