package format

import (
	"errors"
	"fmt"
)

// Registry is an ordered, read-only table of handlers keyed by Format.
// Iteration order is registration order and decides which format wins an
// unhinted detection.
type Registry struct {
	order    []Format
	handlers map[Format]Handler
}

// NewRegistry builds a registry from handlers in the given order.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{
		order:    make([]Format, 0, len(handlers)),
		handlers: make(map[Format]Handler, len(handlers)),
	}
	for i, h := range handlers {
		if h == nil {
			return nil, fmt.Errorf("handler %d is nil", i)
		}
		f := h.Format()
		if f == Unknown {
			return nil, errors.New("handler registered for unknown format")
		}
		if _, dup := r.handlers[f]; dup {
			return nil, fmt.Errorf("duplicate handler for %s", f)
		}
		r.order = append(r.order, f)
		r.handlers[f] = h
	}
	return r, nil
}

// MustRegistry is like NewRegistry but panics on error.
func MustRegistry(handlers ...Handler) *Registry {
	r, err := NewRegistry(handlers...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Lookup(f Format) (Handler, bool) {
	h, ok := r.handlers[f]
	return h, ok
}

// Formats returns the registered formats in registration order.
func (r *Registry) Formats() []Format {
	out := make([]Format, len(r.order))
	copy(out, r.order)
	return out
}

// Detect reports whether data is a container of the hinted format. A hint
// of Unknown, or one with no registered handler, scans every handler in
// order and reports whether any matches.
func (r *Registry) Detect(data []byte, hint Format) bool {
	if h, ok := r.handlers[hint]; ok {
		return h.Detect(data)
	}
	_, ok := r.Identify(data)
	return ok
}

// Identify returns the first registered format whose handler accepts data.
func (r *Registry) Identify(data []byte) (Format, bool) {
	for _, f := range r.order {
		if r.handlers[f].Detect(data) {
			return f, true
		}
	}
	return Unknown, false
}

// Pack dispatches to the handler registered for f. Errors from the handler
// are returned as-is.
func (r *Registry) Pack(payload []byte, arch string, f Format, opts any) ([]byte, error) {
	h, ok := r.handlers[f]
	if !ok {
		return nil, &UnsupportedFormatError{Format: f}
	}
	return h.Pack(arch, payload, opts)
}
