package schema

import (
	"bytes"
	"encoding/json"
)

// Field is an optional patch value that keeps "not present" and "explicitly
// null" apart. The zero Field is absent.
//
// Fields are meant to be tagged with `json:",omitzero"` so absent values are
// left out of encoded patches; a present null encodes as JSON null.
type Field[T any] struct {
	present bool
	null    bool
	value   T
}

// Set returns a present Field holding v.
func Set[T any](v T) Field[T] {
	return Field[T]{present: true, value: v}
}

// Null returns a present Field that clears the stored value.
func Null[T any]() Field[T] {
	return Field[T]{present: true, null: true}
}

// Present reports whether the field was supplied at all.
func (f Field[T]) Present() bool { return f.present }

// IsNull reports whether the field was supplied as an explicit null.
func (f Field[T]) IsNull() bool { return f.present && f.null }

// IsZero reports whether the field is absent. It drives `omitzero`.
func (f Field[T]) IsZero() bool { return !f.present }

// Get returns the value and whether a non-null value is present.
func (f Field[T]) Get() (T, bool) {
	if !f.present || f.null {
		var zero T
		return zero, false
	}
	return f.value, true
}

// Ptr returns a pointer to the value, or nil when absent or null.
func (f Field[T]) Ptr() *T {
	v, ok := f.Get()
	if !ok {
		return nil
	}
	return &v
}

// Apply writes the field into dst when present: a value replaces, null clears.
func (f Field[T]) Apply(dst **T) {
	if !f.present {
		return
	}
	*dst = f.Ptr()
}

// FromPtr returns Set(*p) for non-nil p and Null otherwise.
func FromPtr[T any](p *T) Field[T] {
	if p == nil {
		return Null[T]()
	}
	return Set(*p)
}

// MarshalJSON encodes the value or null.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if !f.present || f.null {
		return []byte("null"), nil
	}
	return json.Marshal(f.value)
}

// UnmarshalJSON is only invoked for keys present in the input, which is what
// makes the field present.
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	f.present = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		f.null = true
		var zero T
		f.value = zero
		return nil
	}
	f.null = false
	return json.Unmarshal(data, &f.value)
}
