package extract

import "strings"

// Optional is a field that may be absent from the page.
type Optional[T any] struct {
	value T
	ok    bool
}

// Some wraps a present value.
func Some[T any](v T) Optional[T] { return Optional[T]{value: v, ok: true} }

// None is the absent value.
func None[T any]() Optional[T] { return Optional[T]{} }

// Get returns the value and whether it was present.
func (o Optional[T]) Get() (T, bool) { return o.value, o.ok }

// Present reports whether the field was found.
func (o Optional[T]) Present() bool { return o.ok }

// OrZero returns the value or the zero value of T.
func (o Optional[T]) OrZero() T { return o.value }

// Ptr returns a pointer to a copy of the value, or nil when absent.
func (o Optional[T]) Ptr() *T {
	if !o.ok {
		return nil
	}
	v := o.value
	return &v
}

// text trims s and reports absence for empty strings.
func text(s string) Optional[string] {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return None[string]()
	}
	return Some(s)
}
