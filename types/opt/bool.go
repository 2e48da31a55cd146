// Package opt defines the Bool type.
package opt

import "strconv"

// Bool represents a boolean that can be empty, true, or false.
// The zero value is empty.
//
// It is encoded as the strings "", "true", or "false".
type Bool string

// Set sets b to the boolean value v.
func (b *Bool) Set(v bool) {
	*b = Bool(strconv.FormatBool(v))
}

// Clear sets b to the empty (unknown) state.
func (b *Bool) Clear() {
	*b = ""
}

// Get returns the value of b and whether it was set (non-empty).
func (b Bool) Get() (v bool, ok bool) {
	if b == "" {
		return false, false
	}
	v, err := strconv.ParseBool(string(b))
	if err != nil {
		return false, false
	}
	return v, true
}

// EqualBool reports whether b is set and equal to v.
func (b Bool) EqualBool(v bool) bool {
	bv, ok := b.Get()
	return ok && bv == v
}

func (b Bool) String() string {
	if b == "" {
		return "unset"
	}
	return string(b)
}
