package vdo

import "errors"

// ErrReadOnly is returned once a System has entered ReadOnly mode
// (spec.md §7: "Any metadata I/O error or logic violation inside a
// zone transitions the whole VDO to ReadOnly"). Every write entry
// point checks this and fails fast rather than attempting further
// metadata mutation against state that may already be inconsistent.
var ErrReadOnly = errors.New("vdo: read only")
