// Package docview exposes parsed documents as length-bounded random-access
// character sequences over the blob store. Construction is lazy: offsets are
// fetched only when needed, and text bytes are fetched by byte-range reads
// keyed on the character-to-byte checkpoint index. Every read appends an
// entry to the owning ContextView's span log.
package docview

import (
	"sort"

	"github.com/pithecene-io/delve/types"
)

// window is a resolved byte window covering a character range.
type window struct {
	// loByte/hiByte bound the byte-range read.
	loByte int
	hiByte int
	// loChar is the character offset of loByte, used to slice the decoded window.
	loChar int
}

// resolveWindow maps the character range [a, b) onto a byte window using the
// checkpoint index: lo is the last checkpoint with char <= a, hi the first
// checkpoint with char >= b.
//
// The index is valid by construction: sorted, first checkpoint {0,0}, last
// {char_length, byte_length}.
func resolveWindow(idx *types.OffsetsIndex, a, b int) window {
	cps := idx.Checkpoints

	// Last checkpoint with char <= a.
	lo := sort.Search(len(cps), func(i int) bool { return cps[i].Char > a }) - 1
	if lo < 0 {
		lo = 0
	}
	// First checkpoint with char >= b.
	hi := sort.Search(len(cps), func(i int) bool { return cps[i].Char >= b })
	if hi >= len(cps) {
		hi = len(cps) - 1
	}

	return window{
		loByte: cps[lo].Byte,
		hiByte: cps[hi].Byte,
		loChar: cps[lo].Char,
	}
}

// validateRange checks 0 <= a <= b <= length.
func validateRange(a, b, length int) error {
	if a < 0 || b < a || b > length {
		return types.E(types.KindValidationError,
			"invalid character range [%d, %d) for document of length %d", a, b, length)
	}
	return nil
}
