package docview

import (
	"context"

	"github.com/pithecene-io/delve/types"
)

// Range is a half-open character interval produced by a scan.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Find returns up to maxHits character ranges matching term literally within
// [start, end). It streams checkpoint-sized windows to bound memory and
// carries a prefix of len(term)-1 characters so matches spanning two windows
// are found. The scanned range is logged as a single "scan:find" span so the
// citation resolver can exclude it from user-visible citations.
//
// maxHits <= 0 returns no hits; an empty term returns no hits.
func (d *DocView) Find(ctx context.Context, term string, maxHits, start, end int) ([]Range, error) {
	length, err := d.Len(ctx)
	if err != nil {
		return nil, err
	}
	if end > length {
		end = length
	}
	if err := validateRange(start, end, length); err != nil {
		return nil, err
	}

	hits := []Range{}
	if maxHits > 0 && term != "" && start < end {
		hits, err = d.scan(ctx, []rune(term), maxHits, start, end)
		if err != nil {
			return nil, err
		}
	}

	d.cv.appendSpan(types.SpanLogEntry{
		DocIndex:  d.doc.DocIndex,
		StartChar: start,
		EndChar:   end,
		Tag:       types.ScanTagPrefix + "find",
	})
	return hits, nil
}

// scan streams windows over [start, end) collecting literal matches.
func (d *DocView) scan(ctx context.Context, term []rune, maxHits, start, end int) ([]Range, error) {
	idx, err := d.ensureOffsets(ctx)
	if err != nil {
		return nil, err
	}

	windowChars := idx.CheckpointInterval
	if windowChars <= 0 || windowChars < len(term) {
		windowChars = end - start
	}

	var hits []Range
	// carry holds the trailing len(term)-1 chars of the previous window;
	// carryAt is the character offset of carry[0].
	carry := []rune{}
	carryAt := start

	for pos := start; pos < end && len(hits) < maxHits; pos += windowChars {
		stop := pos + windowChars
		if stop > end {
			stop = end
		}
		text, err := d.readRange(ctx, pos, stop)
		if err != nil {
			return nil, err
		}

		haystack := append(append([]rune{}, carry...), []rune(text)...)
		base := carryAt

		for i := 0; i+len(term) <= len(haystack); i++ {
			if !runesEqual(haystack[i:i+len(term)], term) {
				continue
			}
			at := base + i
			// Matches entirely inside the carry were reported by the
			// previous window.
			if at+len(term) <= pos {
				continue
			}
			hits = append(hits, Range{Start: at, End: at + len(term)})
			if len(hits) >= maxHits {
				break
			}
		}

		// Carry the window suffix so a match straddling the boundary
		// is visible to the next iteration.
		keep := len(term) - 1
		if keep > len(haystack) {
			keep = len(haystack)
		}
		carry = append([]rune{}, haystack[len(haystack)-keep:]...)
		carryAt = base + len(haystack) - keep
	}
	return hits, nil
}

// runesEqual compares two rune slices of equal length.
func runesEqual(a, b []rune) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
