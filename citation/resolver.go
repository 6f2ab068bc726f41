// Package citation projects span logs onto user-visible citations: scan
// probes are dropped, overlapping reads are merged, and each merged span is
// checksummed over its Unicode-NFC-normalized text so a citation stays
// verifiable under any normalization-equivalent byte encoding.
package citation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"golang.org/x/text/unicode/norm"

	"github.com/pithecene-io/delve/blob"
	"github.com/pithecene-io/delve/docview"
	"github.com/pithecene-io/delve/types"
)

// ChecksumText computes "sha256:" + hex sha256 of the NFC-normalized text.
func ChecksumText(text string) string {
	sum := sha256.Sum256([]byte(norm.NFC.String(text)))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Merge collapses a span log into the minimal ordered set of citable spans:
// scan-tagged and zero-length entries are dropped, spans are grouped by
// document and sorted by (start, end), and adjacent or overlapping spans
// within gap characters are merged. Merge is idempotent.
func Merge(spans []types.SpanLogEntry, gap int) []types.SpanLogEntry {
	if gap < 0 {
		gap = 0
	}

	byDoc := make(map[int][]types.SpanLogEntry)
	var docIndexes []int
	for _, s := range spans {
		if s.IsScan() || s.StartChar >= s.EndChar {
			continue
		}
		if _, seen := byDoc[s.DocIndex]; !seen {
			docIndexes = append(docIndexes, s.DocIndex)
		}
		byDoc[s.DocIndex] = append(byDoc[s.DocIndex], s)
	}
	sort.Ints(docIndexes)

	var merged []types.SpanLogEntry
	for _, di := range docIndexes {
		group := byDoc[di]
		sort.Slice(group, func(i, j int) bool {
			if group[i].StartChar != group[j].StartChar {
				return group[i].StartChar < group[j].StartChar
			}
			return group[i].EndChar < group[j].EndChar
		})

		cur := types.SpanLogEntry{DocIndex: di, StartChar: group[0].StartChar, EndChar: group[0].EndChar}
		for _, s := range group[1:] {
			if s.StartChar <= cur.EndChar+gap {
				if s.EndChar > cur.EndChar {
					cur.EndChar = s.EndChar
				}
				continue
			}
			merged = append(merged, cur)
			cur = types.SpanLogEntry{DocIndex: di, StartChar: s.StartChar, EndChar: s.EndChar}
		}
		merged = append(merged, cur)
	}
	return merged
}

// Resolver computes citations for completed executions and verifies them.
type Resolver struct {
	store blob.Store
	// MergeGap is the tolerance in characters for merging nearby spans.
	MergeGap int
}

// NewResolver creates a Resolver over the given blob store.
func NewResolver(store blob.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve merges the span log and produces one SpanRef per merged span,
// re-reading each span's text through a DocView to checksum it.
func (r *Resolver) Resolve(ctx context.Context, tenant, session string, docs []types.DocumentRow, spans []types.SpanLogEntry) ([]types.SpanRef, error) {
	merged := Merge(spans, r.MergeGap)
	if len(merged) == 0 {
		return []types.SpanRef{}, nil
	}

	byIndex := make(map[int]types.DocumentRow, len(docs))
	for _, d := range docs {
		byIndex[d.DocIndex] = d
	}

	refs := make([]types.SpanRef, 0, len(merged))
	for _, span := range merged {
		doc, ok := byIndex[span.DocIndex]
		if !ok {
			return nil, types.E(types.KindInternalError,
				"span references unknown doc_index %d", span.DocIndex)
		}
		// A throwaway view: the read here is for checksumming, not for the
		// execution's span log.
		cv := docview.NewContextView(r.store, []types.DocumentRow{doc})
		d, err := cv.Doc(0)
		if err != nil {
			return nil, err
		}
		text, err := d.Slice(ctx, span.StartChar, span.EndChar)
		if err != nil {
			return nil, err
		}
		refs = append(refs, types.SpanRef{
			Tenant:    tenant,
			Session:   session,
			DocID:     doc.DocID,
			DocIndex:  doc.DocIndex,
			StartChar: span.StartChar,
			EndChar:   span.EndChar,
			Checksum:  ChecksumText(text),
		})
	}
	return refs, nil
}

// Verify re-reads the cited range and reports whether its NFC-normalized
// checksum still matches the citation.
func (r *Resolver) Verify(ctx context.Context, docs []types.DocumentRow, ref types.SpanRef) (bool, error) {
	for _, doc := range docs {
		if doc.DocIndex != ref.DocIndex {
			continue
		}
		cv := docview.NewContextView(r.store, []types.DocumentRow{doc})
		d, err := cv.Doc(0)
		if err != nil {
			return false, err
		}
		text, err := d.Slice(ctx, ref.StartChar, ref.EndChar)
		if err != nil {
			return false, err
		}
		return ChecksumText(text) == ref.Checksum, nil
	}
	return false, types.E(types.KindValidationError,
		"citation references unknown doc_index %d", ref.DocIndex)
}
