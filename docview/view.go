package docview

import (
	"context"
	"encoding/json"

	"github.com/pithecene-io/delve/blob"
	"github.com/pithecene-io/delve/types"
)

// ContextView is the set of documents visible to one step, plus the span log
// accumulated by every read. It is not safe for concurrent use: program
// execution inside a step is single-threaded by design.
type ContextView struct {
	store   blob.Store
	docs    []types.DocumentRow
	views   []*DocView
	spanLog []types.SpanLogEntry
}

// NewContextView builds a view over the given document manifest.
// No I/O happens until a document is read.
func NewContextView(store blob.Store, docs []types.DocumentRow) *ContextView {
	return &ContextView{
		store: store,
		docs:  docs,
		views: make([]*DocView, len(docs)),
	}
}

// DocCount returns the number of documents in the manifest.
func (c *ContextView) DocCount() int {
	return len(c.docs)
}

// Doc returns the view of the document at the given manifest position.
func (c *ContextView) Doc(i int) (*DocView, error) {
	if i < 0 || i >= len(c.docs) {
		return nil, types.E(types.KindValidationError,
			"document index %d out of range [0, %d)", i, len(c.docs))
	}
	if c.views[i] == nil {
		c.views[i] = &DocView{cv: c, doc: &c.docs[i]}
	}
	return c.views[i], nil
}

// SpanLog returns the accumulated span log in issue order.
func (c *ContextView) SpanLog() []types.SpanLogEntry {
	return c.spanLog
}

// appendSpan records one read.
func (c *ContextView) appendSpan(e types.SpanLogEntry) {
	c.spanLog = append(c.spanLog, e)
}

// DocView exposes one document as a character sequence. Reads resolve
// through the checkpoint index to bounded byte-range fetches.
type DocView struct {
	cv      *ContextView
	doc     *types.DocumentRow
	offsets *types.OffsetsIndex
}

// DocIndex returns the document's stable index within the session.
func (d *DocView) DocIndex() int {
	return d.doc.DocIndex
}

// Len returns the document length in characters. Prefers the stored length;
// falls back to the offsets index.
func (d *DocView) Len(ctx context.Context) (int, error) {
	if d.doc.CharLength > 0 {
		return d.doc.CharLength, nil
	}
	idx, err := d.ensureOffsets(ctx)
	if err != nil {
		return 0, err
	}
	return idx.CharLength, nil
}

// Slice reads characters [a, b) and logs an untagged span.
// A zero-length slice returns the empty string and logs a zero-length span.
func (d *DocView) Slice(ctx context.Context, a, b int) (string, error) {
	return d.slice(ctx, a, b, "")
}

// Tagged reads characters [a, b) and logs a span with the given tag.
func (d *DocView) Tagged(ctx context.Context, a, b int, tag string) (string, error) {
	return d.slice(ctx, a, b, tag)
}

func (d *DocView) slice(ctx context.Context, a, b int, tag string) (string, error) {
	length, err := d.Len(ctx)
	if err != nil {
		return "", err
	}
	if err := validateRange(a, b, length); err != nil {
		return "", err
	}
	text, err := d.readRange(ctx, a, b)
	if err != nil {
		return "", err
	}
	d.cv.appendSpan(types.SpanLogEntry{
		DocIndex:  d.doc.DocIndex,
		StartChar: a,
		EndChar:   b,
		Tag:       tag,
	})
	return text, nil
}

// readRange fetches and decodes characters [a, b) without span logging.
func (d *DocView) readRange(ctx context.Context, a, b int) (string, error) {
	if a == b {
		return "", nil
	}
	idx, err := d.ensureOffsets(ctx)
	if err != nil {
		return "", err
	}

	w := resolveWindow(idx, a, b)
	raw, err := d.cv.store.GetRange(ctx, d.doc.TextKey, int64(w.loByte), int64(w.hiByte))
	if err != nil {
		return "", types.E(types.KindS3ReadError, "text read %s: %v", d.doc.TextKey, err)
	}

	runes := []rune(string(raw))
	start := a - w.loChar
	end := b - w.loChar
	if start < 0 || end > len(runes) {
		return "", types.E(types.KindInternalError,
			"offsets index inconsistent with text for %s: window [%d,%d) decoded %d chars",
			d.doc.DocID, w.loByte, w.hiByte, len(runes))
	}
	return string(runes[start:end]), nil
}

// ensureOffsets loads and caches the offsets index.
func (d *DocView) ensureOffsets(ctx context.Context) (*types.OffsetsIndex, error) {
	if d.offsets != nil {
		return d.offsets, nil
	}
	raw, err := d.cv.store.Get(ctx, d.doc.OffsetsKey)
	if err != nil {
		return nil, types.E(types.KindS3ReadError, "offsets read %s: %v", d.doc.OffsetsKey, err)
	}
	var idx types.OffsetsIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, types.E(types.KindParserError, "offsets decode %s: %v", d.doc.OffsetsKey, err)
	}
	if len(idx.Checkpoints) == 0 {
		return nil, types.E(types.KindParserError, "offsets index %s has no checkpoints", d.doc.OffsetsKey)
	}
	d.offsets = &idx
	return d.offsets, nil
}
