package docview

import (
	"context"
	"encoding/json"
	"testing"
	"unicode/utf8"

	"github.com/pithecene-io/delve/blob"
	"github.com/pithecene-io/delve/types"
)

// fixtureDoc writes text and a checkpoint index with the given interval into
// the store and returns the document row.
func fixtureDoc(t *testing.T, store *blob.MemoryStore, docIndex int, text string, interval int) types.DocumentRow {
	t.Helper()
	ctx := context.Background()

	docID := "doc"
	textKey := types.ParsedTextKey("t1", "s1", docID)
	offsetsKey := types.OffsetsKey("t1", "s1", docID)

	if err := store.Put(ctx, textKey, []byte(text)); err != nil {
		t.Fatalf("put text: %v", err)
	}

	runes := []rune(text)
	idx := types.OffsetsIndex{
		Version:            1,
		DocID:              docID,
		CharLength:         len(runes),
		ByteLength:         len(text),
		Encoding:           "utf-8",
		CheckpointInterval: interval,
	}
	byteAt := 0
	for c := 0; c < len(runes); c++ {
		if c == 0 || (interval > 0 && c%interval == 0) {
			idx.Checkpoints = append(idx.Checkpoints, types.Checkpoint{Char: c, Byte: byteAt})
		}
		byteAt += utf8.RuneLen(runes[c])
	}
	if len(idx.Checkpoints) == 0 {
		idx.Checkpoints = append(idx.Checkpoints, types.Checkpoint{Char: 0, Byte: 0})
	}
	idx.Checkpoints = append(idx.Checkpoints, types.Checkpoint{Char: len(runes), Byte: len(text)})

	raw, _ := json.Marshal(idx)
	if err := store.Put(ctx, offsetsKey, raw); err != nil {
		t.Fatalf("put offsets: %v", err)
	}

	return types.DocumentRow{
		Tenant:     "t1",
		Session:    "s1",
		DocID:      docID,
		DocIndex:   docIndex,
		Status:     types.DocParsed,
		TextKey:    textKey,
		OffsetsKey: offsetsKey,
		CharLength: len(runes),
	}
}

func TestDocView_Slice(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	doc := fixtureDoc(t, store, 0, "Alpha beta gamma delta", 4)
	cv := NewContextView(store, []types.DocumentRow{doc})

	d, err := cv.Doc(0)
	if err != nil {
		t.Fatalf("doc: %v", err)
	}

	got, err := d.Slice(ctx, 0, 5)
	if err != nil {
		t.Fatalf("slice: %v", err)
	}
	if got != "Alpha" {
		t.Errorf("slice = %q, want Alpha", got)
	}

	log := cv.SpanLog()
	if len(log) != 1 {
		t.Fatalf("span log length = %d, want 1", len(log))
	}
	if log[0].DocIndex != 0 || log[0].StartChar != 0 || log[0].EndChar != 5 || log[0].Tag != "" {
		t.Errorf("span = %+v", log[0])
	}
}

func TestDocView_SliceAgainstFullDecode(t *testing.T) {
	// Offsets law: for any [a,b) in range, the windowed read equals slicing
	// the fully decoded text.
	ctx := context.Background()
	store := blob.NewMemoryStore()
	text := "héllo wörld — ünïcode checkpoint test ábc"
	doc := fixtureDoc(t, store, 0, text, 5)
	cv := NewContextView(store, []types.DocumentRow{doc})
	d, _ := cv.Doc(0)

	runes := []rune(text)
	for a := 0; a <= len(runes); a += 3 {
		for b := a; b <= len(runes); b += 4 {
			got, err := d.Slice(ctx, a, b)
			if err != nil {
				t.Fatalf("slice [%d,%d): %v", a, b, err)
			}
			want := string(runes[a:b])
			if got != want {
				t.Errorf("slice [%d,%d) = %q, want %q", a, b, got, want)
			}
		}
	}
}

func TestDocView_SliceBoundaries(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	doc := fixtureDoc(t, store, 0, "Alpha beta gamma", 4)
	cv := NewContextView(store, []types.DocumentRow{doc})
	d, _ := cv.Doc(0)

	// Zero-length slice: empty string, zero-length span.
	got, err := d.Slice(ctx, 3, 3)
	if err != nil {
		t.Fatalf("zero slice: %v", err)
	}
	if got != "" {
		t.Errorf("zero slice = %q, want empty", got)
	}
	if log := cv.SpanLog(); len(log) != 1 || log[0].StartChar != 3 || log[0].EndChar != 3 {
		t.Errorf("zero slice span log = %+v", log)
	}

	// Slice ending exactly at char_length is valid.
	got, err = d.Slice(ctx, 11, 16)
	if err != nil {
		t.Fatalf("end slice: %v", err)
	}
	if got != "gamma" {
		t.Errorf("end slice = %q, want gamma", got)
	}

	// Inverted and out-of-bounds ranges fail validation.
	for _, r := range [][2]int{{5, 2}, {-1, 3}, {0, 17}, {17, 17}} {
		if _, err := d.Slice(ctx, r[0], r[1]); types.KindOf(err) != types.KindValidationError {
			t.Errorf("slice [%d,%d) kind = %v, want ValidationError", r[0], r[1], types.KindOf(err))
		}
	}
}

func TestDocView_Tagged(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	doc := fixtureDoc(t, store, 2, "Alpha beta gamma", 0)
	cv := NewContextView(store, []types.DocumentRow{doc})
	d, _ := cv.Doc(0)

	if _, err := d.Tagged(ctx, 6, 10, "quote"); err != nil {
		t.Fatalf("tagged: %v", err)
	}
	log := cv.SpanLog()
	if len(log) != 1 || log[0].Tag != "quote" || log[0].DocIndex != 2 {
		t.Errorf("span log = %+v", log)
	}
}

func TestContextView_DocOutOfRange(t *testing.T) {
	cv := NewContextView(blob.NewMemoryStore(), nil)
	if _, err := cv.Doc(0); types.KindOf(err) != types.KindValidationError {
		t.Errorf("kind = %v, want ValidationError", types.KindOf(err))
	}
	if cv.DocCount() != 0 {
		t.Errorf("DocCount = %d, want 0", cv.DocCount())
	}
}

func TestDocView_Find(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	text := "beta one beta two beta three beta"
	doc := fixtureDoc(t, store, 0, text, 4)
	cv := NewContextView(store, []types.DocumentRow{doc})
	d, _ := cv.Doc(0)

	hits, err := d.Find(ctx, "beta", 10, 0, len([]rune(text)))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	want := []Range{{0, 4}, {9, 13}, {18, 22}, {29, 33}}
	if len(hits) != len(want) {
		t.Fatalf("hits = %v, want %v", hits, want)
	}
	for i := range want {
		if hits[i] != want[i] {
			t.Errorf("hit[%d] = %v, want %v", i, hits[i], want[i])
		}
	}

	// The scan is logged as a single scan:find span over the scanned range.
	log := cv.SpanLog()
	if len(log) != 1 {
		t.Fatalf("span log length = %d, want 1", len(log))
	}
	if !log[0].IsScan() || log[0].StartChar != 0 || log[0].EndChar != len([]rune(text)) {
		t.Errorf("scan span = %+v", log[0])
	}
}

func TestDocView_FindWindowStraddle(t *testing.T) {
	// With interval 4 the term "gamma" (5 chars) straddles window boundaries;
	// the carry of len(term)-1 chars must still find it.
	ctx := context.Background()
	store := blob.NewMemoryStore()
	text := "xx gamma yy gamma z"
	doc := fixtureDoc(t, store, 0, text, 4)
	cv := NewContextView(store, []types.DocumentRow{doc})
	d, _ := cv.Doc(0)

	hits, err := d.Find(ctx, "gamma", 10, 0, len([]rune(text)))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	want := []Range{{3, 8}, {12, 17}}
	if len(hits) != 2 || hits[0] != want[0] || hits[1] != want[1] {
		t.Errorf("hits = %v, want %v", hits, want)
	}
}

func TestDocView_FindLimits(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	text := "aa aa aa aa"
	doc := fixtureDoc(t, store, 0, text, 3)
	cv := NewContextView(store, []types.DocumentRow{doc})
	d, _ := cv.Doc(0)

	hits, err := d.Find(ctx, "aa", 2, 0, len([]rune(text)))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("maxHits=2 returned %d hits", len(hits))
	}

	// maxHits = 0 returns no hits and no error.
	hits, err = d.Find(ctx, "aa", 0, 0, len([]rune(text)))
	if err != nil {
		t.Fatalf("find with maxHits=0: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("maxHits=0 returned %d hits", len(hits))
	}
}

func TestDocView_FindSubrange(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemoryStore()
	text := "beta .... beta .... beta"
	doc := fixtureDoc(t, store, 0, text, 6)
	cv := NewContextView(store, []types.DocumentRow{doc})
	d, _ := cv.Doc(0)

	hits, err := d.Find(ctx, "beta", 10, 5, 19)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(hits) != 1 || hits[0] != (Range{10, 14}) {
		t.Errorf("hits = %v, want [{10 14}]", hits)
	}
}
