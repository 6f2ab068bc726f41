package citation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/pithecene-io/delve/blob"
	"github.com/pithecene-io/delve/types"
)

func span(doc, start, end int) types.SpanLogEntry {
	return types.SpanLogEntry{DocIndex: doc, StartChar: start, EndChar: end}
}

func TestMerge_OverlapAndAdjacency(t *testing.T) {
	spans := []types.SpanLogEntry{
		span(0, 10, 20),
		span(0, 15, 25), // overlaps
		span(0, 25, 30), // adjacent (gap 0 merges touching spans)
		span(0, 40, 45), // separate
	}
	got := Merge(spans, 0)
	want := []types.SpanLogEntry{span(0, 10, 30), span(0, 40, 45)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("merge = %+v, want %+v", got, want)
	}
}

func TestMerge_GapTolerance(t *testing.T) {
	spans := []types.SpanLogEntry{span(0, 0, 5), span(0, 8, 12)}

	if got := Merge(spans, 0); len(got) != 2 {
		t.Errorf("gap 0: %d spans, want 2", len(got))
	}
	got := Merge(spans, 3)
	if len(got) != 1 || got[0] != span(0, 0, 12) {
		t.Errorf("gap 3: %+v, want one [0,12) span", got)
	}
}

func TestMerge_DropsScanAndZeroLength(t *testing.T) {
	spans := []types.SpanLogEntry{
		{DocIndex: 0, StartChar: 0, EndChar: 10, Tag: "scan:find"},
		span(0, 5, 5),
		span(0, 2, 4),
	}
	got := Merge(spans, 0)
	if len(got) != 1 || got[0] != span(0, 2, 4) {
		t.Errorf("merge = %+v, want only [2,4)", got)
	}
}

func TestMerge_GroupsByDocument(t *testing.T) {
	spans := []types.SpanLogEntry{
		span(1, 0, 5),
		span(0, 0, 5),
		span(1, 3, 8),
	}
	got := Merge(spans, 0)
	want := []types.SpanLogEntry{span(0, 0, 5), span(1, 0, 8)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("merge = %+v, want %+v", got, want)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	spans := []types.SpanLogEntry{
		span(0, 1, 4), span(0, 3, 9), span(1, 0, 2), span(0, 20, 22),
	}
	once := Merge(spans, 0)
	twice := Merge(once, 0)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("merge not idempotent: %+v vs %+v", once, twice)
	}
}

func TestMerge_Empty(t *testing.T) {
	if got := Merge(nil, 0); len(got) != 0 {
		t.Errorf("merge(nil) = %+v", got)
	}
}

// storeWithDoc writes a single-checkpoint document into a memory store.
func storeWithDoc(t *testing.T, text string) (*blob.MemoryStore, types.DocumentRow) {
	t.Helper()
	ctx := context.Background()
	store := blob.NewMemoryStore()

	textKey := types.ParsedTextKey("t1", "s1", "d1")
	offsetsKey := types.OffsetsKey("t1", "s1", "d1")
	if err := store.Put(ctx, textKey, []byte(text)); err != nil {
		t.Fatal(err)
	}

	runes := []rune(text)
	idx := types.OffsetsIndex{
		Version:    1,
		DocID:      "d1",
		CharLength: len(runes),
		ByteLength: len(text),
		Encoding:   "utf-8",
		Checkpoints: []types.Checkpoint{
			{Char: 0, Byte: 0},
			{Char: len(runes), Byte: len(text)},
		},
	}
	raw, _ := json.Marshal(idx)
	if err := store.Put(ctx, offsetsKey, raw); err != nil {
		t.Fatal(err)
	}

	return store, types.DocumentRow{
		Tenant: "t1", Session: "s1", DocID: "d1", DocIndex: 0,
		TextKey: textKey, OffsetsKey: offsetsKey, CharLength: len(runes),
	}
}

func TestResolve_ChecksumMatchesRawSha(t *testing.T) {
	store, doc := storeWithDoc(t, "Alpha beta gamma delta")
	r := NewResolver(store)

	refs, err := r.Resolve(context.Background(), "t1", "s1",
		[]types.DocumentRow{doc}, []types.SpanLogEntry{span(0, 0, 5)})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("refs = %+v, want 1", refs)
	}

	sum := sha256.Sum256([]byte("Alpha"))
	want := "sha256:" + hex.EncodeToString(sum[:])
	if refs[0].Checksum != want {
		t.Errorf("checksum = %s, want %s", refs[0].Checksum, want)
	}
	if refs[0].StartChar != 0 || refs[0].EndChar != 5 || refs[0].DocID != "d1" {
		t.Errorf("ref = %+v", refs[0])
	}
}

func TestResolve_ScanSpansExcluded(t *testing.T) {
	store, doc := storeWithDoc(t, "Alpha beta gamma")
	r := NewResolver(store)

	refs, err := r.Resolve(context.Background(), "t1", "s1",
		[]types.DocumentRow{doc}, []types.SpanLogEntry{
			{DocIndex: 0, StartChar: 0, EndChar: 16, Tag: "scan:find"},
		})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("scan-only log should yield no citations, got %+v", refs)
	}
}

func TestChecksumText_NFCStable(t *testing.T) {
	// "é" as a precomposed rune vs "e" + combining acute: same NFC form.
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"
	if ChecksumText(composed) != ChecksumText(decomposed) {
		t.Error("NFC-equivalent strings must checksum identically")
	}
}

func TestVerify(t *testing.T) {
	store, doc := storeWithDoc(t, "Alpha beta gamma")
	r := NewResolver(store)
	ctx := context.Background()

	refs, err := r.Resolve(ctx, "t1", "s1",
		[]types.DocumentRow{doc}, []types.SpanLogEntry{span(0, 6, 10)})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	ok, err := r.Verify(ctx, []types.DocumentRow{doc}, refs[0])
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Error("fresh citation should verify")
	}

	tampered := refs[0]
	tampered.Checksum = "sha256:deadbeef"
	ok, err = r.Verify(ctx, []types.DocumentRow{doc}, tampered)
	if err != nil {
		t.Fatalf("verify tampered: %v", err)
	}
	if ok {
		t.Error("tampered citation should not verify")
	}

	unknown := refs[0]
	unknown.DocIndex = 9
	if _, err := r.Verify(ctx, []types.DocumentRow{doc}, unknown); err == nil {
		t.Error("unknown doc_index should error")
	}
}
