package types

import "strings"

// ScanTagPrefix marks spans produced by scanning reads (keyword probes).
// Scan spans are kept for telemetry but excluded from user-visible citations.
const ScanTagPrefix = "scan:"

// SpanLogEntry records one document read as a half-open character interval.
type SpanLogEntry struct {
	// DocIndex is the document's stable index within the session.
	DocIndex int `json:"doc_index" msgpack:"doc_index"`
	// StartChar is the inclusive start character offset.
	StartChar int `json:"start_char" msgpack:"start_char"`
	// EndChar is the exclusive end character offset.
	EndChar int `json:"end_char" msgpack:"end_char"`
	// Tag is an optional caller-supplied label; scan probes use "scan:" tags.
	Tag string `json:"tag,omitempty" msgpack:"tag,omitempty"`
}

// IsScan reports whether the entry came from a scanning read.
func (e SpanLogEntry) IsScan() bool {
	return strings.HasPrefix(e.Tag, ScanTagPrefix)
}

// SpanRef is a resolved citation: a span plus identity and the sha256 of the
// NFC-normalized text it covers.
type SpanRef struct {
	Tenant    string `json:"tenant" msgpack:"tenant"`
	Session   string `json:"session" msgpack:"session"`
	DocID     string `json:"doc_id" msgpack:"doc_id"`
	DocIndex  int    `json:"doc_index" msgpack:"doc_index"`
	StartChar int    `json:"start_char" msgpack:"start_char"`
	EndChar   int    `json:"end_char" msgpack:"end_char"`
	// Checksum is "sha256:" + hex sha256 of the NFC-normalized span text.
	Checksum string `json:"checksum" msgpack:"checksum"`
}
