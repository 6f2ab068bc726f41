// Package trace accumulates a per-execution transcript: one artifact set per
// turn (prompt, program, output, spans, tool traffic), parse-error count, and
// a final metrics snapshot, exported as a gzipped JSON blob.
package trace

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/pithecene-io/delve/blob"
	"github.com/pithecene-io/delve/metrics"
	"github.com/pithecene-io/delve/types"
)

// SchemaVersion identifies the trace blob layout.
const SchemaVersion = 1

// TurnTrace is the artifact set for one turn.
type TurnTrace struct {
	TurnIndex int `json:"turn_index"`
	// PromptVersion is the template version the turn was built with.
	PromptVersion string `json:"prompt_version,omitempty"`
	// PromptChars is the root prompt length; the prompt text itself is not
	// stored to keep traces small.
	PromptChars int    `json:"prompt_chars,omitempty"`
	Code        string `json:"code,omitempty"`
	Stdout      string `json:"stdout,omitempty"`
	Success     bool   `json:"success"`
	// ParseError marks a turn consumed by an unparseable root output.
	ParseError   string                      `json:"parse_error,omitempty"`
	SpanLog      []types.SpanLogEntry        `json:"span_log,omitempty"`
	ToolRequests *types.ToolRequestsEnvelope `json:"tool_requests,omitempty"`
	ToolStatuses map[string]types.ToolStatus `json:"tool_statuses,omitempty"`
	Final        *types.FinalMarker          `json:"final,omitempty"`
	Error        *types.Error                `json:"error,omitempty"`
}

// Document is the manifest entry recorded in the trace header.
type Document struct {
	DocID      string `json:"doc_id"`
	DocIndex   int    `json:"doc_index"`
	CharLength int    `json:"char_length"`
}

// Export is the serialized trace blob shape.
type Export struct {
	SchemaVersion int               `json:"schema_version"`
	Execution     string            `json:"execution"`
	Session       string            `json:"session"`
	Documents     []Document        `json:"documents"`
	Turns         []TurnTrace       `json:"turns"`
	ParseErrors   int               `json:"parse_errors"`
	Metrics       *metrics.Snapshot `json:"metrics,omitempty"`
}

// Collector accumulates turn traces for one execution. Safe for concurrent
// use; turns may be recorded out of order and are sorted on export.
type Collector struct {
	mu sync.Mutex

	tenant    string
	session   string
	execution string

	documents   []Document
	turns       map[int]*TurnTrace
	parseErrors int
}

// NewCollector creates a collector for one execution.
func NewCollector(tenant, session, execution string, docs []types.DocumentRow) *Collector {
	documents := make([]Document, 0, len(docs))
	for _, d := range docs {
		documents = append(documents, Document{
			DocID: d.DocID, DocIndex: d.DocIndex, CharLength: d.CharLength,
		})
	}
	return &Collector{
		tenant:    tenant,
		session:   session,
		execution: execution,
		documents: documents,
		turns:     map[int]*TurnTrace{},
	}
}

// RecordTurn stores (or replaces) the artifact set for one turn.
func (c *Collector) RecordTurn(t TurnTrace) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := t
	c.turns[t.TurnIndex] = &copied
	if t.ParseError != "" {
		c.parseErrors++
	}
}

// RecordToolStatuses attaches resolution statuses to an already-recorded turn.
func (c *Collector) RecordToolStatuses(turnIndex int, statuses map[string]types.ToolStatus) {
	if c == nil || len(statuses) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	turn, ok := c.turns[turnIndex]
	if !ok {
		return
	}
	if turn.ToolStatuses == nil {
		turn.ToolStatuses = map[string]types.ToolStatus{}
	}
	for k, v := range statuses {
		turn.ToolStatuses[k] = v
	}
}

// ParseErrors returns the number of turns consumed by parse errors.
func (c *Collector) ParseErrors() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parseErrors
}

// Snapshot assembles the export shape with turns in index order.
func (c *Collector) Snapshot(metricsSnap *metrics.Snapshot) *Export {
	c.mu.Lock()
	defer c.mu.Unlock()

	indexes := make([]int, 0, len(c.turns))
	for i := range c.turns {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	turns := make([]TurnTrace, 0, len(indexes))
	for _, i := range indexes {
		turns = append(turns, *c.turns[i])
	}
	return &Export{
		SchemaVersion: SchemaVersion,
		Execution:     c.execution,
		Session:       c.session,
		Documents:     c.documents,
		Turns:         turns,
		ParseErrors:   c.parseErrors,
		Metrics:       metricsSnap,
	}
}

// Export writes the gzipped trace blob and returns its key.
func (c *Collector) Export(ctx context.Context, store blob.Store, metricsSnap *metrics.Snapshot) (string, error) {
	export := c.Snapshot(metricsSnap)

	body, err := json.Marshal(export)
	if err != nil {
		return "", fmt.Errorf("trace: marshal export: %w", err)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(body); err != nil {
		return "", fmt.Errorf("trace: compress export: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("trace: compress export: %w", err)
	}

	key := types.TraceKey(c.tenant, c.execution)
	if err := store.Put(ctx, key, buf.Bytes()); err != nil {
		return "", types.E(types.KindS3ReadError, "trace export write %s: %v", key, err)
	}
	return key, nil
}
