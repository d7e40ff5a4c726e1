package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// PaginationMode selects between keyset cursors on a single primitive and
// index cursors over the recomputed hybrid fusion.
type PaginationMode string

const (
	PaginationNative PaginationMode = "native"
	PaginationHybrid PaginationMode = "hybrid"
)

// Request is a retrieval query, already bound to a workspace.
type Request struct {
	WorkspaceID    string
	Query          string
	Filters        map[string]any
	TopK           int
	Hybrid         bool
	Cursor         string
	PaginationMode PaginationMode
}

// Candidate is a chunk that matched one of the primitive searches.
type Candidate struct {
	ChunkID    string
	DocumentID string
	Position   int
	Text       string
	Meta       map[string]any
	Score      float64
}

// Result is one returned chunk after fusion and reranking.
type Result struct {
	ChunkID    string         `json:"chunk_id"`
	DocumentID string         `json:"document_id"`
	Text       string         `json:"text"`
	Meta       map[string]any `json:"meta,omitempty"`
	Score      float64        `json:"score"`
}

// Response is the service output.
type Response struct {
	Results        []Result       `json:"results"`
	Query          string         `json:"query"`
	TotalResults   int            `json:"total_results"`
	SearchType     string         `json:"search_type"`
	Degraded       bool           `json:"degraded,omitempty"`
	NextCursor     string         `json:"next_cursor,omitempty"`
	PaginationMode PaginationMode `json:"pagination_mode,omitempty"`
	ProcessingMs   int64          `json:"processing_time"`
}

const maxChunkChars = 1200

// truncateText caps returned chunk text, appending an ellipsis.
func truncateText(s string) string {
	if len(s) <= maxChunkChars {
		return s
	}
	return s[:maxChunkChars] + "…"
}

// QueryHash binds a cursor to the exact (query, filters, workspace, hybrid)
// combination it was produced for.
func QueryHash(workspaceID, query string, filters map[string]any, hybrid bool) string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(workspaceID)
	b.WriteByte('|')
	b.WriteString(query)
	b.WriteByte('|')
	for _, k := range keys {
		raw, _ := json.Marshal(filters[k])
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(raw)
		b.WriteByte(';')
	}
	if hybrid {
		b.WriteString("|hybrid")
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}
