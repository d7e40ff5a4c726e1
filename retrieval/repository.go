package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charla-io/charla/core/database"
)

// Keyset resumes a primitive scan after the given (score, id) pair.
type Keyset struct {
	Score float64
	ID    string
}

// SearchRepository exposes the two retrieval primitives. Both are scoped to
// the workspace, skip soft-deleted documents and order by score desc, id asc
// so keyset resumption is deterministic.
type SearchRepository interface {
	Lexical(ctx context.Context, workspaceID, query string, conds []Condition, limit int, after *Keyset) ([]Candidate, error)
	Vector(ctx context.Context, workspaceID string, embedding []float32, conds []Condition, limit int) ([]Candidate, error)
}

type GormSearchRepository struct {
	db      *gorm.DB
	timeout time.Duration
}

func NewGormSearchRepository(db *gorm.DB, stmtTimeout time.Duration) *GormSearchRepository {
	return &GormSearchRepository{db: db, timeout: stmtTimeout}
}

type candidateRow struct {
	ID         string
	DocumentID string
	Position   int
	Text       string
	Meta       []byte
	Score      float64
}

func (r *GormSearchRepository) Lexical(ctx context.Context, workspaceID, query string, conds []Condition, limit int, after *Keyset) ([]Candidate, error) {
	var b strings.Builder
	args := []any{query, workspaceID, query}

	b.WriteString(`WITH scored AS (
		SELECT c.id, c.document_id, c.position, c.text, c.meta,
		       ts_rank_cd(c.tsv, websearch_to_tsquery('simple', ?)) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id AND d.workspace_id = c.workspace_id
		WHERE c.workspace_id = ?
		  AND c.deleted_at IS NULL
		  AND d.deleted_at IS NULL
		  AND c.tsv @@ websearch_to_tsquery('simple', ?)`)
	appendConditions(&b, &args, conds)
	b.WriteString("\n)\n")
	appendTail(&b, &args, after, limit)

	return r.scan(ctx, workspaceID, b.String(), args)
}

// Vector has no keyset variant: vector results only feed the hybrid path,
// whose pagination re-runs the fused ranking from the hybrid cursor index.
func (r *GormSearchRepository) Vector(ctx context.Context, workspaceID string, embedding []float32, conds []Condition, limit int) ([]Candidate, error) {
	var b strings.Builder
	args := []any{VectorLiteral(embedding), workspaceID}

	b.WriteString(`WITH scored AS (
		SELECT c.id, c.document_id, c.position, c.text, c.meta,
		       1 - (e.vector <=> ?::vector) AS score
		FROM chunk_embeddings e
		JOIN chunks c ON c.id = e.chunk_id AND c.workspace_id = e.workspace_id
		JOIN documents d ON d.id = c.document_id AND d.workspace_id = c.workspace_id
		WHERE e.workspace_id = ?
		  AND e.deleted_at IS NULL
		  AND c.deleted_at IS NULL
		  AND d.deleted_at IS NULL`)
	appendConditions(&b, &args, conds)
	b.WriteString("\n)\n")
	appendTail(&b, &args, nil, limit)

	return r.scan(ctx, workspaceID, b.String(), args)
}

func appendConditions(b *strings.Builder, args *[]any, conds []Condition) {
	for _, c := range conds {
		b.WriteString("\n\t\t  AND (")
		b.WriteString(c.SQL)
		b.WriteString(")")
		*args = append(*args, c.Args...)
	}
}

func appendTail(b *strings.Builder, args *[]any, after *Keyset, limit int) {
	b.WriteString("SELECT id, document_id, position, text, meta, score FROM scored")
	if after != nil {
		b.WriteString("\nWHERE (score < ? OR (score = ? AND id > ?))")
		*args = append(*args, after.Score, after.Score, after.ID)
	}
	b.WriteString("\nORDER BY score DESC, id ASC\nLIMIT ?")
	*args = append(*args, limit)
}

func (r *GormSearchRepository) scan(ctx context.Context, workspaceID, sql string, args []any) ([]Candidate, error) {
	var rows []candidateRow
	err := database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		return tx.Raw(sql, args...).Scan(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval query: %w", err)
	}

	out := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		c := Candidate{
			ChunkID:    row.ID,
			DocumentID: row.DocumentID,
			Position:   row.Position,
			Text:       row.Text,
			Score:      row.Score,
		}
		if len(row.Meta) > 0 {
			_ = json.Unmarshal(row.Meta, &c.Meta)
		}
		out = append(out, c)
	}
	return out, nil
}

// VectorLiteral renders an embedding in pgvector input syntax.
func VectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
