package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charla-io/charla/core/config"
	"github.com/charla-io/charla/infrastructure/ai"
	"github.com/charla-io/charla/infrastructure/ephemeral"
	"github.com/charla-io/charla/observability"
	pkgError "github.com/charla-io/charla/pkg/error"
)

const defaultTopK = 8

// Service runs the full retrieval pipeline: query validation, primitive
// searches, RRF fusion, diversity reranking and cursor pagination. When the
// embedding backend is down a hybrid request degrades to lexical-only
// instead of failing.
type Service struct {
	repo     SearchRepository
	embedder ai.EmbeddingProvider
	cache    ephemeral.EmbeddingCache
	cfg      config.RetrievalConfig
}

func NewService(repo SearchRepository, embedder ai.EmbeddingProvider, cache ephemeral.EmbeddingCache, cfg config.RetrievalConfig) *Service {
	return &Service{repo: repo, embedder: embedder, cache: cache, cfg: cfg}
}

func (s *Service) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	endpoint := "search"
	if req.Hybrid {
		endpoint = "retrieve_context"
	}
	defer func() {
		observability.RetrievalDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return &Response{Results: []Result{}, Query: req.Query, SearchType: searchType(req.Hybrid, false), ProcessingMs: time.Since(start).Milliseconds()}, nil
	}
	if len(query) > s.cfg.MaxQueryLen {
		observability.RetrievalRequests.WithLabelValues(endpoint, observability.WorkspaceHash(req.WorkspaceID), "rejected").Inc()
		return nil, pkgError.PayloadTooLargeError(fmt.Sprintf("query exceeds %d characters", s.cfg.MaxQueryLen))
	}

	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > s.cfg.MaxTopK {
		topK = s.cfg.MaxTopK
	}

	filters := NormalizeFilters(req.Filters)
	conds := BuildConditions(filters)
	queryHash := QueryHash(req.WorkspaceID, query, filters, req.Hybrid)

	var resp *Response
	var err error
	if req.Hybrid {
		resp, err = s.hybrid(ctx, req.WorkspaceID, query, conds, topK, queryHash, req.Cursor)
	} else {
		resp, err = s.native(ctx, req.WorkspaceID, query, conds, topK, queryHash, req.Cursor)
	}
	if err != nil {
		observability.RetrievalRequests.WithLabelValues(endpoint, observability.WorkspaceHash(req.WorkspaceID), "error").Inc()
		return nil, err
	}

	outcome := "ok"
	if resp.Degraded {
		outcome = "degraded"
	}
	observability.RetrievalRequests.WithLabelValues(endpoint, observability.WorkspaceHash(req.WorkspaceID), outcome).Inc()

	resp.Query = query
	resp.ProcessingMs = time.Since(start).Milliseconds()
	return resp, nil
}

// native is a lexical-only search paged with a keyset cursor.
func (s *Service) native(ctx context.Context, workspaceID, query string, conds []Condition, topK int, queryHash, cursor string) (*Response, error) {
	var after *Keyset
	if cursor != "" {
		p, err := decodeCursor(cursor, queryHash)
		if err != nil {
			return nil, err
		}
		if p.Mode != PaginationNative {
			return nil, pkgError.BadRequestError("cursor mode does not match request")
		}
		after = &Keyset{Score: p.LastScore, ID: p.LastID}
	}

	candidates, err := s.repo.Lexical(ctx, workspaceID, query, conds, topK+1, after)
	if err != nil {
		return nil, err
	}

	next := ""
	if len(candidates) > topK {
		candidates = candidates[:topK]
		last := candidates[len(candidates)-1]
		next = encodeCursor(cursorPayload{
			Mode:      PaginationNative,
			QueryHash: queryHash,
			LastScore: last.Score,
			LastID:    last.ChunkID,
		})
	}

	return &Response{
		Results:        toResults(candidates),
		TotalResults:   len(candidates),
		SearchType:     "lexical",
		NextCursor:     next,
		PaginationMode: PaginationNative,
	}, nil
}

// hybrid fuses lexical and vector candidates, reranks for diversity and
// pages by index into the recomputed fused order.
func (s *Service) hybrid(ctx context.Context, workspaceID, query string, conds []Condition, topK int, queryHash, cursor string) (*Response, error) {
	offset := 0
	if cursor != "" {
		p, err := decodeCursor(cursor, queryHash)
		if err != nil {
			return nil, err
		}
		if p.Mode != PaginationHybrid {
			return nil, pkgError.BadRequestError("cursor mode does not match request")
		}
		offset = p.Index
	}

	lexical, err := s.repo.Lexical(ctx, workspaceID, query, conds, s.cfg.TopNLexical, nil)
	if err != nil {
		return nil, err
	}

	degraded := false
	var vector []Candidate
	embedding, embErr := s.queryEmbedding(ctx, workspaceID, query)
	if embErr != nil {
		logrus.WithError(embErr).WithField("workspace", observability.WorkspaceHash(workspaceID)).
			Warn("[Retrieval] Embedding unavailable, degrading to lexical-only")
		degraded = true
	} else {
		vector, err = s.repo.Vector(ctx, workspaceID, embedding, conds, s.cfg.TopNVector)
		if err != nil {
			return nil, err
		}
	}

	fused := FuseRRF(lexical, vector, s.cfg.RRFK)
	ranked := Rerank(fused, offset+topK+1, s.cfg.MMRLambda, s.cfg.PerDocCap)
	if offset > len(ranked) {
		offset = len(ranked)
	}
	page := ranked[offset:]

	next := ""
	if len(page) > topK {
		page = page[:topK]
		next = encodeCursor(cursorPayload{
			Mode:      PaginationHybrid,
			QueryHash: queryHash,
			Index:     offset + topK,
		})
	}

	searchTypeLabel := "hybrid"
	if degraded {
		searchTypeLabel = "lexical"
	}
	return &Response{
		Results:        toResults(page),
		TotalResults:   len(page),
		SearchType:     searchTypeLabel,
		Degraded:       degraded,
		NextCursor:     next,
		PaginationMode: PaginationHybrid,
	}, nil
}

// queryEmbedding checks the per-workspace cache before calling the backend.
func (s *Service) queryEmbedding(ctx context.Context, workspaceID, query string) ([]float32, error) {
	key := embeddingKey(query)

	if s.cache != nil {
		if vec, ok, err := s.cache.Get(ctx, workspaceID, key); err == nil && ok {
			return vec, nil
		}
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedding backend returned %d vectors for one query", len(vectors))
	}

	if s.cache != nil {
		if err := s.cache.Put(ctx, workspaceID, key, vectors[0]); err != nil {
			logrus.WithError(err).Debug("[Retrieval] Embedding cache write failed")
		}
	}
	return vectors[0], nil
}

func embeddingKey(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:16])
}

func toResults(candidates []Candidate) []Result {
	out := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, Result{
			ChunkID:    c.ChunkID,
			DocumentID: c.DocumentID,
			Text:       truncateText(c.Text),
			Meta:       c.Meta,
			Score:      c.Score,
		})
	}
	return out
}

func searchType(hybrid, degraded bool) string {
	if hybrid && !degraded {
		return "hybrid"
	}
	return "lexical"
}
