package retrieval

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charla-io/charla/core/config"
	pkgError "github.com/charla-io/charla/pkg/error"
)

func testConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		RRFK:        60,
		TopNLexical: 50,
		TopNVector:  50,
		MaxQueryLen: 512,
		MaxTopK:     50,
		MMRLambda:   0.7,
		PerDocCap:   2,
	}
}

type fakeRepo struct {
	lexical []Candidate
	vector  []Candidate
	lastAfter *Keyset
}

func (f *fakeRepo) Lexical(_ context.Context, _, _ string, _ []Condition, limit int, after *Keyset) ([]Candidate, error) {
	f.lastAfter = after
	out := f.lexical
	if after != nil {
		filtered := make([]Candidate, 0, len(out))
		for _, c := range out {
			if c.Score < after.Score || (c.Score == after.Score && c.ChunkID > after.ID) {
				filtered = append(filtered, c)
			}
		}
		out = filtered
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) Vector(_ context.Context, _ string, _ []float32, _ []Condition, limit int) ([]Candidate, error) {
	out := f.vector
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeEmbedder struct {
	fail  bool
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.fail {
		return nil, fmt.Errorf("backend caido")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return 3 }

func TestFuseRRFOrderAndTieBreak(t *testing.T) {
	lexical := []Candidate{
		{ChunkID: "a", DocumentID: "d1", Text: "uno"},
		{ChunkID: "b", DocumentID: "d1", Text: "dos"},
	}
	vector := []Candidate{
		{ChunkID: "b", DocumentID: "d1", Text: "dos"},
		{ChunkID: "c", DocumentID: "d2", Text: "tres"},
	}

	fused := FuseRRF(lexical, vector, 60)
	require.Len(t, fused, 3)

	// "b" aparece en ambas listas, debe quedar primero.
	assert.Equal(t, "b", fused[0].ChunkID)
	// "a" (rank 1 lexical) supera a "c" (rank 2 vector).
	assert.Equal(t, "a", fused[1].ChunkID)
	assert.Equal(t, "c", fused[2].ChunkID)
}

func TestRerankEnforcesPerDocumentCap(t *testing.T) {
	// 30 chunks, 20 del documento dominante: el top 5 no puede llevar
	// mas de 2 del mismo documento.
	candidates := make([]Candidate, 0, 30)
	for i := 0; i < 20; i++ {
		candidates = append(candidates, Candidate{
			ChunkID:    fmt.Sprintf("a-%02d", i),
			DocumentID: "doc-a",
			Text:       fmt.Sprintf("menu del dia opcion %d con arroz y frijoles", i),
			Score:      1.0 - float64(i)*0.001,
		})
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, Candidate{
			ChunkID:    fmt.Sprintf("b-%02d", i),
			DocumentID: fmt.Sprintf("doc-%d", i),
			Text:       fmt.Sprintf("contenido distinto numero %d sobre otros temas", i),
			Score:      0.5 - float64(i)*0.001,
		})
	}

	top := Rerank(candidates, 5, 0.7, 2)
	require.Len(t, top, 5)

	fromA := 0
	for _, c := range top {
		if c.DocumentID == "doc-a" {
			fromA++
		}
	}
	assert.LessOrEqual(t, fromA, 2)
}

func TestRerankRelaxesCapWhenNothingElseLeft(t *testing.T) {
	candidates := []Candidate{
		{ChunkID: "1", DocumentID: "d", Text: "uno", Score: 0.9},
		{ChunkID: "2", DocumentID: "d", Text: "dos", Score: 0.8},
		{ChunkID: "3", DocumentID: "d", Text: "tres", Score: 0.7},
	}
	top := Rerank(candidates, 3, 0.7, 2)
	// Sin otros documentos disponibles se llena igual el pedido.
	assert.Len(t, top, 3)
}

func TestQueryHashBindsFiltersAndWorkspace(t *testing.T) {
	base := QueryHash("ws1", "tacos", map[string]any{"category": "food"}, true)

	assert.NotEqual(t, base, QueryHash("ws2", "tacos", map[string]any{"category": "food"}, true))
	assert.NotEqual(t, base, QueryHash("ws1", "tacos", map[string]any{"category": "drinks"}, true))
	assert.NotEqual(t, base, QueryHash("ws1", "tacos", map[string]any{"category": "food"}, false))
	assert.Equal(t, base, QueryHash("ws1", "tacos", map[string]any{"category": "food"}, true))
}

func TestBuildConditionsPriceGrammar(t *testing.T) {
	cases := []struct {
		in      any
		sql     string
		isFalse bool
	}{
		{in: "100-500", sql: "BETWEEN"},
		{in: ">=250", sql: ">="},
		{in: "<100", sql: "<"},
		{in: "300", sql: "= ?"},
		{in: "abc-def", isFalse: true},
		{in: "barato", isFalse: true},
	}
	for _, tc := range cases {
		conds := BuildConditions(map[string]any{"price": tc.in})
		require.Len(t, conds, 1)
		if tc.isFalse {
			// Rango malformado: predicado siempre falso, nunca error.
			assert.Equal(t, alwaysFalse.SQL, conds[0].SQL, "entrada %v", tc.in)
		} else {
			assert.Contains(t, conds[0].SQL, tc.sql, "entrada %v", tc.in)
		}
	}
}

func TestNormalizeFiltersAliases(t *testing.T) {
	out := NormalizeFilters(map[string]any{"Categoria": "comida", "zone": "palermo"})
	assert.Equal(t, "comida", out["category"])
	assert.Equal(t, "palermo", out["city"])
}

func TestSearchEmptyQueryReturnsEmpty(t *testing.T) {
	svc := NewService(&fakeRepo{}, &fakeEmbedder{}, nil, testConfig())

	resp, err := svc.Search(context.Background(), Request{WorkspaceID: "ws1", Query: "   "})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestSearchRejectsOverlongQuery(t *testing.T) {
	svc := NewService(&fakeRepo{}, &fakeEmbedder{}, nil, testConfig())

	long := make([]byte, 600)
	for i := range long {
		long[i] = 'q'
	}
	_, err := svc.Search(context.Background(), Request{WorkspaceID: "ws1", Query: string(long)})
	require.Error(t, err)
	var tooLarge pkgError.PayloadTooLargeError
	assert.ErrorAs(t, err, &tooLarge)
}

func TestHybridDegradesToLexicalOnEmbeddingOutage(t *testing.T) {
	repo := &fakeRepo{
		lexical: []Candidate{
			{ChunkID: "l1", DocumentID: "d1", Text: "pizza margarita", Score: 0.9},
			{ChunkID: "l2", DocumentID: "d2", Text: "pizza napolitana", Score: 0.8},
		},
	}
	svc := NewService(repo, &fakeEmbedder{fail: true}, nil, testConfig())

	resp, err := svc.Search(context.Background(), Request{
		WorkspaceID: "ws1", Query: "pizza", TopK: 5, Hybrid: true,
	})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, "lexical", resp.SearchType)
	assert.Len(t, resp.Results, 2)
}

func TestNativePaginationKeysetRoundTrip(t *testing.T) {
	repo := &fakeRepo{}
	for i := 0; i < 7; i++ {
		repo.lexical = append(repo.lexical, Candidate{
			ChunkID:    fmt.Sprintf("c%d", i),
			DocumentID: "d1",
			Text:       fmt.Sprintf("resultado %d", i),
			Score:      1.0 - float64(i)*0.1,
		})
	}
	svc := NewService(repo, &fakeEmbedder{}, nil, testConfig())

	first, err := svc.Search(context.Background(), Request{WorkspaceID: "ws1", Query: "resultado", TopK: 3})
	require.NoError(t, err)
	require.Len(t, first.Results, 3)
	require.NotEmpty(t, first.NextCursor)

	second, err := svc.Search(context.Background(), Request{
		WorkspaceID: "ws1", Query: "resultado", TopK: 3, Cursor: first.NextCursor,
	})
	require.NoError(t, err)
	require.Len(t, second.Results, 3)
	// Sin solapamiento entre paginas.
	assert.Equal(t, "c3", second.Results[0].ChunkID)
}

func TestCursorRejectedForDifferentQuery(t *testing.T) {
	repo := &fakeRepo{}
	for i := 0; i < 5; i++ {
		repo.lexical = append(repo.lexical, Candidate{
			ChunkID: fmt.Sprintf("c%d", i), DocumentID: "d1",
			Text: "algo", Score: 1.0 - float64(i)*0.1,
		})
	}
	svc := NewService(repo, &fakeEmbedder{}, nil, testConfig())

	first, err := svc.Search(context.Background(), Request{WorkspaceID: "ws1", Query: "algo", TopK: 2})
	require.NoError(t, err)
	require.NotEmpty(t, first.NextCursor)

	// Mismo cursor, otra consulta: 400.
	_, err = svc.Search(context.Background(), Request{
		WorkspaceID: "ws1", Query: "otra cosa", TopK: 2, Cursor: first.NextCursor,
	})
	require.Error(t, err)
	var bad pkgError.BadRequestError
	assert.ErrorAs(t, err, &bad)
}

func TestHybridPaginationByIndex(t *testing.T) {
	repo := &fakeRepo{}
	for i := 0; i < 10; i++ {
		repo.lexical = append(repo.lexical, Candidate{
			ChunkID:    fmt.Sprintf("c%d", i),
			DocumentID: fmt.Sprintf("d%d", i),
			Text:       fmt.Sprintf("texto distinto numero %d", i),
			Score:      1.0 - float64(i)*0.05,
		})
	}
	svc := NewService(repo, &fakeEmbedder{}, nil, testConfig())

	first, err := svc.Search(context.Background(), Request{
		WorkspaceID: "ws1", Query: "texto", TopK: 4, Hybrid: true,
	})
	require.NoError(t, err)
	require.Len(t, first.Results, 4)
	require.NotEmpty(t, first.NextCursor)
	assert.Equal(t, PaginationHybrid, first.PaginationMode)

	second, err := svc.Search(context.Background(), Request{
		WorkspaceID: "ws1", Query: "texto", TopK: 4, Hybrid: true, Cursor: first.NextCursor,
	})
	require.NoError(t, err)
	require.NotEmpty(t, second.Results)

	seen := map[string]bool{}
	for _, r := range first.Results {
		seen[r.ChunkID] = true
	}
	for _, r := range second.Results {
		assert.False(t, seen[r.ChunkID], "chunk repetido entre paginas: %s", r.ChunkID)
	}
}
