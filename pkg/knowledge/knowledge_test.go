package knowledge

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReciprocalRankFusion(t *testing.T) {
	vector := []ranked{{ID: 1}, {ID: 2}, {ID: 3}}
	keyword := []ranked{{ID: 3}, {ID: 1}}

	fused := reciprocalRankFusion([][]ranked{vector, keyword}, rrfK)
	require.Len(t, fused, 3)

	// 1: 1/61 + 1/62, 3: 1/63 + 1/61, 2: 1/62
	assert.Equal(t, int64(1), fused[0].ID)
	assert.Equal(t, int64(3), fused[1].ID)
	assert.Equal(t, int64(2), fused[2].ID)
	assert.InDelta(t, 1.0/61+1.0/62, fused[0].Score, 1e-12)
}

func TestReciprocalRankFusionEmpty(t *testing.T) {
	assert.Empty(t, reciprocalRankFusion([][]ranked{nil, nil}, rrfK))
}

func TestChunkDocument(t *testing.T) {
	long := strings.Repeat("word ", 240) // 1199 chars once trimmed
	text := "# Employee Handbook\n\nIntro paragraph.\n\n" + long + "\n\n" + long

	chunks := ChunkDocument("docs", "hr", "hr/handbook.md", text)
	require.Len(t, chunks, 3)

	assert.Equal(t, "Employee Handbook", chunks[0].Payload["title"])
	assert.Equal(t, 1, chunks[0].Payload["section"])
	assert.Equal(t, 3, chunks[2].Payload["total_sections"])
	assert.True(t, strings.HasPrefix(chunks[0].Content, "# Employee Handbook\n\nIntro paragraph."))
	assert.Equal(t, ContentHash(chunks[1].Content), chunks[1].ContentHash)
	assert.Equal(t, "hr", chunks[2].Dataset)
	assert.Equal(t, 2, chunks[2].Index)
}

func TestDocumentTitleFallsBackToFilename(t *testing.T) {
	assert.Equal(t, "policies", documentTitle("hr/policies.md", "no heading here"))
}

func TestDatasetClause(t *testing.T) {
	assert.Equal(t, "(cardinality($3::text[]) = 0 OR dataset = ALL($3::text[]))", datasetClause(StrategyMust, 3))
	assert.Contains(t, datasetClause(StrategyShould, 3), "ANY($3::text[])")
}

// TestIndexSearch runs against a live pgvector when KNOWLEDGE_TEST_PG_URL is set.
func TestIndexSearch(t *testing.T) {
	url := os.Getenv("KNOWLEDGE_TEST_PG_URL")
	if url == "" {
		t.Skip("KNOWLEDGE_TEST_PG_URL not set")
	}
	ctx := context.Background()
	store, err := NewStore(ctx, url)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Init(ctx))

	emb := constEmbedder{}
	chunks := ChunkDocument("test-"+t.Name(), "hr", "hr/leave.md", "# Leave\n\nAnnual leave is 25 days.")
	vecs, _ := emb.EmbedDocuments(ctx, []string{chunks[0].Content})
	require.NoError(t, store.UpsertBatch(ctx, chunks, vecs))

	hits, err := NewIndex(store, emb).Search(ctx, SearchRequest{
		Collection: "test-" + t.Name(),
		Datasets:   []string{"hr"},
		Query:      "annual leave",
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "Leave", hits[0].Payload["title"])
}

type constEmbedder struct{}

func (constEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = unitVector()
	}
	return out, nil
}

func (constEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return unitVector(), nil
}

func unitVector() []float32 {
	v := make([]float32, Dimensions)
	v[0] = 1
	return v
}
