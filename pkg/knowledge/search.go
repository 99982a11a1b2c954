package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"
)

const (
	// rrfK is the smoothing constant for Reciprocal Rank Fusion.
	rrfK = 60
	// overFetchMultiplier fetches more results from each source for better fusion.
	overFetchMultiplier = 3
	defaultLimit        = 5
)

// Strategy decides how the dataset list constrains a search.
type Strategy string

const (
	// StrategyMust requires a hit to match every listed dataset.
	StrategyMust Strategy = "must"
	// StrategyShould requires a hit to match at least one listed dataset.
	StrategyShould Strategy = "should"
)

// SearchRequest is one retrieval query.
type SearchRequest struct {
	Collection string
	Datasets   []string
	Query      string
	Strategy   Strategy
	Limit      int
}

// Hit is a retrieved chunk with its fused relevance score.
type Hit struct {
	ID      int64
	Dataset string
	Source  string
	Content string
	Payload map[string]any
	Score   float64
}

// Searcher runs retrieval queries.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]Hit, error)
}

// Index is the hybrid Searcher over a Store.
type Index struct {
	store    *Store
	embedder Embedder
}

func NewIndex(store *Store, embedder Embedder) *Index {
	return &Index{store: store, embedder: embedder}
}

// Search combines vector similarity with full-text ranking using RRF.
// It degrades to whichever source works when the other fails.
func (ix *Index) Search(ctx context.Context, req SearchRequest) ([]Hit, error) {
	if req.Collection == "" {
		return nil, fmt.Errorf("search: collection is required")
	}
	if req.Strategy == "" {
		req.Strategy = StrategyMust
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	fetchLimit := limit * overFetchMultiplier

	var vectorResults, keywordResults []ranked
	var vectorErr, keywordErr error

	var g errgroup.Group
	g.Go(func() error {
		q, err := ix.embedder.EmbedQuery(ctx, req.Query)
		if err != nil {
			vectorErr = fmt.Errorf("embed query: %w", err)
			return nil
		}
		vectorResults, vectorErr = ix.store.vectorSearch(ctx, req, q, fetchLimit)
		return nil
	})
	g.Go(func() error {
		keywordResults, keywordErr = ix.store.keywordSearch(ctx, req, fetchLimit)
		return nil
	})
	g.Wait()

	if vectorErr != nil && keywordErr != nil {
		return nil, vectorErr
	}
	if vectorErr != nil {
		slog.Warn("vector search failed, using keyword-only", "error", vectorErr)
	}
	if keywordErr != nil {
		slog.Warn("keyword search failed, using vector-only", "error", keywordErr)
	}

	fused := reciprocalRankFusion([][]ranked{vectorResults, keywordResults}, rrfK)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	if len(fused) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(fused))
	for i, f := range fused {
		ids[i] = f.ID
	}
	byID, err := ix.store.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(fused))
	for _, f := range fused {
		h, ok := byID[f.ID]
		if !ok {
			continue
		}
		h.Score = f.Score
		hits = append(hits, h)
	}
	return hits, nil
}

type fusedResult struct {
	ID    int64
	Score float64
}

// reciprocalRankFusion merges ranked lists: score(d) = Σ 1/(k + rank_i(d)).
// Ties keep the order in which ids were first seen.
func reciprocalRankFusion(lists [][]ranked, k int) []fusedResult {
	scores := make(map[int64]float64)
	var order []int64
	for _, list := range lists {
		for rank, r := range list {
			if _, seen := scores[r.ID]; !seen {
				order = append(order, r.ID)
			}
			scores[r.ID] += 1.0 / (float64(k) + float64(rank+1))
		}
	}

	fused := make([]fusedResult, 0, len(order))
	for _, id := range order {
		fused = append(fused, fusedResult{ID: id, Score: scores[id]})
	}
	sort.SliceStable(fused, func(i, j int) bool {
		return fused[i].Score > fused[j].Score
	})
	return fused
}
