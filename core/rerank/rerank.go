// Package rerank reorders fused candidates. The cross-encoder path blends a
// neural pair score with the fused score; on failure it degrades to a lexical
// heuristic and finally to the input order, each tier tagged with its own
// method so degraded operation is always observable.
package rerank

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/siherrmann/retriever/model"
)

// ScoreFunc scores query/passage pairs with a neural cross-encoder, one score
// per pair in input order.
type ScoreFunc func(pairs []string) ([]float64, error)

// CrossEncoderReranker reorders candidates with a neural scorer blended with
// the fused first-stage score.
type CrossEncoderReranker struct {
	score     ScoreFunc
	alpha     float64
	batchSize int
	logger    *slog.Logger
}

// NewCrossEncoderReranker creates a reranker. alpha is the neural share of
// the blended score, batchSize bounds one scorer call.
func NewCrossEncoderReranker(score ScoreFunc, alpha float64, batchSize int, logger *slog.Logger) *CrossEncoderReranker {
	if batchSize <= 0 {
		batchSize = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CrossEncoderReranker{
		score:     score,
		alpha:     alpha,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Rerank scores the top limits.RerankerInputTopK candidates against query,
// blends hybrid = alpha*neural + (1-alpha)*fused, keeps limits.RerankerKeep
// and appends the candidates beyond the rerank cut untouched with zero rerank
// contribution. Blending the first-stage score back in is required, a pure
// neural ordering would resurface passages the first stage already
// disqualified.
//
// Rerank never fails the call. The fallback chain neural -> heuristic ->
// input order is reported through the Method tag on every result.
func (r *CrossEncoderReranker) Rerank(ctx context.Context, query string, candidates []*model.FusedCandidate, limits model.RetrievalLimits) []*model.RerankedCandidate {
	head, tail := splitAtRerankCut(candidates, limits.RerankerInputTopK)

	scores, err := r.scoreBatched(ctx, query, head)
	if err == nil {
		return assemble(head, tail, scores, r.alpha, limits.RerankerKeep, model.RerankCrossEncoderHybrid)
	}
	r.logger.Warn("Neural reranker failed, falling back to heuristic", "err", err)

	scores, err = heuristicScores(query, head)
	if err == nil {
		return assemble(head, tail, scores, r.alpha, limits.RerankerKeep, model.RerankHeuristic)
	}
	r.logger.Warn("Heuristic reranker failed, keeping fused order", "err", err)

	return passthrough(candidates, model.RerankFallbackError)
}

// scoreBatched runs the neural scorer over the head in bounded batches,
// checking for cancellation between batches since scoring is the most
// expensive step of a retrieval call.
func (r *CrossEncoderReranker) scoreBatched(ctx context.Context, query string, head []*model.FusedCandidate) ([]float64, error) {
	if r.score == nil {
		return nil, fmt.Errorf("no neural scorer configured")
	}

	scores := make([]float64, 0, len(head))
	for start := 0; start < len(head); start += r.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := start + r.batchSize
		if end > len(head) {
			end = len(head)
		}

		pairs := make([]string, 0, end-start)
		for _, candidate := range head[start:end] {
			pairs = append(pairs, query+" [SEP] "+candidate.Content)
		}

		batchScores, err := r.score(pairs)
		if err != nil {
			return nil, err
		}
		if len(batchScores) != len(pairs) {
			return nil, fmt.Errorf("scorer returned %d scores for %d pairs", len(batchScores), len(pairs))
		}
		scores = append(scores, batchScores...)
	}
	return scores, nil
}

// HeuristicReranker reorders candidates by lexical token overlap with the
// query. Used directly in tests and as the middle tier of the fallback chain.
type HeuristicReranker struct {
	alpha float64
}

// NewHeuristicReranker creates a heuristic lexical reranker.
func NewHeuristicReranker(alpha float64) *HeuristicReranker {
	return &HeuristicReranker{alpha: alpha}
}

// Rerank blends the token-overlap score with the fused score.
func (r *HeuristicReranker) Rerank(ctx context.Context, query string, candidates []*model.FusedCandidate, limits model.RetrievalLimits) []*model.RerankedCandidate {
	head, tail := splitAtRerankCut(candidates, limits.RerankerInputTopK)

	scores, err := heuristicScores(query, head)
	if err != nil {
		return passthrough(candidates, model.RerankFallbackError)
	}
	return assemble(head, tail, scores, r.alpha, limits.RerankerKeep, model.RerankHeuristic)
}

// heuristicScores computes the share of query tokens present in each
// candidate's content.
func heuristicScores(query string, head []*model.FusedCandidate) ([]float64, error) {
	queryTokens := tokenSet(query)
	if len(queryTokens) == 0 {
		return nil, fmt.Errorf("no scoreable tokens in query")
	}

	scores := make([]float64, len(head))
	for i, candidate := range head {
		contentTokens := tokenSet(candidate.Content)
		overlap := 0
		for token := range queryTokens {
			if contentTokens[token] {
				overlap++
			}
		}
		scores[i] = float64(overlap) / float64(len(queryTokens))
	}
	return scores, nil
}

// splitAtRerankCut separates the candidates that get rerank scores from the
// untouched tail.
func splitAtRerankCut(candidates []*model.FusedCandidate, inputTopK int) ([]*model.FusedCandidate, []*model.FusedCandidate) {
	if inputTopK <= 0 || inputTopK >= len(candidates) {
		return candidates, nil
	}
	return candidates[:inputTopK], candidates[inputTopK:]
}

// assemble blends scores, sorts the head, trims it to keep and appends the
// tail with zero rerank contribution. Chunk identities pass through
// untouched.
func assemble(head []*model.FusedCandidate, tail []*model.FusedCandidate, scores []float64, alpha float64, keep int, method model.RerankMethod) []*model.RerankedCandidate {
	reranked := make([]*model.RerankedCandidate, len(head))
	for i, candidate := range head {
		crossScore := 0.0
		if method == model.RerankCrossEncoderHybrid {
			crossScore = scores[i]
		}
		hybrid := alpha*scores[i] + (1-alpha)*candidate.HybridScore
		reranked[i] = &model.RerankedCandidate{
			FusedCandidate: *candidate,
			RerankScore:    scores[i],
			CrossScore:     crossScore,
			FinalScore:     hybrid,
			Method:         method,
		}
	}

	sort.SliceStable(reranked, func(i, j int) bool {
		if reranked[i].FinalScore != reranked[j].FinalScore {
			return reranked[i].FinalScore > reranked[j].FinalScore
		}
		return reranked[i].ChunkID.String() < reranked[j].ChunkID.String()
	})

	if keep > 0 && len(reranked) > keep {
		reranked = reranked[:keep]
	}

	for _, candidate := range tail {
		reranked = append(reranked, &model.RerankedCandidate{
			FusedCandidate: *candidate,
			FinalScore:     candidate.HybridScore,
			Method:         method,
		})
	}

	return reranked
}

// passthrough returns the input order unchanged, tagged with the given
// method. Explicitly distinguishable from a successful rerank that happens to
// keep the order.
func passthrough(candidates []*model.FusedCandidate, method model.RerankMethod) []*model.RerankedCandidate {
	reranked := make([]*model.RerankedCandidate, len(candidates))
	for i, candidate := range candidates {
		reranked[i] = &model.RerankedCandidate{
			FusedCandidate: *candidate,
			FinalScore:     candidate.HybridScore,
			Method:         method,
		}
	}
	return reranked
}

// tokenSet lowercases and splits text into a set of tokens.
func tokenSet(text string) map[string]bool {
	tokens := map[string]bool{}
	for _, field := range strings.Fields(strings.ToLower(text)) {
		token := strings.Trim(field, `.,;:!?"'()[]{}<>`)
		if token != "" {
			tokens[token] = true
		}
	}
	return tokens
}
