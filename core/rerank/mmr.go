package rerank

import (
	"context"
	"sort"

	"github.com/siherrmann/retriever/model"
)

// MMRReranker greedily selects candidates maximizing relevance minus
// redundancy against the already-selected set, with a flat penalty per repeat
// selection from the same source file. Used when neural reranking is disabled
// for the call; results carry Method=disabled. Fully deterministic.
type MMRReranker struct {
	alpha          float64
	perFilePenalty float64
}

// NewMMRReranker creates a diversity reranker. alpha weighs relevance against
// redundancy.
func NewMMRReranker(alpha float64, perFilePenalty float64) *MMRReranker {
	return &MMRReranker{
		alpha:          alpha,
		perFilePenalty: perFilePenalty,
	}
}

// Rerank greedily selects up to limits.RerankerKeep candidates. Candidate
// similarity is token Jaccard over the content, relevance is the fused score.
func (r *MMRReranker) Rerank(ctx context.Context, query string, candidates []*model.FusedCandidate, limits model.RetrievalLimits) []*model.RerankedCandidate {
	keep := limits.RerankerKeep
	if keep <= 0 || keep > len(candidates) {
		keep = len(candidates)
	}

	remaining := make([]*model.FusedCandidate, len(candidates))
	copy(remaining, candidates)
	// Stable starting order so equal inputs always select identically.
	sort.SliceStable(remaining, func(i, j int) bool {
		if remaining[i].HybridScore != remaining[j].HybridScore {
			return remaining[i].HybridScore > remaining[j].HybridScore
		}
		return remaining[i].ChunkID.String() < remaining[j].ChunkID.String()
	})

	tokens := make([]map[string]bool, len(remaining))
	for i, candidate := range remaining {
		tokens[i] = tokenSet(candidate.Content)
	}

	selected := make([]*model.RerankedCandidate, 0, keep)
	selectedTokens := make([]map[string]bool, 0, keep)
	fileCounts := map[string]int{}
	used := make([]bool, len(remaining))

	for len(selected) < keep {
		bestIndex := -1
		bestScore := 0.0

		for i, candidate := range remaining {
			if used[i] {
				continue
			}

			maxSim := 0.0
			for _, prior := range selectedTokens {
				if sim := jaccard(tokens[i], prior); sim > maxSim {
					maxSim = sim
				}
			}

			score := r.alpha*candidate.HybridScore - (1-r.alpha)*maxSim
			score -= r.perFilePenalty * float64(fileCounts[candidate.FilePath])

			if bestIndex == -1 || score > bestScore {
				bestIndex = i
				bestScore = score
			}
		}

		if bestIndex == -1 {
			break
		}

		used[bestIndex] = true
		candidate := remaining[bestIndex]
		fileCounts[candidate.FilePath]++
		selectedTokens = append(selectedTokens, tokens[bestIndex])
		selected = append(selected, &model.RerankedCandidate{
			FusedCandidate: *candidate,
			RerankScore:    bestScore,
			FinalScore:     bestScore,
			Method:         model.RerankDisabled,
		})
	}

	return selected
}

// jaccard computes set overlap over union of two token sets.
func jaccard(a map[string]bool, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for token := range a {
		if b[token] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
