package assemble

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/siherrmann/retriever/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rerankedCandidate(docID uuid.UUID, index int, filePath string, content string, score float64) *model.RerankedCandidate {
	candidate := &model.RerankedCandidate{
		FusedCandidate: model.FusedCandidate{
			CandidateRow: model.CandidateRow{
				DocumentID:   docID,
				ChunkIndex:   index,
				FilePath:     filePath,
				Content:      content,
				IngestRunID:  "run-1",
				ChunkVariant: "v1",
			},
			HybridScore: score,
		},
		FinalScore: score,
		Method:     model.RerankCrossEncoderHybrid,
	}
	candidate.EnsureChunkID()
	return candidate
}

func TestCapPerSource(t *testing.T) {
	docID := uuid.New()
	candidates := []*model.RerankedCandidate{
		rerankedCandidate(docID, 0, "big.md", "a", 0.9),
		rerankedCandidate(docID, 1, "big.md", "b", 0.8),
		rerankedCandidate(docID, 2, "other.md", "c", 0.7),
		rerankedCandidate(docID, 3, "big.md", "d", 0.6),
		rerankedCandidate(docID, 4, "other.md", "e", 0.5),
	}

	t.Run("No source exceeds the cap", func(t *testing.T) {
		capped := CapPerSource(candidates, 2)
		counts := map[string]int{}
		for _, candidate := range capped {
			counts[candidate.FilePath]++
		}
		for filePath, count := range counts {
			assert.LessOrEqual(t, count, 2, "Expected at most two candidates from %s", filePath)
		}
	})

	t.Run("Relative order is preserved", func(t *testing.T) {
		capped := CapPerSource(candidates, 2)
		require.Len(t, capped, 4, "Expected the third big.md candidate dropped")
		indexes := []int{}
		for _, candidate := range capped {
			indexes = append(indexes, candidate.ChunkIndex)
		}
		assert.Equal(t, []int{0, 1, 2, 4}, indexes, "Expected surviving candidates in input order")
	})

	t.Run("Cap zero disables capping", func(t *testing.T) {
		capped := CapPerSource(candidates, 0)
		assert.Len(t, capped, len(candidates), "Expected all candidates kept without a cap")
	})
}

func TestDropNearDuplicates(t *testing.T) {
	docID := uuid.New()

	t.Run("Near-duplicate content is dropped", func(t *testing.T) {
		candidates := []*model.RerankedCandidate{
			rerankedCandidate(docID, 0, "a.md", "the pool size defaults to ten connections", 0.9),
			rerankedCandidate(docID, 1, "b.md", "the pool size defaults to ten connections", 0.8),
			rerankedCandidate(docID, 2, "c.md", "timeouts are thirty seconds", 0.7),
		}
		kept := DropNearDuplicates(candidates, 0.9)
		require.Len(t, kept, 2, "Expected the duplicate dropped")
		assert.Equal(t, 0, kept[0].ChunkIndex, "Expected the earlier candidate kept")
		assert.Equal(t, 2, kept[1].ChunkIndex)
	})

	t.Run("Threshold zero disables the filter", func(t *testing.T) {
		candidates := []*model.RerankedCandidate{
			rerankedCandidate(docID, 0, "a.md", "same text", 0.9),
			rerankedCandidate(docID, 1, "b.md", "same text", 0.8),
		}
		kept := DropNearDuplicates(candidates, 0)
		assert.Len(t, kept, 2, "Expected filter disabled at threshold zero")
	})
}

func TestAssemblerAssemble(t *testing.T) {
	docID := uuid.New()

	t.Run("Packs whole candidates under the budget", func(t *testing.T) {
		candidates := []*model.RerankedCandidate{
			rerankedCandidate(docID, 0, "a.md", strings.Repeat("alpha ", 20), 0.9),
			rerankedCandidate(docID, 1, "b.md", strings.Repeat("beta ", 20), 0.8),
			rerankedCandidate(docID, 2, "c.md", strings.Repeat("gamma ", 20), 0.7),
		}
		// Each candidate is 30 heuristic tokens, a budget of 70 fits two.
		assembler := NewAssembler(HeuristicCounter{}, 70, false, nil)
		assembled := assembler.Assemble("query", "rag_qa_single", candidates)

		require.Len(t, assembled.Passages, 2, "Expected exactly the candidates that fit whole")
		assert.True(t, assembled.Truncated, "Expected truncation flagged, not an error")
		assert.LessOrEqual(t, assembled.TokensUsed, 70, "Expected token usage within budget")
		assert.NotContains(t, assembled.Text, "gamma", "Expected the dropped candidate absent from the context")
	})

	t.Run("Candidates are never split mid-span", func(t *testing.T) {
		candidates := []*model.RerankedCandidate{
			rerankedCandidate(docID, 0, "a.md", strings.Repeat("alpha ", 20), 0.9),
		}
		assembler := NewAssembler(HeuristicCounter{}, 10, false, nil)
		assembled := assembler.Assemble("query", "rag_qa_single", candidates)

		assert.Empty(t, assembled.Passages, "Expected an oversized candidate excluded whole")
		assert.Empty(t, assembled.Text)
		assert.True(t, assembled.Truncated)
	})

	t.Run("Passage spans point into the context text", func(t *testing.T) {
		candidates := []*model.RerankedCandidate{
			rerankedCandidate(docID, 0, "a.md", "first passage", 0.9),
			rerankedCandidate(docID, 1, "b.md", "second passage", 0.8),
		}
		assembler := NewAssembler(HeuristicCounter{}, 0, false, nil)
		assembled := assembler.Assemble("query", "rag_qa_single", candidates)

		require.Len(t, assembled.Passages, 2)
		for _, passage := range assembled.Passages {
			assert.Equal(t, passage.Candidate.Content,
				assembled.Text[passage.ContextPos:passage.ContextEnd],
				"Expected span boundaries to slice the passage content")
		}
	})

	t.Run("Budget zero packs everything", func(t *testing.T) {
		candidates := []*model.RerankedCandidate{
			rerankedCandidate(docID, 0, "a.md", "first", 0.9),
			rerankedCandidate(docID, 1, "b.md", "second", 0.8),
		}
		assembler := NewAssembler(HeuristicCounter{}, 0, false, nil)
		assembled := assembler.Assemble("query", "rag_qa_single", candidates)
		assert.Len(t, assembled.Passages, 2)
		assert.False(t, assembled.Truncated, "Expected no truncation without a budget")
	})

	t.Run("Rerank method is surfaced on the result", func(t *testing.T) {
		candidates := []*model.RerankedCandidate{
			rerankedCandidate(docID, 0, "a.md", "first", 0.9),
		}
		candidates[0].Method = model.RerankHeuristic
		assembler := NewAssembler(HeuristicCounter{}, 0, false, nil)
		assembled := assembler.Assemble("query", "rag_qa_single", candidates)
		assert.Equal(t, model.RerankHeuristic, assembled.RerankMethod, "Expected degraded operation observable on the context")
	})

	t.Run("Compaction shrinks the counted text", func(t *testing.T) {
		content := "line one\n\n\n\nline one\nline two    with   spaces"
		candidates := []*model.RerankedCandidate{
			rerankedCandidate(docID, 0, "a.md", content, 0.9),
		}
		compacting := NewAssembler(HeuristicCounter{}, 0, true, nil)
		plain := NewAssembler(HeuristicCounter{}, 0, false, nil)

		compactedResult := compacting.Assemble("query", "rag_qa_single", candidates)
		plainResult := plain.Assemble("query", "rag_qa_single", candidates)
		assert.Less(t, compactedResult.TokensUsed, plainResult.TokensUsed, "Expected compaction to reduce the token count")
	})
}

func TestCompactText(t *testing.T) {
	t.Run("Squeezes space runs", func(t *testing.T) {
		assert.Equal(t, "a b c", CompactText("a   b \t c"))
	})

	t.Run("Collapses blank line runs", func(t *testing.T) {
		assert.Equal(t, "a\n\nb", CompactText("a\n\n\n\n\nb"))
	})

	t.Run("Drops consecutive repeated lines", func(t *testing.T) {
		assert.Equal(t, "header\nbody", CompactText("header\nheader\nbody"))
	})

	t.Run("Keeps non-adjacent repeats", func(t *testing.T) {
		assert.Equal(t, "a\nb\na", CompactText("a\nb\na"))
	})
}

func TestTokenCounters(t *testing.T) {
	t.Run("Heuristic counter approximates length over four", func(t *testing.T) {
		counter := HeuristicCounter{}
		assert.Equal(t, 3, counter.Count("twelve chars"), "Expected ceil(12/4) tokens")
		assert.Equal(t, 0, counter.Count(""), "Expected zero tokens for empty text")
	})

	t.Run("Tiktoken counter counts BPE tokens", func(t *testing.T) {
		counter, err := NewTiktokenCounter("")
		if err != nil {
			t.Skipf("encoding unavailable: %v", err)
		}
		count := counter.Count("hello world")
		assert.Greater(t, count, 0, "Expected a positive token count")
		assert.LessOrEqual(t, count, 4, "Expected a short phrase to use few tokens")
	})
}
