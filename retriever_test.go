package retriever

import (
	"context"
	"fmt"
	"log"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/siherrmann/retriever/core/assemble"
	"github.com/siherrmann/retriever/core/pipeline"
	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

var dbPort string

func TestMain(m *testing.M) {
	var teardown func(ctx context.Context, opts ...testcontainers.TerminateOption) error
	var err error
	teardown, dbPort, err = helper.MustStartPostgresContainer()
	if err != nil {
		log.Fatalf("error starting postgres container: %v", err)
	}

	m.Run()

	if teardown != nil && teardown(context.Background()) != nil {
		log.Fatalf("error tearing down postgres container: %v", err)
	}
}

// testEmbedder creates a simple deterministic embedder for testing. Texts
// sharing a keyword land close together.
func testEmbedder(dimension int) pipeline.EmbedFunc {
	return func(text string) ([]float32, error) {
		embedding := make([]float32, dimension)
		for _, token := range strings.Fields(strings.ToLower(text)) {
			for i, r := range token {
				embedding[(i*31+int(r))%dimension] += 1.0
			}
		}
		return embedding, nil
	}
}

func initRetriever(t *testing.T, config *model.RetrievalConfig, opts ...Option) *Retriever {
	helper.SetTestDatabaseConfigEnvs(t, dbPort)
	dbConfig, err := helper.NewDatabaseConfiguration()
	require.NoError(t, err, "failed to create database configuration")

	opts = append([]Option{WithEmbedder(testEmbedder(64)), WithEmbeddingDim(64)}, opts...)
	r, err := NewRetriever(dbConfig, config, opts...)
	require.NoError(t, err, "failed to create retriever")
	require.NotNil(t, r, "expected retriever to be non-nil")

	_, err = r.DB.Instance.Exec(`TRUNCATE candidates;`)
	require.NoError(t, err, "failed to truncate candidates")

	t.Cleanup(func() {
		r.Close()
	})

	return r
}

func seedChunk(t *testing.T, r *Retriever, docID uuid.UUID, index int, filePath string, section string, content string) {
	err := r.IngestChunk(context.Background(), &model.CandidateRow{
		DocumentID:   docID,
		ChunkIndex:   index,
		FilePath:     filePath,
		Content:      content,
		EndOffset:    len(content),
		SectionTitle: section,
		IngestRunID:  "run-2026-01",
		ChunkVariant: "v1",
	})
	require.NoError(t, err, "Expected IngestChunk to not return an error")
}

func TestNewRetriever(t *testing.T) {
	helper.SetTestDatabaseConfigEnvs(t, dbPort)
	dbConfig, err := helper.NewDatabaseConfiguration()
	require.NoError(t, err)

	t.Run("Valid call NewRetriever", func(t *testing.T) {
		r, err := NewRetriever(dbConfig, nil, WithEmbedder(testEmbedder(64)), WithEmbeddingDim(64))
		require.NoError(t, err, "Expected NewRetriever to not return an error")
		require.NotNil(t, r, "Expected NewRetriever to return a non-nil instance")
		assert.NotNil(t, r.DB, "Expected retriever to have a database instance")
		assert.NotNil(t, r.Candidates, "Expected retriever to have a candidates handler")
		assert.NotNil(t, r.Engine, "Expected retriever to have a retrieval engine")

		err = r.Close()
		assert.NoError(t, err, "Expected Close to not return an error")
	})

	t.Run("Invalid config is rejected", func(t *testing.T) {
		broken := model.DefaultRetrievalConfig()
		broken.Fusion = "borda"
		_, err := NewRetriever(dbConfig, broken, WithEmbedder(testEmbedder(64)), WithEmbeddingDim(64))
		assert.Error(t, err, "Expected invalid fusion method to be rejected")
	})

	t.Run("Retriever with nil database handles Close gracefully", func(t *testing.T) {
		r := &Retriever{}
		assert.NoError(t, r.Close(), "Expected Close on empty retriever to not return an error")
	})
}

func TestRetrieverRetrieve(t *testing.T) {
	config := model.DefaultRetrievalConfig()
	config.UseCrossEncoder = false // MMR path, no model downloads in tests
	config.NamespaceTokens = []string{"billing"}
	r := initRetriever(t, config)

	docID := uuid.New()
	seedChunk(t, r, docID, 0, "docs/setup/pgvector.md", "Extension setup",
		"Install the pgvector extension and create the vector column before loading embeddings.")
	seedChunk(t, r, docID, 1, "docs/setup/indexes.md", "Index tuning",
		"The hnsw index trades build time for query speed, ivfflat needs list tuning.")
	seedChunk(t, r, docID, 2, "services/billing/invoice.go", "Totals",
		"Invoice totals are recalculated nightly by the billing job.")

	t.Run("Retrieve returns assembled context", func(t *testing.T) {
		assembled, err := r.Retrieve(context.Background(), "pgvector extension setup", "rag_qa_single")
		assert.NoError(t, err, "Expected Retrieve to not return an error")
		require.NotNil(t, assembled, "Expected a non-nil assembled context")
		require.NotEmpty(t, assembled.Passages, "Expected at least one passage")

		assert.Contains(t, assembled.Text, "pgvector", "Expected the matching chunk in the context")
		assert.Equal(t, "rag_qa_single", assembled.Tag)
		assert.Equal(t, model.RerankDisabled, assembled.RerankMethod, "Expected the MMR method tag")
	})

	t.Run("Unknown tag fails closed", func(t *testing.T) {
		_, err := r.Retrieve(context.Background(), "pgvector extension setup", "nonexistent_tag")
		assert.Error(t, err, "Expected unknown tag to be a hard error")
		assert.ErrorIs(t, err, model.ErrUnknownTag, "Expected the unknown tag sentinel")
	})

	t.Run("Provenance survives the full pipeline", func(t *testing.T) {
		assembled, err := r.Retrieve(context.Background(), "pgvector extension setup", "rag_qa_single")
		require.NoError(t, err)
		for _, passage := range assembled.Passages {
			assert.Equal(t, "run-2026-01", passage.Candidate.IngestRunID, "Expected ingest run id intact")
			assert.Equal(t, "v1", passage.Candidate.ChunkVariant, "Expected chunk variant intact")
			assert.Equal(t, model.DeriveChunkID(passage.Candidate.Key()), passage.Candidate.ChunkID,
				"Expected stable chunk identity end to end")
		}
	})

	t.Run("Namespace query pulls namespace content", func(t *testing.T) {
		assembled, err := r.Retrieve(context.Background(), "billing invoice totals", "rag_qa_single")
		require.NoError(t, err)
		require.NotEmpty(t, assembled.Passages)
		assert.Contains(t, assembled.SourceFiles(), "services/billing/invoice.go",
			"Expected the namespace chunk in the result")
	})
}

func TestRetrieverCrossEncoderPath(t *testing.T) {
	config := model.DefaultRetrievalConfig()
	config.NamespaceTokens = nil

	scorer := func(pairs []string) ([]float64, error) {
		scores := make([]float64, len(pairs))
		for i, pair := range pairs {
			if strings.Contains(strings.ToLower(pair), "pgvector") {
				scores[i] = 1.0
			}
		}
		return scores, nil
	}
	r := initRetriever(t, config, WithCrossScorer(scorer))

	docID := uuid.New()
	seedChunk(t, r, docID, 0, "docs/a.md", "Setup", "Install the pgvector extension first.")
	seedChunk(t, r, docID, 1, "docs/b.md", "Other", "Unrelated operational notes.")

	t.Run("Cross encoder method is surfaced", func(t *testing.T) {
		assembled, err := r.Retrieve(context.Background(), "pgvector setup", "rag_qa_single")
		require.NoError(t, err)
		require.NotEmpty(t, assembled.Passages)
		assert.Equal(t, model.RerankCrossEncoderHybrid, assembled.RerankMethod, "Expected the neural method tag")
	})

	t.Run("Failing scorer degrades observably", func(t *testing.T) {
		failing := initRetriever(t, config, WithCrossScorer(func(pairs []string) ([]float64, error) {
			return nil, fmt.Errorf("scorer offline")
		}))
		seedChunk(t, failing, docID, 0, "docs/a.md", "Setup", "Install the pgvector extension first.")

		assembled, err := failing.Retrieve(context.Background(), "pgvector setup", "rag_qa_single")
		require.NoError(t, err, "Expected degraded reranking to still return a result")
		require.NotEmpty(t, assembled.Passages)
		assert.Equal(t, model.RerankHeuristic, assembled.RerankMethod, "Expected the heuristic fallback tag")
	})
}

func TestRetrieverAnswer(t *testing.T) {
	config := model.DefaultRetrievalConfig()
	config.UseCrossEncoder = false
	config.Abstention.AbstainValue = "NO_ANSWER"
	r := initRetriever(t, config)

	docID := uuid.New()
	seedChunk(t, r, docID, 0, "docs/limits.md", "Timeouts",
		"The default timeout is thirty seconds for every channel query.")

	t.Run("Rule span answers from context", func(t *testing.T) {
		assembled, answer, err := r.Answer(context.Background(), "what is the default timeout", "rag_qa_single")
		require.NoError(t, err, "Expected Answer to not return an error")
		require.NotNil(t, assembled)

		assert.Equal(t, assemble.StateAnsweredRule, answer.State, "Expected deterministic span extraction")
		assert.True(t, assembled.ContainsFold(answer.Value), "Expected the answer to be a context substring")
	})

	t.Run("Unrelated query abstains", func(t *testing.T) {
		_, answer, err := r.Answer(context.Background(), "kubernetes ingress annotations", "rag_qa_single")
		require.NoError(t, err)
		assert.Equal(t, assemble.StateAbstained, answer.State, "Expected abstention on unrelated context")
		assert.Equal(t, "NO_ANSWER", answer.Value, "Expected the configured abstention value")
	})
}

func TestRetrieverWritePath(t *testing.T) {
	config := model.DefaultRetrievalConfig()
	config.UseCrossEncoder = false
	r := initRetriever(t, config)

	docID := uuid.New()
	seedChunk(t, r, docID, 0, "docs/a.md", "One", "first chunk")
	seedChunk(t, r, docID, 1, "docs/a.md", "Two", "second chunk")

	t.Run("DeleteDocumentChunks removes all chunks", func(t *testing.T) {
		deleted, err := r.DeleteDocumentChunks(context.Background(), docID)
		assert.NoError(t, err, "Expected DeleteDocumentChunks to not return an error")
		assert.Equal(t, 2, deleted, "Expected both chunks deleted")
	})

	t.Run("ChangeIndexType switches index variants", func(t *testing.T) {
		err := r.ChangeIndexType(context.Background(), "ivfflat", map[string]interface{}{"lists": 10})
		assert.NoError(t, err, "Expected switch to ivfflat to not return an error")
		err = r.ChangeIndexType(context.Background(), "hnsw", nil)
		assert.NoError(t, err, "Expected switch back to hnsw to not return an error")
	})
}
