package main

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/siherrmann/retriever"
	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/model"
)

var sampleChunks = []struct {
	filePath string
	section  string
	content  string
}{
	{
		filePath: "docs/setup/pgvector.md",
		section:  "Extension setup",
		content:  "Install the pgvector extension and create the embedding column before loading any vectors.",
	},
	{
		filePath: "docs/setup/indexes.md",
		section:  "Index tuning",
		content:  "The hnsw index trades build time for query speed, while ivfflat needs its list count tuned to the data size.",
	},
	{
		filePath: "docs/operations/timeouts.md",
		section:  "Timeouts",
		content:  "The default query timeout is thirty seconds and applies to every retrieval channel.",
	},
}

func main() {
	// Start a test PostgreSQL container
	teardown, dbPort, err := helper.MustStartPostgresContainer()
	if err != nil {
		log.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer teardown(context.Background())

	// Create database configuration using the container port
	dbConfig := &helper.DatabaseConfiguration{
		Host:     "localhost",
		Port:     dbPort,
		Database: "database",
		Username: "user",
		Password: "password",
		Schema:   "public",
		SSLMode:  "disable",
	}

	// The default configuration uses the cross encoder; the MMR fallback keeps
	// the example runnable without downloading a reranking model.
	config := model.DefaultRetrievalConfig()
	config.UseCrossEncoder = false

	r, err := retriever.NewRetriever(dbConfig, config)
	if err != nil {
		log.Fatalf("Failed to create retriever: %v", err)
	}
	defer r.Close()

	// Ingest a few chunks of one document
	fmt.Println("Ingesting chunks...")
	docID := uuid.New()
	for i, chunk := range sampleChunks {
		err := r.IngestChunk(context.Background(), &model.CandidateRow{
			DocumentID:   docID,
			ChunkIndex:   i,
			FilePath:     chunk.filePath,
			Content:      chunk.content,
			EndOffset:    len(chunk.content),
			SectionTitle: chunk.section,
			IngestRunID:  "example-run",
			ChunkVariant: "v1",
		})
		if err != nil {
			log.Fatalf("Failed to ingest chunk: %v", err)
		}
	}
	fmt.Printf("Inserted %d chunks for document %s\n", len(sampleChunks), docID)

	// Retrieve an assembled context for a query
	queryText := "what is the default query timeout"
	fmt.Printf("\nQuerying: %s\n", queryText)

	assembled, answer, err := r.Answer(context.Background(), queryText, "rag_qa_single")
	if err != nil {
		log.Fatalf("Failed to answer: %v", err)
	}

	fmt.Printf("\nContext (%d tokens, rerank method %s):\n", assembled.TokensUsed, assembled.RerankMethod)
	for i, passage := range assembled.Passages {
		fmt.Printf("\n--- Passage %d ---\n", i+1)
		fmt.Printf("Score: %.4f\n", passage.Candidate.FinalScore)
		fmt.Printf("File: %s\n", passage.Candidate.FilePath)
		fmt.Printf("Content: %s\n", passage.Candidate.Content)
	}

	fmt.Printf("\nAnswer (%s): %s\n", answer.State, answer.Value)
	fmt.Println("\nBasic example completed successfully!")
}
