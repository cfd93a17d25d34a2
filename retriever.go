package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/siherrmann/retriever/core/assemble"
	"github.com/siherrmann/retriever/core/intent"
	"github.com/siherrmann/retriever/core/pipeline"
	"github.com/siherrmann/retriever/core/rerank"
	"github.com/siherrmann/retriever/core/retrieval"
	"github.com/siherrmann/retriever/database"
	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/model"
	loadSql "github.com/siherrmann/retriever/sql"
)

// Retriever provides a unified interface to the hybrid retrieval pipeline:
// intent extraction, channel retrieval, fusion, reranking, capping and
// context assembly.
type Retriever struct {
	DB         *helper.Database
	Candidates *database.CandidatesDBHandler
	Engine     *retrieval.Engine
	Config     *model.RetrievalConfig

	crossEncoder *rerank.CrossEncoderReranker
	mmr          *rerank.MMRReranker
	assembler    *assemble.Assembler
	gate         *assemble.SpanExtractor
	embedder     *pipeline.CachedEmbedder
	// Logging
	log *slog.Logger
}

// Option adjusts the retriever during construction.
type Option func(*options)

type options struct {
	embed        pipeline.EmbedFunc
	crossScore   rerank.ScoreFunc
	classifier   assemble.Classifier
	generator    assemble.Generator
	tokenCounter assemble.TokenCounter
	embeddingDim int
	cacheSize    int
}

// WithEmbedder injects the embedding function for the dense channel instead
// of loading the default model.
func WithEmbedder(embed pipeline.EmbedFunc) Option {
	return func(o *options) { o.embed = embed }
}

// WithCrossScorer injects the neural pair scorer for reranking.
func WithCrossScorer(score rerank.ScoreFunc) Option {
	return func(o *options) { o.crossScore = score }
}

// WithClassifier injects the answerable classifier for the abstention gate.
func WithClassifier(classifier assemble.Classifier) Option {
	return func(o *options) { o.classifier = classifier }
}

// WithGenerator injects the answer generator for the abstention gate.
func WithGenerator(generator assemble.Generator) Option {
	return func(o *options) { o.generator = generator }
}

// WithTokenCounter injects the token counter for budget accounting.
func WithTokenCounter(counter assemble.TokenCounter) Option {
	return func(o *options) { o.tokenCounter = counter }
}

// WithEmbeddingDim overrides the vector dimension of the candidate store.
func WithEmbeddingDim(dim int) Option {
	return func(o *options) { o.embeddingDim = dim }
}

// WithCacheSize bounds the embedding cache.
func WithCacheSize(size int) Option {
	return func(o *options) { o.cacheSize = size }
}

// NewRetriever creates a Retriever wired to a Postgres candidate store.
// config may be nil, the defaults then apply.
func NewRetriever(dbConfig *helper.DatabaseConfiguration, config *model.RetrievalConfig, opts ...Option) (*Retriever, error) {
	if config == nil {
		config = model.DefaultRetrievalConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, helper.NewError("validate retrieval config", err)
	}

	o := &options{
		embeddingDim: 384,
		cacheSize:    1024,
	}
	for _, opt := range opts {
		opt(o)
	}

	// Logger
	logOpts := helper.PrettyHandlerOptions{
		SlogOpts: slog.HandlerOptions{
			Level: slog.LevelInfo,
		},
	}
	logger := slog.New(helper.NewPrettyHandler(os.Stdout, logOpts))

	// Initialize database
	db := helper.NewDatabase("retriever", dbConfig, logger)
	err := loadSql.Init(db.Instance)
	if err != nil {
		return nil, helper.NewError("initialize database extensions", err)
	}

	candidates, err := database.NewCandidatesDBHandler(db, o.embeddingDim, false)
	if err != nil {
		return nil, helper.NewError("create candidates handler", err)
	}

	// Dense channel embedder, cached so repeated queries skip the model.
	embed := o.embed
	if embed == nil {
		embed, err = pipeline.DefaultEmbedder(config.EmbeddingModel)
		if err != nil {
			// The dense channel degrades to empty results, the other four
			// channels still serve.
			logger.Warn("No embedder available, dense channel disabled", "err", err)
			embed = nil
		}
	}

	var cached *pipeline.CachedEmbedder
	var engineEmbed retrieval.EmbedFunc
	if embed != nil {
		cached, err = pipeline.NewCachedEmbedder(config.EmbeddingModel, embed, o.cacheSize)
		if err != nil {
			return nil, helper.NewError("create embedding cache", err)
		}
		engineEmbed = cached.Embed
	}

	engine, err := retrieval.NewEngine(candidates, engineEmbed, config, logger)
	if err != nil {
		return nil, helper.NewError("create retrieval engine", err)
	}

	crossScore := o.crossScore
	if crossScore == nil && config.UseCrossEncoder {
		pipelineScore, err := pipeline.DefaultCrossScorer("")
		crossScore = rerank.ScoreFunc(pipelineScore)
		if err != nil {
			// The reranker's own fallback chain covers a missing scorer.
			logger.Warn("No cross-encoder available, reranking will degrade", "err", err)
			crossScore = nil
		}
	}

	counter := o.tokenCounter
	if counter == nil {
		tiktokenCounter, err := assemble.NewTiktokenCounter("")
		if err != nil {
			logger.Warn("Tiktoken encoding unavailable, using heuristic token counter", "err", err)
			counter = assemble.HeuristicCounter{}
		} else {
			counter = tiktokenCounter
		}
	}

	return &Retriever{
		DB:           db,
		Candidates:   candidates,
		Engine:       engine,
		Config:       config,
		crossEncoder: rerank.NewCrossEncoderReranker(crossScore, config.RerankAlpha, config.RerankBatchSize, logger),
		mmr:          rerank.NewMMRReranker(config.MMRAlpha, config.PerFilePenalty),
		assembler:    assemble.NewAssembler(counter, config.TokenBudget, config.CompactText, logger),
		gate:         assemble.NewSpanExtractor(config.Abstention, o.classifier, o.generator, logger),
		embedder:     cached,
		log:          logger,
	}, nil
}

// Close closes the database connection.
func (r *Retriever) Close() error {
	if r.DB != nil && r.DB.Instance != nil {
		return r.DB.Instance.Close()
	}
	return nil
}

// Retrieve runs the full pipeline for query. tag selects the RetrievalLimits
// profile; an unknown tag fails closed, it is the only configuration error
// surfaced to callers.
func (r *Retriever) Retrieve(ctx context.Context, query string, tag string) (*model.AssembledContext, error) {
	limits, err := r.Config.LimitsForTag(tag)
	if err != nil {
		return nil, helper.NewError("resolve retrieval limits", err)
	}

	queryIntent := intent.Extract(query, r.Config.NamespaceTokens)

	fused, err := r.Engine.Retrieve(ctx, queryIntent, limits)
	if err != nil {
		return nil, helper.NewError("retrieve candidates", err)
	}

	var reranked []*model.RerankedCandidate
	if r.Config.UseCrossEncoder {
		reranked = r.crossEncoder.Rerank(ctx, query, fused, limits)
	} else {
		reranked = r.mmr.Rerank(ctx, query, fused, limits)
	}

	if r.Config.DropNearDupes > 0 {
		reranked = assemble.DropNearDuplicates(reranked, r.Config.DropNearDupes)
	}
	reranked = assemble.CapPerSource(reranked, r.Config.PerSourceCap)
	if len(reranked) > limits.TopK {
		reranked = reranked[:limits.TopK]
	}

	return r.assembler.Assemble(query, tag, reranked), nil
}

// Answer retrieves context for query and runs the span extractor / abstention
// gate over it.
func (r *Retriever) Answer(ctx context.Context, query string, tag string) (*model.AssembledContext, assemble.Answer, error) {
	assembled, err := r.Retrieve(ctx, query, tag)
	if err != nil {
		return nil, assemble.Answer{}, err
	}
	return assembled, r.gate.Extract(ctx, assembled), nil
}

// IngestChunk inserts or replaces one chunk in the candidate store, embedding
// its content when an embedder is available.
func (r *Retriever) IngestChunk(ctx context.Context, row *model.CandidateRow) error {
	var embedding []float32
	if r.embedder != nil {
		vector, err := r.embedder.Embed(row.Content)
		if err != nil {
			return helper.NewError("embed chunk content", err)
		}
		embedding = vector
	}
	return r.Candidates.InsertCandidate(ctx, row, embedding)
}

// DeleteDocumentChunks removes all chunks of a document from the store.
func (r *Retriever) DeleteDocumentChunks(ctx context.Context, documentID uuid.UUID) (int, error) {
	return r.Candidates.DeleteDocumentCandidates(ctx, documentID)
}

// ChangeIndexType switches the vector index between hnsw and ivfflat.
func (r *Retriever) ChangeIndexType(ctx context.Context, indexType string, params map[string]interface{}) error {
	if r.Candidates == nil {
		return helper.NewError("change index type", fmt.Errorf("candidates handler not initialized"))
	}
	return r.Candidates.ChangeIndexType(ctx, indexType, r.Config.Metric, params)
}
