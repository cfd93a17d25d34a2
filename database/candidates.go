package database

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/model"
	loadSql "github.com/siherrmann/retriever/sql"
)

// CandidatesDBHandlerFunctions defines the interface for candidate store operations.
type CandidatesDBHandlerFunctions interface {
	InsertCandidate(ctx context.Context, row *model.CandidateRow, embedding []float32) error
	DeleteDocumentCandidates(ctx context.Context, documentID uuid.UUID) (int, error)
	SelectCandidatesByEmbedding(ctx context.Context, embedding []float32, metric model.VectorMetric, limit int) ([]*model.CandidateRow, error)
	SelectCandidatesByLexical(ctx context.Context, query string, limit int) ([]*model.CandidateRow, error)
	SelectCandidatesByTitle(ctx context.Context, query string, limit int) ([]*model.CandidateRow, error)
	SelectCandidatesBySection(ctx context.Context, query string, limit int) ([]*model.CandidateRow, error)
	SelectCandidatesByShort(ctx context.Context, query string, limit int) ([]*model.CandidateRow, error)
}

// CandidatesDBHandler handles candidate-related database operations.
// Each select method implements one retrieval channel with a deterministic
// ORDER BY (score, then file path, chunk index, row id) so equal-score rows
// come back in reproducible order.
type CandidatesDBHandler struct {
	db *helper.Database
}

// NewCandidatesDBHandler creates a new candidates database handler.
// It loads the candidate SQL functions and creates the table.
// If force is true, it will reload the SQL functions even if they already exist.
func NewCandidatesDBHandler(db *helper.Database, embeddingDim int, force bool) (*CandidatesDBHandler, error) {
	if db == nil {
		return nil, helper.NewError("database connection validation", fmt.Errorf("database connection is nil"))
	}

	handler := &CandidatesDBHandler{
		db: db,
	}

	err := loadSql.LoadCandidatesSql(handler.db.Instance, force)
	if err != nil {
		return nil, helper.NewError("load candidates sql", err)
	}

	err = handler.CreateTable(embeddingDim)
	if err != nil {
		return nil, helper.NewError("create table", err)
	}

	db.Logger.Info("Initialized CandidatesDBHandler")

	return handler, nil
}

// CreateTable creates the 'candidates' table, its indexes and extensions.
// If the table already exists, it does not create it again.
func (h *CandidatesDBHandler) CreateTable(embeddingDim int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := h.db.Instance.ExecContext(ctx, `SELECT init_candidates($1);`, embeddingDim)
	if err != nil {
		return helper.NewError("initialize candidates table", err)
	}

	h.db.Logger.Info("Checked/created table candidates")

	return nil
}

// InsertCandidate inserts or replaces one chunk in the store.
// The chunk id is derived from (document_id, chunk_index) when absent.
func (h *CandidatesDBHandler) InsertCandidate(ctx context.Context, row *model.CandidateRow, embedding []float32) error {
	row.EnsureChunkID()
	row.EnsureProvenance()

	if row.Metadata == nil {
		row.Metadata = model.Metadata{}
	}

	var id int64
	err := h.db.Instance.QueryRowContext(ctx,
		`SELECT insert_candidate($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		row.ChunkID,
		row.DocumentID,
		row.ChunkIndex,
		row.FilePath,
		row.Content,
		row.StartOffset,
		row.EndOffset,
		row.SectionTitle,
		row.IngestRunID,
		row.ChunkVariant,
		row.Metadata,
		pgvector.NewVector(embedding),
	).Scan(&id)
	if err != nil {
		return helper.NewError("insert candidate", err)
	}

	return nil
}

// DeleteDocumentCandidates removes all chunks of a document and returns the
// number of deleted rows.
func (h *CandidatesDBHandler) DeleteDocumentCandidates(ctx context.Context, documentID uuid.UUID) (int, error) {
	var deleted int
	err := h.db.Instance.QueryRowContext(ctx,
		`SELECT delete_document_candidates($1)`,
		documentID,
	).Scan(&deleted)
	if err != nil {
		return 0, helper.NewError("delete document candidates", err)
	}
	return deleted, nil
}

// SelectCandidatesByEmbedding implements the dense channel. The raw vector
// distance under the requested metric is converted to a bounded similarity.
func (h *CandidatesDBHandler) SelectCandidatesByEmbedding(ctx context.Context, embedding []float32, metric model.VectorMetric, limit int) ([]*model.CandidateRow, error) {
	rows, err := h.db.Instance.QueryContext(ctx,
		`SELECT * FROM select_candidates_by_embedding($1, $2, $3)`,
		pgvector.NewVector(embedding),
		string(metric),
		limit,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	results, err := h.scanCandidates(rows, model.ChannelDense)
	if err != nil {
		return nil, err
	}

	for _, row := range results {
		row.ScoreDense = boundedSimilarity(metric, row.ScoreDense)
	}

	return results, nil
}

// SelectCandidatesByLexical implements the lexical channel: ts_rank over the
// stored tsvector, retried with an inline tsvector expression when the stored
// column is missing, then supplemented with trigram matches when fewer than
// limit rows were found.
func (h *CandidatesDBHandler) SelectCandidatesByLexical(ctx context.Context, query string, limit int) ([]*model.CandidateRow, error) {
	rows, err := h.db.Instance.QueryContext(ctx,
		`SELECT * FROM select_candidates_by_lexical($1, $2)`,
		query,
		limit,
	)
	if err != nil && isMissingRelationErr(err) {
		h.db.Logger.Warn("Lexical index unavailable, recomputing tsvector inline", "err", err)
		rows, err = h.db.Instance.QueryContext(ctx,
			`SELECT * FROM select_candidates_by_lexical_inline($1, $2)`,
			query,
			limit,
		)
	}
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	results, err := h.scanCandidates(rows, model.ChannelLexical)
	if err != nil {
		return nil, err
	}

	if len(results) < limit {
		results, err = h.supplementTrigram(ctx, results, model.ChannelLexical,
			`SELECT * FROM select_candidates_by_trigram($1, $2)`, query, limit)
		if err != nil {
			return nil, err
		}
	}

	return results, nil
}

// SelectCandidatesByTitle implements the title channel over the file path.
func (h *CandidatesDBHandler) SelectCandidatesByTitle(ctx context.Context, query string, limit int) ([]*model.CandidateRow, error) {
	rows, err := h.db.Instance.QueryContext(ctx,
		`SELECT * FROM select_candidates_by_title($1, $2)`,
		query,
		limit,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	return h.scanCandidates(rows, model.ChannelTitle)
}

// SelectCandidatesBySection implements the section channel over the derived
// section heading, with a trigram fallback.
func (h *CandidatesDBHandler) SelectCandidatesBySection(ctx context.Context, query string, limit int) ([]*model.CandidateRow, error) {
	rows, err := h.db.Instance.QueryContext(ctx,
		`SELECT * FROM select_candidates_by_section($1, $2)`,
		query,
		limit,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	results, err := h.scanCandidates(rows, model.ChannelSection)
	if err != nil {
		return nil, err
	}

	if len(results) < limit {
		results, err = h.supplementTrigram(ctx, results, model.ChannelSection,
			`SELECT * FROM select_candidates_by_section_trigram($1, $2)`, query, limit)
		if err != nil {
			return nil, err
		}
	}

	return results, nil
}

// SelectCandidatesByShort implements the short-field channel: a weighted
// combination of section title and file basename.
func (h *CandidatesDBHandler) SelectCandidatesByShort(ctx context.Context, query string, limit int) ([]*model.CandidateRow, error) {
	rows, err := h.db.Instance.QueryContext(ctx,
		`SELECT * FROM select_candidates_by_short($1, $2)`,
		query,
		limit,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	return h.scanCandidates(rows, model.ChannelShort)
}

// supplementTrigram merges trigram similarity matches into an under-filled
// result list without duplicating identities. Relative order of the primary
// results is preserved, trigram rows fill the remaining slots.
func (h *CandidatesDBHandler) supplementTrigram(ctx context.Context, results []*model.CandidateRow, channel model.Channel, query string, text string, limit int) ([]*model.CandidateRow, error) {
	rows, err := h.db.Instance.QueryContext(ctx, query, text, limit)
	if err != nil {
		return nil, helper.NewError("trigram query", err)
	}
	defer rows.Close()

	supplement, err := h.scanCandidates(rows, channel)
	if err != nil {
		return nil, err
	}

	seen := make(map[model.ChunkKey]bool, len(results))
	for _, row := range results {
		seen[row.Key()] = true
	}

	for _, row := range supplement {
		if len(results) >= limit {
			break
		}
		if seen[row.Key()] {
			continue
		}
		seen[row.Key()] = true
		results = append(results, row)
	}

	return results, nil
}

// scanCandidates reads channel query rows into candidate rows. The channel's
// raw score is stored in the matching per-channel field and the row is
// labeled with the producing channel. Missing provenance is labeled, never
// dropped, since downstream invariants require it to be present.
func (h *CandidatesDBHandler) scanCandidates(rows rowScanner, channel model.Channel) ([]*model.CandidateRow, error) {
	var results []*model.CandidateRow
	for rows.Next() {
		row := &model.CandidateRow{}

		var id int64
		var score float64
		err := rows.Scan(
			&id,
			&row.ChunkID,
			&row.DocumentID,
			&row.ChunkIndex,
			&row.FilePath,
			&row.Content,
			&row.StartOffset,
			&row.EndOffset,
			&row.SectionTitle,
			&row.IngestRunID,
			&row.ChunkVariant,
			&row.Metadata,
			&score,
		)
		if err != nil {
			return nil, helper.NewError("scan", err)
		}

		row.EnsureChunkID()
		row.EnsureProvenance()
		row.SetChannelScore(channel, score)
		row.FoundBy = []model.Channel{channel}

		results = append(results, row)
	}

	err := rows.Err()
	if err != nil {
		return nil, helper.NewError("rows error", err)
	}

	return results, nil
}

// rowScanner is the subset of sql.Rows used by scanCandidates.
type rowScanner interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

// boundedSimilarity converts a raw pgvector distance into a score in [0, 1].
func boundedSimilarity(metric model.VectorMetric, distance float64) float64 {
	var sim float64
	switch metric {
	case model.MetricL2:
		sim = 1.0 / (1.0 + distance)
	case model.MetricIP:
		// <#> returns the negated inner product, smaller is better and
		// unbounded in both directions.
		sim = 1.0 / (1.0 + math.Exp(distance))
	default: // cosine distance = 1 - cosine similarity
		sim = 1.0 - distance
	}
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// isMissingRelationErr reports whether the error indicates a missing column,
// function or index expression, the condition under which the lexical channel
// recomputes its index expression inline.
func isMissingRelationErr(err error) bool {
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return false
	}
	switch pqErr.Code {
	case "42703", "42883", "42P01": // undefined column, function, table
		return true
	}
	return false
}
