package model

import (
	"fmt"

	"github.com/google/uuid"
)

// Channel identifies one retrieval strategy producing scored candidates.
type Channel string

const (
	ChannelDense   Channel = "dense"
	ChannelLexical Channel = "lexical"
	ChannelTitle   Channel = "title"
	ChannelSection Channel = "section"
	ChannelShort   Channel = "short"
)

// Channels lists all retrieval channels in fusion order.
var Channels = []Channel{ChannelDense, ChannelLexical, ChannelTitle, ChannelSection, ChannelShort}

// RerankMethod tags how a candidate list was reordered.
type RerankMethod string

const (
	RerankCrossEncoderHybrid RerankMethod = "cross_encoder_hybrid"
	RerankHeuristic          RerankMethod = "heuristic"
	RerankDisabled           RerankMethod = "disabled"
	RerankFallbackError      RerankMethod = "fallback_error"
)

// UnlabeledProvenance marks rows whose store columns carried no provenance.
// Downstream invariants require the fields to be present, so missing values
// are labeled instead of dropped.
const UnlabeledProvenance = "unlabeled"

// chunkNamespace is the UUID namespace for deriving stable chunk identities.
var chunkNamespace = uuid.MustParse("8d5f7a2e-4c1b-4f83-9d26-3b7a90c4e571")

// ChunkKey is the stable identity of a chunk across all pipeline stages.
type ChunkKey struct {
	DocumentID uuid.UUID
	ChunkIndex int
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("%s:%d", k.DocumentID, k.ChunkIndex)
}

// DeriveChunkID computes the deterministic chunk ID for a key. The same
// underlying chunk always maps to the same ID, regardless of which channel
// produced the row.
func DeriveChunkID(key ChunkKey) uuid.UUID {
	return uuid.NewSHA1(chunkNamespace, []byte(key.String()))
}

// CandidateRow is one retrieved unit as returned by a channel query.
type CandidateRow struct {
	ChunkID     uuid.UUID `json:"chunk_id"`
	DocumentID  uuid.UUID `json:"document_id"`
	ChunkIndex  int       `json:"chunk_index"`
	FilePath    string    `json:"file_path"`
	Content     string    `json:"content"`
	StartOffset int       `json:"start_offset"`
	EndOffset   int       `json:"end_offset"`

	// Per-channel raw scores, 0 if the channel did not return the row.
	ScoreDense   float64 `json:"score_dense,omitempty"`
	ScoreSparse  float64 `json:"score_sparse,omitempty"`
	ScoreTitle   float64 `json:"score_title,omitempty"`
	ScoreSection float64 `json:"score_section,omitempty"`
	ScoreShort   float64 `json:"score_short,omitempty"`

	FoundBy []Channel `json:"found_by"`

	// Provenance, required on every row that reaches fusion.
	IngestRunID  string `json:"ingest_run_id"`
	ChunkVariant string `json:"chunk_variant"`

	SectionTitle string   `json:"section_title,omitempty"`
	Metadata     Metadata `json:"metadata,omitempty"`
}

// Key returns the merge identity of the row.
func (c *CandidateRow) Key() ChunkKey {
	return ChunkKey{DocumentID: c.DocumentID, ChunkIndex: c.ChunkIndex}
}

// EnsureChunkID assigns the deterministic chunk ID if the store row carried none.
func (c *CandidateRow) EnsureChunkID() {
	if c.ChunkID == uuid.Nil {
		c.ChunkID = DeriveChunkID(c.Key())
	}
}

// EnsureProvenance labels missing provenance fields rather than dropping them.
func (c *CandidateRow) EnsureProvenance() {
	if c.IngestRunID == "" {
		c.IngestRunID = UnlabeledProvenance
	}
	if c.ChunkVariant == "" {
		c.ChunkVariant = UnlabeledProvenance
	}
}

// ChannelScore returns the raw score the given channel assigned to the row.
func (c *CandidateRow) ChannelScore(ch Channel) float64 {
	switch ch {
	case ChannelDense:
		return c.ScoreDense
	case ChannelLexical:
		return c.ScoreSparse
	case ChannelTitle:
		return c.ScoreTitle
	case ChannelSection:
		return c.ScoreSection
	case ChannelShort:
		return c.ScoreShort
	}
	return 0
}

// SetChannelScore records the raw score for the given channel.
func (c *CandidateRow) SetChannelScore(ch Channel, score float64) {
	switch ch {
	case ChannelDense:
		c.ScoreDense = score
	case ChannelLexical:
		c.ScoreSparse = score
	case ChannelTitle:
		c.ScoreTitle = score
	case ChannelSection:
		c.ScoreSection = score
	case ChannelShort:
		c.ScoreShort = score
	}
}

// FoundByChannel reports whether the given channel produced the row.
func (c *CandidateRow) FoundByChannel(ch Channel) bool {
	for _, f := range c.FoundBy {
		if f == ch {
			return true
		}
	}
	return false
}

// Validate checks the identity and provenance invariants a row must satisfy
// before entering fusion. A violation is a defect upstream, not a data
// condition, and is surfaced loudly.
func (c *CandidateRow) Validate() error {
	if c.ChunkID == uuid.Nil {
		return fmt.Errorf("candidate %v has no chunk id", c.Key())
	}
	if c.DocumentID == uuid.Nil {
		return fmt.Errorf("candidate %v has no document id", c.ChunkID)
	}
	if c.IngestRunID == "" || c.ChunkVariant == "" {
		return fmt.Errorf("candidate %v has incomplete provenance", c.Key())
	}
	return nil
}

// FusedCandidate is a CandidateRow augmented with the fused score and the
// deterministic boost contributions applied after fusion.
type FusedCandidate struct {
	CandidateRow
	HybridScore   float64 `json:"hybrid_score"`
	NSBoost       float64 `json:"ns_boost"`
	FilenameBoost float64 `json:"filename_boost"`
}

// RerankedCandidate is a FusedCandidate augmented with reranking scores.
// CrossScore is the raw neural score, 0 when the neural scorer was not used.
type RerankedCandidate struct {
	FusedCandidate
	RerankScore float64      `json:"rerank_score"`
	CrossScore  float64      `json:"cross_score"`
	FinalScore  float64      `json:"final_score"`
	Method      RerankMethod `json:"rerank_method"`
}
