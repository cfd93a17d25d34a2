package model

import (
	"errors"
	"fmt"
)

// FusionMethod selects how per-channel scores are combined.
type FusionMethod string

const (
	FusionZScore FusionMethod = "zscore"
	FusionRRF    FusionMethod = "rrf"
)

// VectorMetric selects the distance metric for the dense channel.
type VectorMetric string

const (
	MetricL2     VectorMetric = "l2"
	MetricIP     VectorMetric = "ip"
	MetricCosine VectorMetric = "cosine"
)

// ErrUnknownTag is returned when a retrieval call names a tag with no
// configured limits profile. Unknown tags fail closed: a silent default
// could mis-size the whole pipeline.
var ErrUnknownTag = errors.New("unknown retrieval tag")

// RetrievalLimits sizes the pipeline for one tag. Looked up once per call and
// immutable for the call's duration.
type RetrievalLimits struct {
	ShortlistSize     int `json:"shortlist_size"`
	TopK              int `json:"topk"`
	RerankerInputTopK int `json:"reranker_input_topk"`
	RerankerKeep      int `json:"reranker_keep"`
}

// AbstentionConfig holds the four independently toggleable gates of the span
// extractor together with their thresholds.
type AbstentionConfig struct {
	RuleFirst        bool    `json:"rule_first"`
	OverlapPrecheck  bool    `json:"overlap_precheck"`
	OverlapThreshold float64 `json:"overlap_threshold"`
	UseClassifier    bool    `json:"use_classifier"`
	EnforceSpan      bool    `json:"enforce_span"`
	AbstainValue     string  `json:"abstain_value"`
}

// RetrievalConfig represents the full tuning surface of the retrieval engine.
// The boost and fusion constants are empirical defaults, not derived values,
// and are meant to be tuned per corpus.
type RetrievalConfig struct {
	// Per-tag pipeline sizing.
	Limits map[string]RetrievalLimits `json:"limits"`

	// Fusion parameters.
	Fusion         FusionMethod        `json:"fusion"`
	ChannelWeights map[Channel]float64 `json:"channel_weights"`
	RRFRankOffset  int                 `json:"rrf_rank_offset"`

	// Dense channel.
	Metric         VectorMetric `json:"metric"`
	EmbeddingModel string       `json:"embedding_model"`

	// Intent extraction.
	NamespaceTokens []string `json:"namespace_tokens"`

	// Deterministic boosts applied after fusion.
	NamespaceBoost       float64 `json:"namespace_boost"`
	FilenameExactBoost   float64 `json:"filename_exact_boost"`
	FilenamePartialBoost float64 `json:"filename_partial_boost"`
	ReservedSlots        int     `json:"reserved_slots"`

	// Reranking.
	UseCrossEncoder bool    `json:"use_cross_encoder"`
	RerankAlpha     float64 `json:"rerank_alpha"`
	RerankBatchSize int     `json:"rerank_batch_size"`

	// Diversity reranking, used when the cross-encoder is disabled.
	MMRAlpha       float64 `json:"mmr_alpha"`
	PerFilePenalty float64 `json:"per_file_penalty"`

	// Capping and context assembly.
	PerSourceCap int  `json:"per_source_cap"`
	TokenBudget  int  `json:"token_budget"`
	CompactText  bool `json:"compact_text"`
	// DropNearDupes is the Jaccard threshold at or above which a later
	// near-duplicate passage is dropped before capping. 0 disables the filter.
	DropNearDupes float64 `json:"drop_near_dupes"`

	// Abstention gates.
	Abstention AbstentionConfig `json:"abstention"`
}

// DefaultRetrievalConfig returns the empirical default configuration.
func DefaultRetrievalConfig() *RetrievalConfig {
	return &RetrievalConfig{
		Limits: map[string]RetrievalLimits{
			"rag_qa_single": {ShortlistSize: 50, TopK: 8, RerankerInputTopK: 24, RerankerKeep: 8},
			"rag_qa_multi":  {ShortlistSize: 80, TopK: 12, RerankerInputTopK: 32, RerankerKeep: 12},
		},
		Fusion: FusionZScore,
		ChannelWeights: map[Channel]float64{
			ChannelDense:   1.0,
			ChannelLexical: 1.0,
			ChannelTitle:   0.5,
			ChannelSection: 0.5,
			ChannelShort:   0.5,
		},
		RRFRankOffset:  60,
		Metric:         MetricCosine,
		EmbeddingModel: "sentence-transformers/all-MiniLM-L6-v2",

		NamespaceBoost:       0.30,
		FilenameExactBoost:   0.35,
		FilenamePartialBoost: 0.15,
		ReservedSlots:        3,

		UseCrossEncoder: true,
		RerankAlpha:     0.7,
		RerankBatchSize: 8,

		MMRAlpha:       0.7,
		PerFilePenalty: 0.1,

		PerSourceCap: 3,
		TokenBudget:  2048,
		CompactText:  true,

		Abstention: AbstentionConfig{
			RuleFirst:        true,
			OverlapPrecheck:  true,
			OverlapThreshold: 0.15,
			UseClassifier:    false,
			EnforceSpan:      true,
			AbstainValue:     "",
		},
	}
}

// LimitsForTag looks up the limits profile for a tag, failing closed on
// unknown tags.
func (c *RetrievalConfig) LimitsForTag(tag string) (RetrievalLimits, error) {
	limits, ok := c.Limits[tag]
	if !ok {
		return RetrievalLimits{}, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	if limits.ShortlistSize <= 0 || limits.TopK <= 0 {
		return RetrievalLimits{}, fmt.Errorf("%w: %q has empty limits", ErrUnknownTag, tag)
	}
	return limits, nil
}

// Weight returns the fusion weight of a channel, 0 when unconfigured.
func (c *RetrievalConfig) Weight(ch Channel) float64 {
	return c.ChannelWeights[ch]
}

// Validate checks the configuration for values that would mis-size or
// destabilize the pipeline.
func (c *RetrievalConfig) Validate() error {
	if len(c.Limits) == 0 {
		return errors.New("no retrieval limits configured")
	}
	for tag, l := range c.Limits {
		if l.ShortlistSize <= 0 || l.TopK <= 0 {
			return fmt.Errorf("tag %q: shortlist size and topk must be positive", tag)
		}
		if l.RerankerInputTopK > 0 && l.RerankerInputTopK < l.RerankerKeep {
			return fmt.Errorf("tag %q: reranker input smaller than keep size", tag)
		}
	}
	switch c.Fusion {
	case FusionZScore, FusionRRF:
	default:
		return fmt.Errorf("unsupported fusion method %q", c.Fusion)
	}
	switch c.Metric {
	case MetricL2, MetricIP, MetricCosine:
	default:
		return fmt.Errorf("unsupported vector metric %q", c.Metric)
	}
	for ch, w := range c.ChannelWeights {
		if w < 0 {
			return fmt.Errorf("channel %q has negative weight", ch)
		}
	}
	if c.RRFRankOffset <= 0 {
		return errors.New("rrf rank offset must be positive")
	}
	if c.RerankAlpha < 0 || c.RerankAlpha > 1 {
		return errors.New("rerank alpha must be in [0, 1]")
	}
	if c.MMRAlpha < 0 || c.MMRAlpha > 1 {
		return errors.New("mmr alpha must be in [0, 1]")
	}
	if c.PerSourceCap <= 0 {
		return errors.New("per source cap must be positive")
	}
	if c.TokenBudget <= 0 {
		return errors.New("token budget must be positive")
	}
	if c.DropNearDupes < 0 || c.DropNearDupes > 1 {
		return errors.New("near-duplicate threshold must be in [0, 1]")
	}
	if c.Abstention.OverlapPrecheck && (c.Abstention.OverlapThreshold <= 0 || c.Abstention.OverlapThreshold > 1) {
		return errors.New("overlap threshold must be in (0, 1]")
	}
	return nil
}
