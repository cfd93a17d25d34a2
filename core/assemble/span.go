package assemble

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/siherrmann/retriever/model"
)

// Classifier predicts whether the context can answer the query.
type Classifier interface {
	Answerable(ctx context.Context, query string, contextText string) (bool, error)
}

// Generator produces a free-form answer from the query and context. Injected,
// treated as a black box.
type Generator interface {
	Generate(ctx context.Context, query string, contextText string) (string, error)
}

// AnswerState tags how the gate resolved a request.
type AnswerState string

const (
	StateAnsweredRule      AnswerState = "answered_rule"
	StateAnsweredGenerated AnswerState = "answered_generated"
	StateAbstained         AnswerState = "abstained"
)

// Answer is the gate's result. Value equals the configured abstention value
// when State is abstained.
type Answer struct {
	Value string      `json:"value"`
	State AnswerState `json:"state"`
}

// SpanExtractor implements the answer/abstain state machine: rule-based span
// extraction first, then an overlap precheck and an answerable classifier
// gate before generation, then span enforcement on the generated answer. All
// four gates toggle independently.
type SpanExtractor struct {
	config     model.AbstentionConfig
	classifier Classifier
	generator  Generator
	logger     *slog.Logger
}

// NewSpanExtractor creates the gate. classifier and generator may be nil,
// their gates then resolve permissively and to abstention respectively.
func NewSpanExtractor(config model.AbstentionConfig, classifier Classifier, generator Generator, logger *slog.Logger) *SpanExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpanExtractor{
		config:     config,
		classifier: classifier,
		generator:  generator,
		logger:     logger,
	}
}

// Extract resolves the query against the assembled context.
func (s *SpanExtractor) Extract(ctx context.Context, assembled *model.AssembledContext) Answer {
	abstain := Answer{Value: s.config.AbstainValue, State: StateAbstained}

	if assembled == nil || assembled.Text == "" {
		return abstain
	}

	if s.config.RuleFirst {
		if span, ok := ruleSpan(assembled.Query, assembled.Text); ok {
			return Answer{Value: span, State: StateAnsweredRule}
		}
	}

	if s.config.OverlapPrecheck {
		if overlapRatio(assembled.Query, assembled.Text) < s.config.OverlapThreshold {
			s.logger.Debug("Overlap precheck failed, abstaining",
				"threshold", s.config.OverlapThreshold)
			return abstain
		}
	}

	if s.config.UseClassifier && s.classifier != nil {
		answerable, err := s.classifier.Answerable(ctx, assembled.Query, assembled.Text)
		if err != nil {
			s.logger.Warn("Answerable classifier failed, abstaining", "err", err)
			return abstain
		}
		if !answerable {
			return abstain
		}
	}

	if s.generator == nil {
		return abstain
	}
	generated, err := s.generator.Generate(ctx, assembled.Query, assembled.Text)
	if err != nil {
		s.logger.Warn("Generation failed, abstaining", "err", err)
		return abstain
	}
	generated = strings.TrimSpace(generated)
	if generated == "" || generated == s.config.AbstainValue {
		return abstain
	}

	if s.config.EnforceSpan && !assembled.ContainsFold(generated) {
		s.logger.Debug("Generated answer not found in context, abstaining")
		return abstain
	}

	return Answer{Value: generated, State: StateAnsweredGenerated}
}

// definitionPattern captures "X is/are ..." style sentences for the rule
// span.
var definitionPattern = regexp.MustCompile(`(?i)^(.{2,120}?)\s+(?:is|are|was|were|means|equals|defaults? to)\s+(.+)$`)

// ruleSpan attempts deterministic extraction: find the context sentence with
// the highest query-token overlap and return its definition tail when the
// sentence matches a definition shape. Preferred whenever it succeeds, it is
// cheap and unambiguous.
func ruleSpan(query string, contextText string) (string, bool) {
	queryTokens := tokenSet(query)
	if len(queryTokens) == 0 {
		return "", false
	}

	bestSentence := ""
	bestOverlap := 0
	for _, sentence := range splitSentences(contextText) {
		sentenceTokens := tokenSet(sentence)
		overlap := 0
		for token := range queryTokens {
			if sentenceTokens[token] {
				overlap++
			}
		}
		if overlap > bestOverlap {
			bestOverlap = overlap
			bestSentence = sentence
		}
	}

	// At least half the query tokens must appear in the sentence.
	if bestOverlap*2 < len(queryTokens) {
		return "", false
	}

	m := definitionPattern.FindStringSubmatch(strings.TrimSpace(bestSentence))
	if m == nil {
		return "", false
	}
	span := strings.TrimRight(strings.TrimSpace(m[2]), ".")
	if span == "" {
		return "", false
	}
	return span, true
}

// overlapRatio is the share of query tokens found in the context.
func overlapRatio(query string, contextText string) float64 {
	queryTokens := tokenSet(query)
	if len(queryTokens) == 0 {
		return 0
	}
	contextTokens := tokenSet(contextText)
	overlap := 0
	for token := range queryTokens {
		if contextTokens[token] {
			overlap++
		}
	}
	return float64(overlap) / float64(len(queryTokens))
}

// splitSentences splits on sentence-final punctuation and newlines.
var sentenceSplit = regexp.MustCompile(`[.!?\n]+`)

func splitSentences(text string) []string {
	parts := sentenceSplit.Split(text, -1)
	sentences := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			sentences = append(sentences, trimmed)
		}
	}
	return sentences
}
