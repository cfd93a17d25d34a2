// Package assemble turns reranked candidates into a token-budgeted context
// and decides whether the pipeline answers or abstains.
package assemble

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"github.com/siherrmann/retriever/model"
)

// CapPerSource drops candidates once their source file has reached the cap,
// preserving relative order. maxPerSource <= 0 disables capping.
func CapPerSource(candidates []*model.RerankedCandidate, maxPerSource int) []*model.RerankedCandidate {
	if maxPerSource <= 0 {
		return candidates
	}

	counts := map[string]int{}
	capped := make([]*model.RerankedCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		if counts[candidate.FilePath] >= maxPerSource {
			continue
		}
		counts[candidate.FilePath]++
		capped = append(capped, candidate)
	}
	return capped
}

// DropNearDuplicates removes candidates whose content token Jaccard with an
// earlier kept candidate is at or above threshold. Order preserving.
func DropNearDuplicates(candidates []*model.RerankedCandidate, threshold float64) []*model.RerankedCandidate {
	if threshold <= 0 || threshold > 1 {
		return candidates
	}

	kept := make([]*model.RerankedCandidate, 0, len(candidates))
	keptTokens := make([]map[string]bool, 0, len(candidates))
	for _, candidate := range candidates {
		tokens := tokenSet(candidate.Content)
		duplicate := false
		for _, prior := range keptTokens {
			if jaccard(tokens, prior) >= threshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		kept = append(kept, candidate)
		keptTokens = append(keptTokens, tokens)
	}
	return kept
}

// TokenCounter counts tokens of a text for budget accounting.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts with a BPE encoding.
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenCounter creates a counter for the given encoding name,
// cl100k_base when empty.
func NewTiktokenCounter(encodingName string) (*TiktokenCounter, error) {
	if encodingName == "" {
		encodingName = "cl100k_base"
	}
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encodingName, err)
	}
	return &TiktokenCounter{encoding: encoding}, nil
}

// Count returns the BPE token count of text.
func (c *TiktokenCounter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// HeuristicCounter approximates tokens as len/4, the usual BPE rule of thumb.
// Used when the encoding files are unavailable, budget accounting stays
// deterministic either way.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	return (len(text) + 3) / 4
}

// Assembler packs capped candidates into a token-budgeted context.
type Assembler struct {
	counter     TokenCounter
	budget      int
	compactText bool
	logger      *slog.Logger
}

// NewAssembler creates an assembler. counter falls back to HeuristicCounter
// when nil.
func NewAssembler(counter TokenCounter, budget int, compactText bool, logger *slog.Logger) *Assembler {
	if counter == nil {
		counter = HeuristicCounter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		counter:     counter,
		budget:      budget,
		compactText: compactText,
		logger:      logger,
	}
}

// Assemble packs candidates whole into the context until the budget would be
// exceeded. A candidate never enters partially, running out of budget is
// normal truncation and not an error.
func (a *Assembler) Assemble(query string, tag string, candidates []*model.RerankedCandidate) *model.AssembledContext {
	result := &model.AssembledContext{
		Query:       query,
		Tag:         tag,
		TokenBudget: a.budget,
	}
	if len(candidates) > 0 {
		result.RerankMethod = candidates[0].Method
	}

	var builder strings.Builder
	for _, candidate := range candidates {
		text := candidate.Content
		if a.compactText {
			text = CompactText(text)
		}

		tokens := a.counter.Count(text)
		if a.budget > 0 && result.TokensUsed+tokens > a.budget {
			result.Truncated = true
			a.logger.Debug("Token budget exhausted, truncating context",
				"used", result.TokensUsed, "budget", a.budget, "dropped_from", candidate.FilePath)
			break
		}

		start := builder.Len()
		if start > 0 {
			builder.WriteString("\n\n")
			start = builder.Len()
		}
		builder.WriteString(text)

		result.Passages = append(result.Passages, model.ContextPassage{
			Candidate:  *candidate,
			ContextPos: start,
			ContextEnd: builder.Len(),
			Tokens:     tokens,
		})
		result.TokensUsed += tokens
	}

	result.Text = builder.String()
	return result
}

var (
	multiSpace   = regexp.MustCompile(`[ \t]+`)
	multiNewline = regexp.MustCompile(`\n{3,}`)
)

// CompactText squeezes runs of whitespace and drops consecutive repeated
// lines before token counting.
func CompactText(text string) string {
	text = multiSpace.ReplaceAllString(text, " ")
	text = multiNewline.ReplaceAllString(text, "\n\n")

	lines := strings.Split(text, "\n")
	compacted := lines[:0]
	previous := ""
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && trimmed == previous {
			continue
		}
		compacted = append(compacted, line)
		previous = trimmed
	}
	return strings.TrimSpace(strings.Join(compacted, "\n"))
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
