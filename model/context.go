package model

import "strings"

// ContextPassage is one candidate packed into the assembled context, together
// with its span boundaries inside the context text.
type ContextPassage struct {
	Candidate  RerankedCandidate `json:"candidate"`
	ContextPos int               `json:"context_pos"`
	ContextEnd int               `json:"context_end"`
	Tokens     int               `json:"tokens"`
}

// AssembledContext is the ordered, budget-capped result of a retrieval call.
// It is call-scoped and discarded after the caller consumes it.
type AssembledContext struct {
	Query        string           `json:"query"`
	Tag          string           `json:"tag"`
	Text         string           `json:"text"`
	Passages     []ContextPassage `json:"passages"`
	TokensUsed   int              `json:"tokens_used"`
	TokenBudget  int              `json:"token_budget"`
	Truncated    bool             `json:"truncated"`
	RerankMethod RerankMethod     `json:"rerank_method"`
}

// ContainsFold reports whether answer appears in the context text,
// case-insensitively. Used by span enforcement.
func (a *AssembledContext) ContainsFold(answer string) bool {
	if answer == "" {
		return false
	}
	return strings.Contains(strings.ToLower(a.Text), strings.ToLower(answer))
}

// SourceFiles returns the distinct source paths contributing passages,
// in context order.
func (a *AssembledContext) SourceFiles() []string {
	seen := make(map[string]bool)
	var files []string
	for _, p := range a.Passages {
		if !seen[p.Candidate.FilePath] {
			seen[p.Candidate.FilePath] = true
			files = append(files, p.Candidate.FilePath)
		}
	}
	return files
}
