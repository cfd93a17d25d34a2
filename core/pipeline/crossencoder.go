package pipeline

import (
	"fmt"

	"github.com/knights-analytics/hugot"
	"github.com/siherrmann/retriever/helper"
)

// ScoreFunc scores query/passage pairs with a cross-encoder. It returns one
// relevance score per pair, in input order.
type ScoreFunc func(pairs []string) ([]float64, error)

// PairText formats a query/passage pair the way cross-encoder models expect.
func PairText(query string, passage string) string {
	return query + " [SEP] " + passage
}

// DefaultCrossScorer creates a cross-encoder scorer using a text
// classification model. The default ms-marco-MiniLM model outputs a single
// relevance logit per pair.
func DefaultCrossScorer(modelName string) (ScoreFunc, error) {
	if modelName == "" {
		modelName = "cross-encoder/ms-marco-MiniLM-L-6-v2"
	}

	// Prepare model (download if needed)
	modelPath, err := helper.PrepareModel(modelName, "onnx/model.onnx")
	if err != nil {
		return nil, err
	}

	// Initialize hugot session with Go backend
	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create hugot session: %w", err)
	}

	// Create text classification pipeline for pair scoring
	config := hugot.TextClassificationConfig{
		ModelPath: modelPath,
		Name:      "cross-encoder-pipeline",
	}
	scoringPipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("failed to create scoring pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("failed to create scoring pipeline: %w", err)
	}

	return func(pairs []string) ([]float64, error) {
		if len(pairs) == 0 {
			return nil, nil
		}

		result, err := scoringPipeline.RunPipeline(pairs)
		if err != nil {
			return nil, fmt.Errorf("failed to score pairs: %w", err)
		}

		if len(result.ClassificationOutputs) != len(pairs) {
			return nil, fmt.Errorf("expected %d scores, got %d", len(pairs), len(result.ClassificationOutputs))
		}

		scores := make([]float64, len(pairs))
		for i, output := range result.ClassificationOutputs {
			if len(output) == 0 {
				return nil, fmt.Errorf("no score for pair %d", i)
			}
			scores[i] = float64(output[0].Score)
		}
		return scores, nil
	}, nil
}
