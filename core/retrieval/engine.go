package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/model"
	"golang.org/x/sync/errgroup"
)

// ChannelStore is the store surface the engine retrieves from. Implemented by
// database.CandidatesDBHandler.
type ChannelStore interface {
	SelectCandidatesByEmbedding(ctx context.Context, embedding []float32, metric model.VectorMetric, limit int) ([]*model.CandidateRow, error)
	SelectCandidatesByLexical(ctx context.Context, query string, limit int) ([]*model.CandidateRow, error)
	SelectCandidatesByTitle(ctx context.Context, query string, limit int) ([]*model.CandidateRow, error)
	SelectCandidatesBySection(ctx context.Context, query string, limit int) ([]*model.CandidateRow, error)
	SelectCandidatesByShort(ctx context.Context, query string, limit int) ([]*model.CandidateRow, error)
}

// EmbedFunc computes the query embedding for the dense channel.
type EmbedFunc func(text string) ([]float32, error)

// Engine runs the retrieval channels and fuses their results.
type Engine struct {
	store  ChannelStore
	embed  EmbedFunc
	config *model.RetrievalConfig
	logger *slog.Logger
}

// NewEngine creates a new retrieval engine.
func NewEngine(store ChannelStore, embed EmbedFunc, config *model.RetrievalConfig, logger *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, helper.NewError("engine validation", fmt.Errorf("channel store is nil"))
	}
	if config == nil {
		return nil, helper.NewError("engine validation", fmt.Errorf("retrieval config is nil"))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		embed:  embed,
		config: config,
		logger: logger,
	}, nil
}

// RetrieveChannels runs all five channels concurrently and returns their
// results keyed by channel. A failing channel recovers to an empty list and a
// log line, it never aborts the call. Fusion correctness does not depend on
// channel completion order.
func (e *Engine) RetrieveChannels(ctx context.Context, queryIntent model.QueryIntent, limits model.RetrievalLimits) map[model.Channel][]*model.CandidateRow {
	runs := []struct {
		channel model.Channel
		run     func(ctx context.Context) ([]*model.CandidateRow, error)
	}{
		{model.ChannelDense, func(ctx context.Context) ([]*model.CandidateRow, error) {
			return e.denseRetrieve(ctx, queryIntent.Raw, limits.ShortlistSize)
		}},
		{model.ChannelLexical, func(ctx context.Context) ([]*model.CandidateRow, error) {
			return e.store.SelectCandidatesByLexical(ctx, queryIntent.LexicalQuery, limits.ShortlistSize)
		}},
		{model.ChannelTitle, func(ctx context.Context) ([]*model.CandidateRow, error) {
			return e.store.SelectCandidatesByTitle(ctx, queryIntent.TitleQuery, limits.ShortlistSize)
		}},
		{model.ChannelSection, func(ctx context.Context) ([]*model.CandidateRow, error) {
			return e.store.SelectCandidatesBySection(ctx, queryIntent.ShortQuery, limits.ShortlistSize)
		}},
		{model.ChannelShort, func(ctx context.Context) ([]*model.CandidateRow, error) {
			return e.store.SelectCandidatesByShort(ctx, queryIntent.ShortQuery, limits.ShortlistSize)
		}},
	}

	// Each goroutine writes only its own slot, the map is built after the join.
	channelRows := make([][]*model.CandidateRow, len(runs))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, channelRun := range runs {
		group.Go(func() error {
			rows, err := channelRun.run(groupCtx)
			if err != nil {
				// Channel failure is recovered locally, fusion sees an
				// empty list for this channel only.
				e.logger.Warn("Channel failed, returning empty list",
					"channel", channelRun.channel, "err", err)
				return nil
			}
			channelRows[i] = rows
			return nil
		})
	}
	// Goroutines never return errors, Wait is a pure join point.
	_ = group.Wait()

	results := make(map[model.Channel][]*model.CandidateRow, len(runs))
	for i, channelRun := range runs {
		results[channelRun.channel] = channelRows[i]
	}

	return results
}

// denseRetrieve embeds the query and runs the vector channel. A missing or
// failing embedder degrades the dense channel, not the call.
func (e *Engine) denseRetrieve(ctx context.Context, query string, limit int) ([]*model.CandidateRow, error) {
	if e.embed == nil {
		return nil, fmt.Errorf("no embedder configured")
	}
	embedding, err := e.embed(query)
	if err != nil {
		return nil, helper.NewError("embed query", err)
	}
	return e.store.SelectCandidatesByEmbedding(ctx, embedding, e.config.Metric, limit)
}

// Retrieve runs the channels for queryIntent and fuses the results down to
// the shortlist. The returned list is ordered by hybrid score with reserved
// namespace slots applied.
func (e *Engine) Retrieve(ctx context.Context, queryIntent model.QueryIntent, limits model.RetrievalLimits) ([]*model.FusedCandidate, error) {
	channelResults := e.RetrieveChannels(ctx, queryIntent, limits)
	return Fuse(channelResults, queryIntent, e.config, limits.ShortlistSize)
}
