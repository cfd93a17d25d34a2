package retrieval

import (
	"fmt"
	"math"
	"path"
	"sort"
	"strings"

	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/model"
)

// Fuse merges per-channel candidate lists into exactly one fused candidate
// per (document_id, chunk_index) key, scores them with the configured fusion
// strategy, applies namespace and filename boosts and the reserved-slot
// policy, and returns the top limit candidates ordered by hybrid score.
//
// A row reaching fusion without a stable chunk id or with incomplete
// provenance is a broken invariant upstream and surfaces as an error.
func Fuse(channelResults map[model.Channel][]*model.CandidateRow, queryIntent model.QueryIntent, config *model.RetrievalConfig, limit int) ([]*model.FusedCandidate, error) {
	merged, err := mergeChannels(channelResults)
	if err != nil {
		return nil, err
	}

	switch config.Fusion {
	case model.FusionRRF:
		fuseRRF(merged, channelResults, config)
	case model.FusionZScore:
		fuseZScore(merged, channelResults, config)
	default:
		return nil, helper.NewError("fusion", fmt.Errorf("unknown fusion method: %s", config.Fusion))
	}

	applyBoosts(merged, queryIntent, config)

	return selectWithReservedSlots(merged, queryIntent, config, limit), nil
}

// mergeChannels builds the union of candidate identities across channels.
// Channel duplicates are merged: FoundBy is united, per-channel scores are
// merged field-wise and provenance is carried from the first channel that
// supplied a labeled value.
func mergeChannels(channelResults map[model.Channel][]*model.CandidateRow) (map[model.ChunkKey]*model.FusedCandidate, error) {
	merged := make(map[model.ChunkKey]*model.FusedCandidate)

	for _, channel := range model.Channels {
		for _, row := range channelResults[channel] {
			if err := row.Validate(); err != nil {
				return nil, helper.NewError("fusion input validation", err)
			}

			existing, ok := merged[row.Key()]
			if !ok {
				fused := &model.FusedCandidate{CandidateRow: *row}
				merged[row.Key()] = fused
				continue
			}

			if existing.ChunkID != row.ChunkID {
				return nil, helper.NewError("fusion input validation",
					fmt.Errorf("candidate %v has conflicting chunk ids %v and %v", row.Key(), existing.ChunkID, row.ChunkID))
			}

			existing.SetChannelScore(channel, row.ChannelScore(channel))
			if !existing.FoundByChannel(channel) {
				existing.FoundBy = append(existing.FoundBy, channel)
			}
			// Donor carry: the first labeled provenance wins, later
			// channels never overwrite it.
			if existing.IngestRunID == model.UnlabeledProvenance && row.IngestRunID != model.UnlabeledProvenance {
				existing.IngestRunID = row.IngestRunID
			}
			if existing.ChunkVariant == model.UnlabeledProvenance && row.ChunkVariant != model.UnlabeledProvenance {
				existing.ChunkVariant = row.ChunkVariant
			}
			if existing.Content == "" && row.Content != "" {
				existing.Content = row.Content
			}
		}
	}

	return merged, nil
}

// fuseZScore normalizes each channel's score vector to zero mean and unit
// variance (zero when variance is zero) and sums the weighted z-scores of the
// channels that found each candidate.
func fuseZScore(merged map[model.ChunkKey]*model.FusedCandidate, channelResults map[model.Channel][]*model.CandidateRow, config *model.RetrievalConfig) {
	for _, channel := range model.Channels {
		rows := channelResults[channel]
		if len(rows) == 0 {
			continue
		}

		mean := 0.0
		for _, row := range rows {
			mean += row.ChannelScore(channel)
		}
		mean /= float64(len(rows))

		variance := 0.0
		for _, row := range rows {
			diff := row.ChannelScore(channel) - mean
			variance += diff * diff
		}
		variance /= float64(len(rows))
		stddev := math.Sqrt(variance)

		weight := config.Weight(channel)
		for _, row := range rows {
			z := 0.0
			if stddev > 0 {
				z = (row.ChannelScore(channel) - mean) / stddev
			}
			merged[row.Key()].HybridScore += weight * z
		}
	}
}

// fuseRRF scores each candidate by reciprocal rank. A candidate missing from
// a channel contributes that channel's worst case, rank = offset.
func fuseRRF(merged map[model.ChunkKey]*model.FusedCandidate, channelResults map[model.Channel][]*model.CandidateRow, config *model.RetrievalConfig) {
	offset := float64(config.RRFRankOffset)

	for _, channel := range model.Channels {
		weight := config.Weight(channel)

		ranks := make(map[model.ChunkKey]int, len(channelResults[channel]))
		for i, row := range channelResults[channel] {
			ranks[row.Key()] = i + 1
		}

		for key, fused := range merged {
			rank, ok := ranks[key]
			if !ok {
				rank = config.RRFRankOffset
			}
			fused.HybridScore += weight / (offset + float64(rank))
		}
	}
}

// applyBoosts adds the deterministic namespace and filename boosts on top of
// the fused score. Exact filename match takes the larger constant, partial
// the smaller one, never both.
func applyBoosts(merged map[model.ChunkKey]*model.FusedCandidate, queryIntent model.QueryIntent, config *model.RetrievalConfig) {
	for _, fused := range merged {
		if queryIntent.HasNamespace() && underNamespace(fused.FilePath, queryIntent.NamespaceToken) {
			fused.NSBoost = config.NamespaceBoost
		}

		basename := path.Base(fused.FilePath)
		if queryIntent.FilenameExact != "" && strings.EqualFold(basename, queryIntent.FilenameExact) {
			fused.FilenameBoost = config.FilenameExactBoost
		} else if queryIntent.FilenamePartial != "" && strings.Contains(strings.ToLower(basename), strings.ToLower(queryIntent.FilenamePartial)) {
			fused.FilenameBoost = config.FilenamePartialBoost
		}

		fused.HybridScore += fused.NSBoost + fused.FilenameBoost
	}
}

// underNamespace reports whether the file path has the namespace token as a
// path segment.
func underNamespace(filePath string, namespace string) bool {
	lowered := strings.ToLower(filePath)
	namespace = strings.ToLower(namespace)
	for _, segment := range strings.Split(lowered, "/") {
		if segment == namespace {
			return true
		}
	}
	return false
}

// selectWithReservedSlots takes up to ReservedSlots best namespace-matching
// candidates unconditionally, then fills the remainder with the globally best
// remaining candidates. Ties break by stable identity order so equal scores
// have reproducible ranking.
func selectWithReservedSlots(merged map[model.ChunkKey]*model.FusedCandidate, queryIntent model.QueryIntent, config *model.RetrievalConfig, limit int) []*model.FusedCandidate {
	all := make([]*model.FusedCandidate, 0, len(merged))
	for _, fused := range merged {
		all = append(all, fused)
	}
	sortFused(all)

	if limit <= 0 || len(all) <= limit {
		if limit > 0 && len(all) > limit {
			all = all[:limit]
		}
		return all
	}

	if !queryIntent.HasNamespace() || config.ReservedSlots <= 0 {
		return all[:limit]
	}

	selected := make([]*model.FusedCandidate, 0, limit)
	taken := make(map[model.ChunkKey]bool, limit)

	reserved := 0
	for _, fused := range all {
		if reserved == config.ReservedSlots || reserved == limit {
			break
		}
		if fused.NSBoost > 0 {
			selected = append(selected, fused)
			taken[fused.Key()] = true
			reserved++
		}
	}

	for _, fused := range all {
		if len(selected) == limit {
			break
		}
		if taken[fused.Key()] {
			continue
		}
		selected = append(selected, fused)
		taken[fused.Key()] = true
	}

	sortFused(selected)
	return selected
}

// sortFused orders by hybrid score descending with a stable identity
// tie-break.
func sortFused(candidates []*model.FusedCandidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].HybridScore != candidates[j].HybridScore {
			return candidates[i].HybridScore > candidates[j].HybridScore
		}
		return candidates[i].ChunkID.String() < candidates[j].ChunkID.String()
	})
}
