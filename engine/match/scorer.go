// Package match turns raw nearest-neighbor similarities into bounded
// combined scores and matched/unmatched decisions.
//
// The combined score blends embedding similarity with a soft location
// signal. Missing or mismatched locations contribute a neutral prior, not
// a penalty, so an image-only match can never reach the high tier on its
// own: with unknown locations the ceiling is 0.9·1.0 + 0.1·0.5 = 0.95.
package match

import (
	"strings"

	"github.com/FoundlyHQ/foundly-mvp/engine/domain"
	"github.com/FoundlyHQ/foundly-mvp/engine/vecindex"
)

// Score fusion weights and confidence thresholds.
const (
	WeightEmbed    = 0.9
	WeightLocation = 0.1

	HighThreshold   = 0.92
	MediumThreshold = 0.72

	// DefaultK is the query fan-out used by the processing loop.
	DefaultK = 5
)

// Tier is a confidence bucket for a combined score.
type Tier int

const (
	TierNone Tier = iota
	TierMedium
	TierHigh
)

// TierOf classifies a combined score.
func TierOf(score float64) Tier {
	switch {
	case score >= HighThreshold:
		return TierHigh
	case score >= MediumThreshold:
		return TierMedium
	default:
		return TierNone
	}
}

// LocationSimilarity compares two location strings case-insensitively
// after trimming. Equal locations score 1.0; anything else, including an
// absent side, scores the neutral 0.5.
func LocationSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0.5
	}
	if a == b {
		return 1.0
	}
	return 0.5
}

// Score combines a raw cosine-like similarity in [-1,1] with the location
// signal into a score clamped to [0,1].
func Score(rawSim float32, candidateLoc, queryLoc string) float64 {
	sim := (float64(rawSim) + 1) / 2
	loc := LocationSimilarity(candidateLoc, queryLoc)
	s := WeightEmbed*sim + WeightLocation*loc
	if s < 0 {
		s = 0
	} else if s > 1 {
		s = 1
	}
	return s
}

// Query searches ix for at most k candidates of the target kind, scored
// and ordered by descending combined score. Tombstoned rows and rows of
// the wrong kind are filtered out after the raw search; to keep dense
// deletions from starving live candidates, the raw fetch is widened by
// the current tombstone count.
func Query(ix *vecindex.Index, vec []float32, target domain.ReportKind, queryLoc string, k int) ([]domain.MatchCandidate, error) {
	raw := k + ix.Tombstones()
	hits, err := ix.Search(vec, raw)
	if err != nil {
		return nil, err
	}

	out := make([]domain.MatchCandidate, 0, k)
	for _, h := range hits {
		meta := ix.Meta(h.Pos)
		if meta.Deleted || meta.Kind != target {
			continue
		}
		out = append(out, domain.MatchCandidate{
			Meta:  meta,
			Score: Score(h.Sim, meta.Location, queryLoc),
		})
	}
	// Raw hits are ordered by similarity alone; the location term can
	// reorder neighbors.
	sortByScore(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Partition splits candidates into the high and medium confidence
// buckets, preserving order. Callers prefer high over medium.
func Partition(cands []domain.MatchCandidate) (high, medium []domain.MatchCandidate) {
	for _, c := range cands {
		switch TierOf(c.Score) {
		case TierHigh:
			high = append(high, c)
		case TierMedium:
			medium = append(medium, c)
		}
	}
	return high, medium
}

func sortByScore(cands []domain.MatchCandidate) {
	// Insertion sort: candidate sets are fan-out sized.
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0 && cands[j].Score > cands[j-1].Score; j-- {
			cands[j], cands[j-1] = cands[j-1], cands[j]
		}
	}
}
