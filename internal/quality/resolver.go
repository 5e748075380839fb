package quality

import (
	"log/slog"
	"sort"
	"strings"
)

// RetrievedItem is one search hit considered during resolution.
type RetrievedItem struct {
	Content string
	Source  string
	Score   float64
}

// Resolution is the outcome of merging or arbitrating retrieval attempts.
type Resolution struct {
	Items []RetrievedItem
	// MergedFrom counts the attempts that fed the result.
	MergedFrom int
	// Conflicted is set when arbitration picked a winner instead of merging.
	Conflicted bool
	// Winner names the source group that won arbitration, if any.
	Winner string
}

// DefaultMergeLimit caps the merged result list.
const DefaultMergeLimit = 10

// ConflictResolver reconciles results from multiple retrieval attempts.
// When two attempts make contradictory claims from disjoint sources it picks
// the more reliable one; otherwise it merges and deduplicates.
type ConflictResolver struct {
	logger     *slog.Logger
	mergeLimit int
}

// NewConflictResolver builds a resolver with the default merge limit.
func NewConflictResolver(logger *slog.Logger) *ConflictResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConflictResolver{logger: logger, mergeLimit: DefaultMergeLimit}
}

// Resolve reconciles the attempts. Each inner slice is one retrieval
// attempt's results.
func (cr *ConflictResolver) Resolve(attempts [][]RetrievedItem) Resolution {
	var nonEmpty [][]RetrievedItem
	for _, a := range attempts {
		if len(a) > 0 {
			nonEmpty = append(nonEmpty, a)
		}
	}
	switch len(nonEmpty) {
	case 0:
		return Resolution{}
	case 1:
		return Resolution{Items: cr.trim(nonEmpty[0]), MergedFrom: 1}
	}

	if i, j, ok := cr.findConflict(nonEmpty); ok {
		wi, wj := attemptReliability(nonEmpty[i]), attemptReliability(nonEmpty[j])
		winner := i
		if wj > wi {
			winner = j
		}
		cr.logger.Warn("retrieval attempts conflict, arbitrating by source reliability",
			slog.String("winner", primarySource(nonEmpty[winner])))
		return Resolution{
			Items:      cr.trim(nonEmpty[winner]),
			MergedFrom: len(nonEmpty),
			Conflicted: true,
			Winner:     primarySource(nonEmpty[winner]),
		}
	}

	return Resolution{Items: cr.merge(nonEmpty), MergedFrom: len(nonEmpty)}
}

// findConflict looks for a contradictory pair of items from attempts with
// disjoint source sets.
func (cr *ConflictResolver) findConflict(attempts [][]RetrievedItem) (int, int, bool) {
	for i := 0; i < len(attempts); i++ {
		for j := i + 1; j < len(attempts); j++ {
			if sharesSource(attempts[i], attempts[j]) {
				continue
			}
			for _, a := range attempts[i] {
				for _, b := range attempts[j] {
					if Contradicts(a.Content, b.Content) {
						return i, j, true
					}
				}
			}
		}
	}
	return 0, 0, false
}

func sharesSource(a, b []RetrievedItem) bool {
	seen := make(map[string]struct{}, len(a))
	for _, it := range a {
		seen[it.Source] = struct{}{}
	}
	for _, it := range b {
		if _, ok := seen[it.Source]; ok {
			return true
		}
	}
	return false
}

// sourceReliability scores a source name; names signalling curation win
// arbitration.
func sourceReliability(source string) float64 {
	s := strings.ToLower(source)
	score := 0.5
	if strings.Contains(s, "official") {
		score += 0.3
	}
	if strings.Contains(s, "verified") {
		score += 0.2
	}
	return score
}

func attemptReliability(items []RetrievedItem) float64 {
	if len(items) == 0 {
		return 0
	}
	var sum float64
	for _, it := range items {
		sum += sourceReliability(it.Source)
	}
	return sum / float64(len(items))
}

func primarySource(items []RetrievedItem) string {
	if len(items) == 0 {
		return ""
	}
	return items[0].Source
}

// merge flattens the attempts, deduplicates by content hash keeping the
// higher score, and returns the top items.
func (cr *ConflictResolver) merge(attempts [][]RetrievedItem) []RetrievedItem {
	best := make(map[string]RetrievedItem)
	for _, attempt := range attempts {
		for _, it := range attempt {
			sum := contentHash(it.Content)
			if prev, ok := best[sum]; !ok || it.Score > prev.Score {
				best[sum] = it
			}
		}
	}
	out := make([]RetrievedItem, 0, len(best))
	for _, it := range best {
		out = append(out, it)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	return cr.trim(out)
}

func (cr *ConflictResolver) trim(items []RetrievedItem) []RetrievedItem {
	if len(items) > cr.mergeLimit {
		return items[:cr.mergeLimit]
	}
	return items
}
