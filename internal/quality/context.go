// Package quality guards the answer path: it assembles trustworthy context
// from history and search results, validates drafted responses, and resolves
// conflicts between retrieval attempts.
package quality

import (
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Quality grades a context segment.
type Quality string

const (
	QualityHigh       Quality = "high"
	QualityMedium     Quality = "medium"
	QualityLow        Quality = "low"
	QualityConflicted Quality = "conflicted"
	QualityPoisoned   Quality = "poisoned"
)

var qualityWeights = map[Quality]float64{
	QualityHigh:       1.0,
	QualityMedium:     0.7,
	QualityLow:        0.4,
	QualityConflicted: 0.2,
	QualityPoisoned:   0.0,
}

// Purpose names what the assembled context is for.
type Purpose string

const (
	PurposeResponse   Purpose = "response"
	PurposeSearch     Purpose = "search"
	PurposeValidation Purpose = "validation"
	PurposeGeneral    Purpose = "general"
)

// Defaults for the context gate.
const (
	DefaultRelevanceThreshold = 0.6
	DefaultMaxContextTokens   = 4000
	DefaultValidatedKeep      = 50
)

// Segment is one candidate piece of context.
type Segment struct {
	Content   string
	Source    string
	Relevance float64
	Quality   Quality
	Validated bool
}

// Score is the segment's assembly rank: relevance dominates, quality grade
// moderates.
func (s Segment) Score() float64 {
	return 0.7*s.Relevance + 0.3*qualityWeights[s.Quality]
}

// Built is an assembled context.
type Built struct {
	Purpose     Purpose
	Segments    []Segment
	TotalTokens int
	Dropped     int
	Quarantined int
}

// Text joins the assembled segments.
func (b Built) Text() string {
	parts := make([]string, len(b.Segments))
	for i, s := range b.Segments {
		parts[i] = s.Content
	}
	return strings.Join(parts, "\n\n")
}

// defaultRedFlags match content that should never appear inside retrieved
// context; a hit quarantines the segment.
var defaultRedFlags = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bas an ai (?:language )?model\b`),
	regexp.MustCompile(`(?i)\bi (?:cannot|can't) access\b`),
	regexp.MustCompile(`(?i)\bignore (?:all )?previous instructions\b`),
	regexp.MustCompile(`(?i)\bsystem prompt\b`),
}

// ContextManager builds per-purpose context windows with relevance
// filtering, dedup, poisoning quarantine, and a token cap. Safe for
// concurrent use.
type ContextManager struct {
	mu         sync.Mutex
	logger     *slog.Logger
	threshold  float64
	maxTokens  int
	redFlags   []*regexp.Regexp
	quarantine map[string]struct{} // md5 of content
	validated  []Segment
}

// NewContextManager creates a manager with the default gates.
func NewContextManager(logger *slog.Logger) *ContextManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextManager{
		logger:     logger,
		threshold:  DefaultRelevanceThreshold,
		maxTokens:  DefaultMaxContextTokens,
		redFlags:   defaultRedFlags,
		quarantine: make(map[string]struct{}),
	}
}

// SetMaxTokens overrides the assembly cap.
func (cm *ContextManager) SetMaxTokens(n int) {
	if n > 0 {
		cm.mu.Lock()
		cm.maxTokens = n
		cm.mu.Unlock()
	}
}

// Build assembles the best segments for a purpose. Candidates below the
// relevance threshold, duplicates, quarantined content, and freshly detected
// poisoning are dropped; survivors are ranked by score and packed under the
// token cap.
func (cm *ContextManager) Build(purpose Purpose, candidates []Segment) Built {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	out := Built{Purpose: purpose}
	seen := make(map[string]struct{})
	var kept []Segment

	for _, seg := range candidates {
		if strings.TrimSpace(seg.Content) == "" {
			out.Dropped++
			continue
		}
		if seg.Relevance < cm.threshold {
			out.Dropped++
			continue
		}
		sum := contentHash(seg.Content)
		if _, dup := seen[sum]; dup {
			out.Dropped++
			continue
		}
		if _, bad := cm.quarantine[sum]; bad {
			out.Quarantined++
			continue
		}
		if cm.poisonedLocked(seg) {
			cm.quarantine[sum] = struct{}{}
			out.Quarantined++
			cm.logger.Warn("quarantined poisoned context segment",
				slog.String("source", seg.Source))
			continue
		}
		if seg.Quality == "" {
			seg.Quality = QualityMedium
		}
		seen[sum] = struct{}{}
		kept = append(kept, seg)
	}

	sort.SliceStable(kept, func(a, b int) bool {
		return kept[a].Score() > kept[b].Score()
	})

	for _, seg := range kept {
		tokens := tokenCount(seg.Content)
		if out.TotalTokens+tokens > cm.maxTokens && len(out.Segments) > 0 {
			out.Dropped++
			continue
		}
		out.Segments = append(out.Segments, seg)
		out.TotalTokens += tokens
	}
	return out
}

// poisonedLocked reports whether a segment trips a red flag or contradicts
// a previously validated statement.
func (cm *ContextManager) poisonedLocked(seg Segment) bool {
	for _, re := range cm.redFlags {
		if re.MatchString(seg.Content) {
			return true
		}
	}
	for _, prior := range cm.validated {
		if Contradicts(seg.Content, prior.Content) {
			return true
		}
	}
	return false
}

// RecordValidated remembers a statement that passed validation; future
// segments contradicting it are treated as poisoned.
func (cm *ContextManager) RecordValidated(seg Segment) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	seg.Validated = true
	cm.validated = append(cm.validated, seg)
	if len(cm.validated) > DefaultValidatedKeep {
		cm.validated = cm.validated[len(cm.validated)-DefaultValidatedKeep:]
	}
}

// Quarantine marks content as poisoned by hash.
func (cm *ContextManager) Quarantine(content string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.quarantine[contentHash(content)] = struct{}{}
}

// QuarantineLen reports how many hashes are quarantined.
func (cm *ContextManager) QuarantineLen() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.quarantine)
}

func contentHash(content string) string {
	sum := md5.Sum([]byte(strings.TrimSpace(strings.ToLower(content))))
	return hex.EncodeToString(sum[:])
}

// tokenCount estimates tokens by whitespace split.
func tokenCount(text string) int {
	return len(strings.Fields(text))
}

var numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

var negationPattern = regexp.MustCompile(`(?i)\b(?:not|no|never|isn't|aren't|wasn't|don't|doesn't|cannot|can't)\b`)

// Contradicts reports whether two statements about the same subject
// disagree: same tokens with divergent numbers, or a negation/affirmation
// pair over heavily overlapping content.
func Contradicts(a, b string) bool {
	aTokens, bTokens := wordSet(a), wordSet(b)
	overlap := overlapRatio(aTokens, bTokens)
	if overlap < 0.5 {
		return false
	}

	aNums, bNums := numberPattern.FindAllString(a, -1), numberPattern.FindAllString(b, -1)
	if len(aNums) > 0 && len(bNums) > 0 && !sameStrings(aNums, bNums) {
		return true
	}

	return negationPattern.MatchString(a) != negationPattern.MatchString(b)
}

func wordSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) > 2 && !negationPattern.MatchString(w) && !numberPattern.MatchString(w) {
			out[w] = struct{}{}
		}
	}
	return out
}

func overlapRatio(a, b map[string]struct{}) float64 {
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	if len(small) == 0 {
		return 0
	}
	n := 0
	for w := range small {
		if _, ok := large[w]; ok {
			n++
		}
	}
	return float64(n) / float64(len(small))
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
