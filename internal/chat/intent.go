package chat

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Intent is a classified message intent.
type Intent string

const (
	IntentGreeting      Intent = "greeting"
	IntentQuestion      Intent = "question"
	IntentSearch        Intent = "search"
	IntentComparison    Intent = "comparison"
	IntentExplanation   Intent = "explanation"
	IntentHelp          Intent = "help"
	IntentGoodbye       Intent = "goodbye"
	IntentClarification Intent = "clarification"
	IntentFollowUp      Intent = "follow_up"
)

// searchable reports whether the intent routes to the search phase.
func (i Intent) searchable() bool {
	switch i {
	case IntentQuestion, IntentSearch, IntentComparison, IntentExplanation, IntentFollowUp:
		return true
	}
	return false
}

// intentPatterns are evaluated in order; the first match wins. Specific
// cues come before the broad question catch-all.
var intentPatterns = []struct {
	intent Intent
	re     *regexp.Regexp
}{
	{IntentGoodbye, regexp.MustCompile(`(?i)\b(?:bye|goodbye|see you|farewell|that'?s all|quit|exit)\b`)},
	{IntentGreeting, regexp.MustCompile(`(?i)^\s*(?:hi|hello|hey|good (?:morning|afternoon|evening))\b`)},
	{IntentHelp, regexp.MustCompile(`(?i)\b(?:help|what can you do|how do i use)\b`)},
	{IntentClarification, regexp.MustCompile(`(?i)\b(?:what do you mean|can you clarify|i (?:don'?t|do not) understand|could you rephrase)\b`)},
	{IntentFollowUp, regexp.MustCompile(`(?i)^\s*(?:tell me more|more about|what about|and (?:what|how|the)|also)\b`)},
	{IntentComparison, regexp.MustCompile(`(?i)\b(?:compare|versus|vs\.?|difference between)\b`)},
	{IntentExplanation, regexp.MustCompile(`(?i)\b(?:explain|why (?:is|are|does|do|did)|how does|what causes)\b`)},
	{IntentSearch, regexp.MustCompile(`(?i)\b(?:find|search|look up|show me|list all|list the)\b`)},
	{IntentQuestion, regexp.MustCompile(`(?i)^\s*(?:what|who|when|where|which|how|is|are|does|do|can|did)\b`)},
}

// Classify maps a message to an intent. Unmatched messages default to
// question, which routes to search.
func Classify(message string) Intent {
	for _, p := range intentPatterns {
		if p.re.MatchString(message) {
			return p.intent
		}
	}
	return IntentQuestion
}

// anaphoricPrefixes mark a message as referring back to an earlier topic.
var anaphoricPrefixes = []string{
	"tell me more", "for floor", "those", "these", "what about", "and the",
	"more about", "it", "that one",
}

const contextualTokenLimit = 4

// IsContextual reports whether a message leans on earlier turns: very short
// with prior history, or starting with an anaphoric phrase.
func IsContextual(message string, hasHistory bool) bool {
	trimmed := strings.ToLower(strings.TrimSpace(message))
	if hasHistory && len(strings.Fields(trimmed)) <= contextualTokenLimit {
		return true
	}
	for _, prefix := range anaphoricPrefixes {
		if hasPrefixWord(trimmed, prefix) {
			return true
		}
	}
	return false
}

// hasPrefixWord reports whether s starts with prefix ending on a word
// boundary, so "it" matches "it overheated" but not "iterate".
func hasPrefixWord(s, prefix string) bool {
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	if len(s) == len(prefix) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[len(prefix):])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

var entityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bBuilding [A-Z]\b`),
	regexp.MustCompile(`\bFloor \d+\b`),
	regexp.MustCompile(`\bINC\d{6}\b`),
	// Capitalized multiword names like "Chiller Plant Two".
	regexp.MustCompile(`\b[A-Z][a-z]+(?: [A-Z][a-z0-9]+)+\b`),
}

// ExtractEntities harvests topic entities from a message, in order of
// appearance, deduplicated.
func ExtractEntities(message string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, re := range entityPatterns {
		for _, m := range re.FindAllString(message, -1) {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// Enrich appends stored topic entities to a contextual query so retrieval
// has a concrete subject to work with.
func Enrich(message string, entities []string) string {
	if len(entities) == 0 {
		return message
	}
	keep := entities
	if len(keep) > 3 {
		keep = keep[:3]
	}
	return strings.TrimSpace(message) + " " + strings.Join(keep, " ")
}
