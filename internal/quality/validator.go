package quality

import (
	"fmt"
	"regexp"
	"strings"
)

// CheckResult is the outcome of a single validation check.
type CheckResult struct {
	Name       string   `json:"name"`
	Passed     bool     `json:"passed"`
	Confidence float64  `json:"confidence"`
	Errors     []string `json:"errors,omitempty"`
}

// ValidationReport aggregates the individual checks. Passed requires the
// mean confidence to reach the threshold with zero errors across checks.
type ValidationReport struct {
	Checks         []CheckResult `json:"checks"`
	Passed         bool          `json:"passed"`
	MeanConfidence float64       `json:"mean_confidence"`
}

// QualityScore folds the report into the segment scoring scale: the mean
// confidence weighted against the quality band the pass/fail outcome maps
// to.
func (r ValidationReport) QualityScore() float64 {
	band := qualityWeights[QualityLow]
	if r.Passed {
		band = qualityWeights[QualityHigh]
	}
	return 0.7*r.MeanConfidence + 0.3*band
}

// Errors flattens the check errors.
func (r ValidationReport) Errors() []string {
	var out []string
	for _, c := range r.Checks {
		out = append(out, c.Errors...)
	}
	return out
}

// ResponseValidator runs the five response checks: hallucination,
// consistency, completeness, relevance, and factual accuracy.
type ResponseValidator struct {
	threshold float64
}

// NewResponseValidator builds a validator. threshold <= 0 falls back to the
// default of 0.6.
func NewResponseValidator(threshold float64) *ResponseValidator {
	if threshold <= 0 {
		threshold = DefaultRelevanceThreshold
	}
	return &ResponseValidator{threshold: threshold}
}

// ValidationInput carries everything a validation pass needs.
type ValidationInput struct {
	Response string
	Query    string
	// Sources are the context passages the response was drawn from.
	Sources []string
	// PriorValidated are earlier assistant statements that already passed
	// validation in this conversation.
	PriorValidated []string
}

// Validate runs every check and aggregates the report.
func (v *ResponseValidator) Validate(in ValidationInput) ValidationReport {
	checks := []CheckResult{
		v.checkHallucination(in),
		v.checkConsistency(in),
		v.checkCompleteness(in),
		v.checkRelevance(in),
		v.checkFactualAccuracy(in),
	}

	var sum float64
	errFree := true
	for _, c := range checks {
		sum += c.Confidence
		if len(c.Errors) > 0 {
			errFree = false
		}
	}
	mean := sum / float64(len(checks))

	return ValidationReport{
		Checks:         checks,
		MeanConfidence: mean,
		Passed:         errFree && mean >= v.threshold,
	}
}

var hallucinationFlags = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bas an ai\b`),
	regexp.MustCompile(`(?i)\bi don't have access to\b`),
	regexp.MustCompile(`(?i)\bi (?:cannot|can't) (?:browse|access)\b`),
	regexp.MustCompile(`(?i)\bknowledge cutoff\b`),
}

// checkHallucination flags boilerplate disclaimers and measures how many
// response sentences have no support in the sources.
func (v *ResponseValidator) checkHallucination(in ValidationInput) CheckResult {
	res := CheckResult{Name: "hallucination", Passed: true, Confidence: 1.0}

	for _, re := range hallucinationFlags {
		if re.MatchString(in.Response) {
			res.Passed = false
			res.Confidence = 0.1
			res.Errors = append(res.Errors, fmt.Sprintf("response contains disclaimer pattern %q", re.String()))
			return res
		}
	}
	if len(in.Sources) == 0 {
		// Nothing to ground against; stay neutral rather than failing.
		res.Confidence = 0.5
		return res
	}

	sourceTokens := wordSet(strings.Join(in.Sources, " "))
	sentences := splitSentences(in.Response)
	if len(sentences) == 0 {
		res.Confidence = 0.5
		return res
	}
	unsupported := 0
	for _, sent := range sentences {
		if overlapRatio(wordSet(sent), sourceTokens) < 0.3 {
			unsupported++
		}
	}
	ratio := float64(unsupported) / float64(len(sentences))
	res.Confidence = 1.0 - ratio
	if ratio > 0.5 {
		res.Passed = false
		res.Errors = append(res.Errors,
			fmt.Sprintf("%d of %d sentences lack source support", unsupported, len(sentences)))
	}
	return res
}

// checkConsistency compares the response against statements that already
// passed validation earlier in the conversation.
func (v *ResponseValidator) checkConsistency(in ValidationInput) CheckResult {
	res := CheckResult{Name: "consistency", Passed: true, Confidence: 1.0}
	for _, prior := range in.PriorValidated {
		if Contradicts(in.Response, prior) {
			res.Passed = false
			res.Confidence = 0.2
			res.Errors = append(res.Errors, "response contradicts an earlier validated answer")
			return res
		}
	}
	return res
}

var queryStopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "what": {}, "which": {},
	"who": {}, "how": {}, "where": {}, "when": {}, "why": {}, "are": {},
	"was": {}, "were": {}, "does": {}, "about": {}, "tell": {}, "show": {},
	"please": {}, "can": {}, "you": {}, "all": {}, "any": {},
}

func queryKeywords(query string) []string {
	var out []string
	for w := range wordSet(query) {
		if _, stop := queryStopwords[w]; !stop {
			out = append(out, w)
		}
	}
	return out
}

// checkCompleteness measures how many of the query's content words the
// response addresses.
func (v *ResponseValidator) checkCompleteness(in ValidationInput) CheckResult {
	res := CheckResult{Name: "completeness", Passed: true, Confidence: 1.0}
	keywords := queryKeywords(in.Query)
	if len(keywords) == 0 {
		return res
	}
	respTokens := wordSet(in.Response)
	covered := 0
	for _, kw := range keywords {
		if _, ok := respTokens[kw]; ok {
			covered++
		}
	}
	coverage := float64(covered) / float64(len(keywords))
	res.Confidence = 0.4 + 0.6*coverage
	if coverage < 0.3 {
		res.Passed = false
		res.Errors = append(res.Errors,
			fmt.Sprintf("response covers %d of %d query terms", covered, len(keywords)))
	}
	return res
}

// checkRelevance measures token overlap between the response and the
// combined query plus sources.
func (v *ResponseValidator) checkRelevance(in ValidationInput) CheckResult {
	res := CheckResult{Name: "relevance", Passed: true, Confidence: 1.0}
	reference := in.Query + " " + strings.Join(in.Sources, " ")
	refTokens := wordSet(reference)
	respTokens := wordSet(in.Response)
	if len(respTokens) == 0 || len(refTokens) == 0 {
		res.Confidence = 0.5
		return res
	}
	overlap := overlapRatio(respTokens, refTokens)
	res.Confidence = 0.3 + 0.7*overlap
	if overlap < 0.2 {
		res.Passed = false
		res.Errors = append(res.Errors, "response shares almost no vocabulary with the query or sources")
	}
	return res
}

// checkFactualAccuracy verifies that numbers stated in the response appear
// somewhere in the sources.
func (v *ResponseValidator) checkFactualAccuracy(in ValidationInput) CheckResult {
	res := CheckResult{Name: "factual_accuracy", Passed: true, Confidence: 1.0}
	nums := numberPattern.FindAllString(in.Response, -1)
	if len(nums) == 0 || len(in.Sources) == 0 {
		return res
	}
	sourceNums := make(map[string]struct{})
	for _, src := range in.Sources {
		for _, n := range numberPattern.FindAllString(src, -1) {
			sourceNums[n] = struct{}{}
		}
	}
	supported := 0
	for _, n := range nums {
		if _, ok := sourceNums[n]; ok {
			supported++
		}
	}
	ratio := float64(supported) / float64(len(nums))
	res.Confidence = 0.3 + 0.7*ratio
	if ratio < 0.5 {
		res.Passed = false
		res.Errors = append(res.Errors,
			fmt.Sprintf("%d of %d numeric claims not found in sources", len(nums)-supported, len(nums)))
	}
	return res
}

var sentenceSplit = regexp.MustCompile(`[.!?]+\s+`)

func splitSentences(text string) []string {
	var out []string
	for _, s := range sentenceSplit.Split(strings.TrimSpace(text), -1) {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
