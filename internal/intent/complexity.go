// Package intent classifies user messages: a regex-based complexity
// detector decides between the fast single-tool path and the multi-step
// agent path, and an LLM classifier maps simple messages onto the known
// intent taxonomy.
package intent

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// minComplexLength is the message length below which everything is simple.
const minComplexLength = 10

// complexityPatterns match multi-step phrasing in German and English. A
// single hit makes the message complex.
var complexityPatterns = []*regexp.Regexp{
	// Conditionals.
	regexp.MustCompile(`(?i)\bwenn\b.+\bdann\b`),
	regexp.MustCompile(`(?i)\bfalls\b.+\bdann\b`),
	regexp.MustCompile(`(?i)\bif\b.+\bthen\b`),

	// Sequences.
	regexp.MustCompile(`(?i)\bund dann\b`),
	regexp.MustCompile(`(?i)\bdanach\b`),
	regexp.MustCompile(`(?i)\banschließend\b`),
	regexp.MustCompile(`(?i)\band then\b`),
	regexp.MustCompile(`(?i)\bafterwards?\b`),
	regexp.MustCompile(`(?i)\bfirst\b.+\bthen\b`),
	regexp.MustCompile(`(?i)\bzuerst\b.+\bdann\b`),

	// Threshold comparisons.
	regexp.MustCompile(`(?i)\b(wärmer|kälter|größer|kleiner|mehr|weniger|höher|niedriger)\s+als\b`),
	regexp.MustCompile(`(?i)\b(warmer|colder|greater|larger|smaller|higher|lower|more|less)\s+than\b`),
	regexp.MustCompile(`(?i)\b(über|unter|above|below)\s+\d`),

	// Multi-action: two action verbs joined by a conjunction.
	regexp.MustCompile(`(?i)\b(schalte|mach|stelle|öffne|schließe|dimme|spiele|starte|stoppe)\b.+\b(und|sowie)\b.+\b(schalte|mach|stelle|öffne|schließe|dimme|spiele|starte|stoppe)\b`),
	regexp.MustCompile(`(?i)\b(turn|switch|set|open|close|dim|play|start|stop)\b.+\band\b.+\b(turn|switch|set|open|close|dim|play|start|stop)\b`),

	// Compound questions: two question words joined.
	regexp.MustCompile(`(?i)\b(wie|was|wann|wo|warum|wer)\b.+\b(und|oder)\b.+\b(wie|was|wann|wo|warum|wer)\b`),
	regexp.MustCompile(`(?i)\b(how|what|when|where|why|who)\b.+\b(and|or)\b.+\b(how|what|when|where|why|who)\b`),
}

// IsComplex reports whether a message needs the multi-step agent path.
// Pure function; no LLM involved.
func IsComplex(message string) bool {
	message = strings.TrimSpace(message)
	if utf8.RuneCountInString(message) < minComplexLength {
		return false
	}
	for _, p := range complexityPatterns {
		if p.MatchString(message) {
			return true
		}
	}
	return false
}
