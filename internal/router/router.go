// Package router decides, per question, how aggressively to focus extraction.
package router

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Mode is a terminal routing decision.
type Mode string

const (
	ModeObjectiveOnly         Mode = "objective_only"
	ModeGenerateSearchQueries Mode = "generate_search_queries"
)

// Thresholds used by the heuristics.
const (
	ShortWordLimit       = 9
	ShortCharLimit       = 60
	AmbiguousWordLimit   = 12
	KeywordishWordLimit  = 3
	KeywordishCharLimit  = 30
	ManySourcesThreshold = 5
)

// Reasons for decisions that do not list fired signals.
const (
	ReasonNoSources  = "no sources"
	ReasonSufficient = "heuristics indicate objective-only is sufficient"
)

var (
	ambiguousPattern = regexp.MustCompile(`(?i)\b(it|they|this|that|these|those|there|here)\b`)
	broadPattern     = regexp.MustCompile(`(?i)\b(compare|comparison|overview|summarize|summary|pros and cons|tradeoffs|everything about|all about|list|bullet|timeline|pricing)\b`)
)

// Signals are the features computed from a question and the active source count.
type Signals struct {
	WordCount     int  `json:"word_count"`
	CharCount     int  `json:"char_count"`
	ActiveSources int  `json:"active_sources"`
	Short         bool `json:"short"`
	Ambiguous     bool `json:"ambiguous"`
	Keywordish    bool `json:"keywordish"`
	Broad         bool `json:"broad"`
	ManySources   bool `json:"many_sources"`
	NoSources     bool `json:"no_sources"`
}

// Fired returns the names of the signals that argue for query generation,
// in evaluation order.
func (s Signals) Fired() []string {
	var fired []string
	if s.Short {
		fired = append(fired, "short")
	}
	if s.Ambiguous {
		fired = append(fired, "ambiguous")
	}
	if s.Keywordish {
		fired = append(fired, "keywordish")
	}
	if s.Broad {
		fired = append(fired, "broad")
	}
	if s.ManySources {
		fired = append(fired, "many_sources")
	}
	return fired
}

// Decision is a routing outcome plus its audit trail.
type Decision struct {
	Mode    Mode    `json:"mode"`
	Reason  string  `json:"reason"`
	Signals Signals `json:"signals"`

	// Set once query generation has been attempted.
	RequestedMode    Mode     `json:"requested_mode,omitempty"`
	SearchQueries    []string `json:"search_queries,omitempty"`
	GenerationFailed bool     `json:"generation_failed,omitempty"`
	GenerationStatus string   `json:"generation_status,omitempty"`
}

// ComputeSignals derives routing signals from a question.
func ComputeSignals(question string, activeSources int) Signals {
	q := strings.Join(strings.Fields(question), " ")
	words := len(strings.Fields(q))
	chars := utf8.RuneCountInString(q)

	return Signals{
		WordCount:     words,
		CharCount:     chars,
		ActiveSources: activeSources,
		Short:         words < ShortWordLimit || chars < ShortCharLimit,
		Ambiguous:     words <= AmbiguousWordLimit && ambiguousPattern.MatchString(q),
		Keywordish:    words <= KeywordishWordLimit || (chars <= KeywordishCharLimit && !hasTerminalPunctuation(q)),
		Broad:         broadPattern.MatchString(q),
		ManySources:   activeSources > ManySourcesThreshold,
		NoSources:     activeSources == 0,
	}
}

// Decide picks an extraction strategy for a question.
func Decide(question string, activeSources int) Decision {
	s := ComputeSignals(question, activeSources)

	if s.NoSources {
		return Decision{Mode: ModeObjectiveOnly, Reason: ReasonNoSources, Signals: s}
	}
	if fired := s.Fired(); len(fired) > 0 {
		return Decision{Mode: ModeGenerateSearchQueries, Reason: strings.Join(fired, ", "), Signals: s}
	}
	return Decision{Mode: ModeObjectiveOnly, Reason: ReasonSufficient, Signals: s}
}

// WithGeneration applies the outcome of query generation. When generation
// was requested and produced no queries the effective mode falls back to
// objective-only and the decision is flagged.
func (d Decision) WithGeneration(queries []string, status string) Decision {
	if d.Mode != ModeGenerateSearchQueries {
		return d
	}

	d.RequestedMode = d.Mode
	d.GenerationStatus = status
	if len(queries) == 0 {
		d.Mode = ModeObjectiveOnly
		d.GenerationFailed = true
		d.SearchQueries = nil
		return d
	}
	d.SearchQueries = append([]string(nil), queries...)
	return d
}

// Audit serialises the decision for persistence with the chat query.
func (d Decision) Audit() (json.RawMessage, error) {
	return json.Marshal(d)
}

func hasTerminalPunctuation(q string) bool {
	r, _ := utf8.DecodeLastRuneInString(q)
	return r == '.' || r == '?' || r == '!'
}
