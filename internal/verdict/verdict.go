// Package verdict grades a transcript against the verse catalog.
package verdict

import (
	"fmt"
	"slices"

	"github.com/jesuslovei/memory-check-drive/internal/catalog"
	"github.com/jesuslovei/memory-check-drive/internal/scoring"
)

// InvalidInputError rejects a submission before any side effect happens.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ScoreResult is one verse comparison. Score is rounded for reporting.
type ScoreResult struct {
	VerseID string  `json:"verse"`
	Score   float64 `json:"score"`
}

// Verdict holds the scores in catalog order and whether all of them met the threshold.
type Verdict struct {
	Scores []ScoreResult `json:"scores"`
	Passed bool          `json:"passed"`
}

// Engine compares transcripts against a fixed catalog.
type Engine struct {
	catalog   *catalog.Catalog
	scorer    scoring.Scorer
	threshold float64
	languages []string
}

// NewEngine builds an engine. A nil scorer uses the sequence matcher.
func NewEngine(c *catalog.Catalog, scorer scoring.Scorer, threshold float64, languages []string) (*Engine, error) {
	if c == nil || c.Len() == 0 {
		return nil, fmt.Errorf("verdict engine requires a non-empty catalog")
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be in [0,1], got %v", threshold)
	}
	if len(languages) == 0 {
		return nil, fmt.Errorf("at least one supported language is required")
	}
	if scorer == nil {
		scorer = scoring.SequenceScorer{}
	}
	return &Engine{
		catalog:   c,
		scorer:    scorer,
		threshold: threshold,
		languages: slices.Clone(languages),
	}, nil
}

func (e *Engine) Threshold() float64 { return e.threshold }

func (e *Engine) Languages() []string { return slices.Clone(e.languages) }

func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Validate checks language and scope without scoring anything.
func (e *Engine) Validate(language string, scope *int) error {
	if !slices.Contains(e.languages, language) {
		return &InvalidInputError{Field: "lang", Reason: fmt.Sprintf("%q is not one of %v", language, e.languages)}
	}
	if scope != nil {
		if *scope < 0 || *scope >= e.catalog.Len() {
			return &InvalidInputError{Field: "verse", Reason: fmt.Sprintf("index %d outside [0,%d)", *scope, e.catalog.Len())}
		}
	}
	return nil
}

// Grade scores transcript against the scoped verse, or every verse when scope is nil.
// The threshold comparison uses the unrounded score.
func (e *Engine) Grade(transcript, language string, scope *int) (Verdict, error) {
	if err := e.Validate(language, scope); err != nil {
		return Verdict{}, err
	}

	verses := e.catalog.Verses()
	if scope != nil {
		verses = verses[*scope : *scope+1]
	}

	out := Verdict{Scores: make([]ScoreResult, 0, len(verses)), Passed: true}
	for _, v := range verses {
		score := e.scorer.Similarity(transcript, v.TextFor(language))
		if score < e.threshold {
			out.Passed = false
		}
		out.Scores = append(out.Scores, ScoreResult{VerseID: v.ID, Score: scoring.Round(score)})
	}
	return out, nil
}

// Label names the verse scope for filenames and ledger rows.
func (e *Engine) Label(scope *int) string {
	if scope == nil {
		return "all"
	}
	if v, ok := e.catalog.Verse(*scope); ok {
		return v.ID
	}
	return "all"
}
