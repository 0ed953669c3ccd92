// Package scoring compares a transcript against reference text.
package scoring

import (
	"fmt"
	"math"

	"github.com/hbollon/go-edlib"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/jesuslovei/memory-check-drive/internal/textnorm"
)

const (
	AlgorithmSequence = "sequence"
	AlgorithmLCS      = "lcs"
)

// Scorer returns a similarity ratio in [0,1]. Implementations normalize
// their inputs; callers pass raw transcript and reference text.
type Scorer interface {
	Similarity(transcript, reference string) float64
}

// New returns the scorer registered under algorithm.
func New(algorithm string) (Scorer, error) {
	switch algorithm {
	case "", AlgorithmSequence:
		return SequenceScorer{}, nil
	case AlgorithmLCS:
		return LCSScorer{}, nil
	default:
		return nil, fmt.Errorf("unknown scoring algorithm %q", algorithm)
	}
}

// SequenceScorer computes the Ratcliff/Obershelp ratio 2*M/T, where M is the
// number of characters in matching blocks found by repeatedly taking the
// longest common substring. Long contiguous runs score higher than scattered
// matches, which keeps dropped or inserted syllables from dominating.
//
// The ratio depends on argument order when blocks tie; callers always pass
// (transcript, reference).
type SequenceScorer struct{}

func (SequenceScorer) Similarity(transcript, reference string) float64 {
	a := splitRunes(textnorm.Normalize(transcript))
	b := splitRunes(textnorm.Normalize(reference))
	return clamp(difflib.NewMatcher(a, b).Ratio())
}

// LCSScorer computes 2*L/T with L the longest common subsequence length.
type LCSScorer struct{}

func (LCSScorer) Similarity(transcript, reference string) float64 {
	a := textnorm.Normalize(transcript)
	b := textnorm.Normalize(reference)
	total := len([]rune(a)) + len([]rune(b))
	if total == 0 {
		return 1
	}
	return clamp(2 * float64(edlib.LCS(a, b)) / float64(total))
}

// Similarity scores with the default sequence matcher.
func Similarity(transcript, reference string) float64 {
	return SequenceScorer{}.Similarity(transcript, reference)
}

// Round reports a score to three decimal places. Pass/fail decisions use
// the unrounded value.
func Round(score float64) float64 {
	return math.Round(score*1000) / 1000
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
