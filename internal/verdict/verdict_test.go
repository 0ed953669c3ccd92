package verdict

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jesuslovei/memory-check-drive/internal/catalog"
)

type fixedScorer map[string]float64

func (f fixedScorer) Similarity(_, reference string) float64 { return f[reference] }

func ptr(i int) *int { return &i }

func loveCatalog() *catalog.Catalog {
	return catalog.New([]catalog.Verse{
		{ID: "V1", Text: map[string]string{"kr": "사랑은 오래 참고", "en": "love is patient"}},
		{ID: "V2", Text: map[string]string{"kr": "사랑은 온유하며", "en": "love is kind"}},
		{ID: "V3", Text: map[string]string{"kr": "시기하지 아니하며", "en": "it does not envy"}},
	}, catalog.Partition{})
}

func newEngine(t *testing.T, scorer fixedScorer) *Engine {
	t.Helper()
	var e *Engine
	var err error
	if scorer == nil {
		e, err = NewEngine(loveCatalog(), nil, 0.85, []string{"kr", "en"})
	} else {
		e, err = NewEngine(loveCatalog(), scorer, 0.85, []string{"kr", "en"})
	}
	require.NoError(t, err)
	return e
}

func TestGradeSingleVerseExact(t *testing.T) {
	t.Parallel()

	e := newEngine(t, nil)
	v, err := e.Grade("사랑은 오래참고", "kr", ptr(0))
	require.NoError(t, err)
	require.Len(t, v.Scores, 1)
	assert.Equal(t, "V1", v.Scores[0].VerseID)
	assert.InDelta(t, 1.0, v.Scores[0].Score, 1e-12)
	assert.True(t, v.Passed)
}

func TestGradeUnrelatedFails(t *testing.T) {
	t.Parallel()

	e := newEngine(t, nil)
	v, err := e.Grade("hello world", "en", ptr(0))
	require.NoError(t, err)
	require.Len(t, v.Scores, 1)
	assert.Less(t, v.Scores[0].Score, 0.2)
	assert.False(t, v.Passed)
}

func TestGradeThresholdBoundary(t *testing.T) {
	t.Parallel()

	at := newEngine(t, fixedScorer{"love is patient": 0.85})
	v, err := at.Grade("x", "en", ptr(0))
	require.NoError(t, err)
	assert.True(t, v.Passed, "score equal to threshold must pass")

	below := newEngine(t, fixedScorer{"love is patient": math.Nextafter(0.85, 0)})
	v, err = below.Grade("x", "en", ptr(0))
	require.NoError(t, err)
	assert.False(t, v.Passed, "score one ulp below threshold must fail")
}

func TestGradeDecidesOnUnroundedScore(t *testing.T) {
	t.Parallel()

	e := newEngine(t, fixedScorer{"love is patient": 0.8496})
	v, err := e.Grade("x", "en", ptr(0))
	require.NoError(t, err)
	assert.InDelta(t, 0.85, v.Scores[0].Score, 1e-12)
	assert.False(t, v.Passed)
}

func TestGradeAllVerses(t *testing.T) {
	t.Parallel()

	e := newEngine(t, fixedScorer{
		"love is patient":  0.99,
		"love is kind":     0.91,
		"it does not envy": 0.86,
	})
	v, err := e.Grade("x", "en", nil)
	require.NoError(t, err)
	require.Len(t, v.Scores, 3)
	assert.Equal(t, []string{"V1", "V2", "V3"}, []string{v.Scores[0].VerseID, v.Scores[1].VerseID, v.Scores[2].VerseID})
	assert.True(t, v.Passed)

	oneLow := newEngine(t, fixedScorer{
		"love is patient":  0.99,
		"love is kind":     0.40,
		"it does not envy": 0.99,
	})
	v, err = oneLow.Grade("x", "en", nil)
	require.NoError(t, err)
	assert.False(t, v.Passed)
}

func TestGradeRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	e := newEngine(t, nil)
	tests := []struct {
		name  string
		lang  string
		scope *int
		field string
	}{
		{name: "unknown language", lang: "jp", scope: ptr(0), field: "lang"},
		{name: "empty language", lang: "", scope: nil, field: "lang"},
		{name: "scope past end", lang: "kr", scope: ptr(3), field: "verse"},
		{name: "negative scope", lang: "kr", scope: ptr(-1), field: "verse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := e.Grade("사랑은", tt.lang, tt.scope)
			var inv *InvalidInputError
			require.True(t, errors.As(err, &inv), "got %v", err)
			assert.Equal(t, tt.field, inv.Field)
		})
	}
}

func TestLabel(t *testing.T) {
	t.Parallel()

	e := newEngine(t, nil)
	assert.Equal(t, "all", e.Label(nil))
	assert.Equal(t, "V2", e.Label(ptr(1)))
}

func TestNewEngineValidates(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(nil, nil, 0.85, []string{"kr"})
	require.Error(t, err)
	_, err = NewEngine(loveCatalog(), nil, 1.5, []string{"kr"})
	require.Error(t, err)
	_, err = NewEngine(loveCatalog(), nil, 0.85, nil)
	require.Error(t, err)
}
