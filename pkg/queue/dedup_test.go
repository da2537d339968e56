package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractKeywords(t *testing.T) {
	kw := ExtractKeywords("Refactor the module X, then refactor tests in module_b!")
	assert.Equal(t, Keywords{"refactor": 2, "module": 1, "tests": 1, "module_b": 1}, kw)
}

func TestExtractKeywordsStopWordsOnly(t *testing.T) {
	assert.Empty(t, ExtractKeywords("Check the task context for parent instructions"))
	assert.Empty(t, ExtractKeywords("a an to of"))
}

func TestExtractKeywordsCyrillic(t *testing.T) {
	kw := ExtractKeywords("Рефакторинг модуля ЁЖИК")
	assert.Equal(t, Keywords{"рефакторинг": 1, "модуля": 1, "ёжик": 1}, kw)
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{name: "identical", a: "refactor module X", b: "refactor module X", want: 1},
		{name: "disjoint", a: "write parser tests", b: "deploy dashboard service", want: 0},
		{name: "three of four shared", a: "alpha beta gamma delta", b: "alpha beta gamma epsilon", want: 0.675},
		{name: "two of four shared", a: "alpha beta gamma delta", b: "alpha beta epsilon zeta", want: 0.5*(2.0/6.0) + 0.5*0.5},
		{name: "empty side", a: "the and", b: "alpha beta", want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Similarity(ExtractKeywords(tc.a), ExtractKeywords(tc.b))
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

func TestSimilarityFrequencyWeighting(t *testing.T) {
	// Repeated shared words raise the frequency half of the score.
	once := Similarity(ExtractKeywords("cache layer rewrite"), ExtractKeywords("cache layer docs"))
	repeated := Similarity(ExtractKeywords("cache cache layer layer rewrite"), ExtractKeywords("cache cache layer layer docs"))
	assert.Greater(t, repeated, once)
}

func TestFindDuplicate(t *testing.T) {
	candidates := []candidate{
		{id: "t1", text: "deploy dashboard service"},
		{id: "t2", text: "alpha beta gamma delta"},
	}

	m, ok := findDuplicate("alpha beta gamma epsilon", candidates)
	require.True(t, ok)
	assert.Equal(t, "t2", m.id)
	assert.GreaterOrEqual(t, m.score, DuplicateThreshold)

	_, ok = findDuplicate("alpha beta epsilon zeta", candidates)
	assert.False(t, ok, "0.42 is below the threshold")

	_, ok = findDuplicate("check the task", []candidate{{id: "t3", text: "check the task"}})
	assert.False(t, ok, "a text without keywords never matches")
}
