package queue

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DuplicateThreshold is the similarity at or above which two task texts are
// considered the same piece of work.
const DuplicateThreshold = 0.55

var wordRe = regexp.MustCompile(`[a-zA-Zа-яА-ЯёЁ0-9_]+`)

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		the a an is are was were be been being
		have has had do does did will would could
		should may might shall can need must
		and or but if then else when where how
		what which who whom this that these those
		for from with into to in on at by of
		not no nor so too very just also
		it its my your our their his her
		all each every both few more most other
		some such only own same than any
		use using used make ensure check task
		begin_parent_context end_parent_context reference material
		instructions context parent`) {
		stopWords[w] = struct{}{}
	}
}

// Keywords is a multiset of significant words.
type Keywords map[string]int

// ExtractKeywords lowercases text, splits it into word tokens, and keeps
// tokens longer than two characters that are not stop words.
func ExtractKeywords(text string) Keywords {
	kw := Keywords{}
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if utf8.RuneCountInString(w) <= 2 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		kw[w]++
	}
	return kw
}

// Similarity blends set overlap (Jaccard) with frequency overlap, weighting
// each by half. Either side empty yields 0.
func Similarity(a, b Keywords) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	var shared, union, sharedWeight, totalWeight int
	for k, ca := range a {
		totalWeight += ca
		if cb, ok := b[k]; ok {
			shared++
			sharedWeight += min(ca, cb)
		}
	}
	for _, cb := range b {
		totalWeight += cb
	}
	union = len(a) + len(b) - shared
	if union == 0 || totalWeight == 0 {
		return 0
	}

	jaccard := float64(shared) / float64(union)
	freq := float64(2*sharedWeight) / float64(totalWeight)
	return 0.5*jaccard + 0.5*freq
}

// match is a dedup hit.
type match struct {
	id    string
	score float64
}

// findDuplicate returns the first candidate whose text scores at or above
// DuplicateThreshold against text. A text with no keywords never matches.
func findDuplicate(text string, candidates []candidate) (match, bool) {
	kw := ExtractKeywords(text)
	if len(kw) == 0 {
		return match{}, false
	}
	for _, c := range candidates {
		if s := Similarity(kw, ExtractKeywords(c.text)); s >= DuplicateThreshold {
			return match{id: c.id, score: s}, true
		}
	}
	return match{}, false
}

type candidate struct {
	id   string
	text string
}
