// Package textsim scores textual relevance with bag-of-words cosine
// similarity.
package textsim

import (
	"math"
	"regexp"
	"strings"
)

var tokenRE = regexp.MustCompile(`[A-Za-z0-9']+`)

// Tokenize lowercases text and splits it into word tokens.
func Tokenize(text string) []string {
	return tokenRE.FindAllString(strings.ToLower(text), -1)
}

// Vector is a term-frequency vector with a cached norm.
type Vector struct {
	counts map[string]int
	norm   float64
}

// NewVector builds the term-frequency vector of text.
func NewVector(text string) Vector {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return Vector{}
	}
	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		counts[tok]++
	}
	var sq float64
	for _, c := range counts {
		sq += float64(c * c)
	}
	return Vector{counts: counts, norm: math.Sqrt(sq)}
}

// Empty reports whether the vector has no terms.
func (v Vector) Empty() bool { return len(v.counts) == 0 }

// Cosine returns the cosine similarity of a and b in [0, 1]. Empty vectors
// score 0.
func Cosine(a, b Vector) float64 {
	if a.Empty() || b.Empty() {
		return 0
	}
	if len(b.counts) < len(a.counts) {
		a, b = b, a
	}
	var dot int
	for tok, c := range a.counts {
		dot += c * b.counts[tok]
	}
	if dot == 0 {
		return 0
	}
	return float64(dot) / (a.norm * b.norm)
}

// Similarity tokenizes both texts and returns their cosine similarity.
func Similarity(a, b string) float64 {
	return Cosine(NewVector(a), NewVector(b))
}
