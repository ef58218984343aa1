// Package lexical produces the fixed-width hashed term vectors used for the
// lexical half of hybrid retrieval. The encoding is deterministic: the same
// text yields the same vector in every process.
package lexical

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Dim is the fixed width of every lexical vector.
const Dim = 512

// Vector hashes the normalized terms of text into Dim buckets, accumulating
// per bucket, and L2-normalizes the result. Empty or term-free text yields
// the zero vector.
func Vector(text string) []float32 {
	vec := make([]float32, Dim)

	for _, term := range Terms(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(term))
		vec[h.Sum32()%Dim]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}

	return vec
}

// Terms normalizes text into the term stream that gets hashed: lowercase,
// split on non-alphanumeric runes, single-rune terms dropped.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	terms := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 1 {
			terms = append(terms, f)
		}
	}
	return terms
}

// Dot returns the inner product of two lexical vectors. Mismatched lengths
// score zero.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
