package embed

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashProvider is a deterministic, dependency-free embedding provider:
// terms are feature-hashed into a fixed-width vector. It exists for
// offline use and tests; retrieval quality is far below a learned model,
// but the pipeline semantics (dimensions, batching, normalization) are
// identical.
type HashProvider struct {
	Dim int
}

// HashProviderDim is the default vector width.
const HashProviderDim = 256

// ID implements Provider.
func (HashProvider) ID() string { return "builtin/hash-v1" }

// IsLocal implements Provider.
func (HashProvider) IsLocal() bool { return true }

// EmbedMany implements Provider.
func (p HashProvider) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	dim := p.Dim
	if dim <= 0 {
		dim = HashProviderDim
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		vec := make([]float32, dim)
		terms := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, term := range terms {
			h := fnv.New32a()
			_, _ = h.Write([]byte(term))
			vec[h.Sum32()%uint32(dim)]++
		}
		out[i] = vec
	}
	return out, nil
}
