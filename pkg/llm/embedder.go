package llm

import (
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]+`)

// chargramEmbedder hashes character trigrams and word tokens into a fixed
// dense vector. Deterministic and dependency-free, it keeps duplicate and
// retrieval scoring meaningful when no embeddings API is configured.
type chargramEmbedder struct {
	dims int
}

func newChargramEmbedder(dims int) *chargramEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &chargramEmbedder{dims: dims}
}

func (e *chargramEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	lower := "#" + strings.ToLower(text) + "#"

	runes := []rune(lower)
	for i := 0; i+3 <= len(runes); i++ {
		h := fnv.New64a()
		h.Write([]byte(string(runes[i : i+3])))
		vec[h.Sum64()%uint64(e.dims)] += 1
	}

	// Whole tokens get a heavier weight than trigrams so exact word overlap
	// dominates shared substrings.
	for _, token := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		h := fnv.New64a()
		h.Write([]byte("tok:" + token))
		vec[h.Sum64()%uint64(e.dims)] += 1.25
	}

	normalizeVector(vec)
	return vec
}

func normalizeVector(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
