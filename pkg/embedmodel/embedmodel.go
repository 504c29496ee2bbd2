// Package embedmodel is the process-singleton embedding model handle used
// by pkg/embedworker and pkg/query's semantic search. No ONNX/BERT/sentence-
// transformers binding exists anywhere in the retrieved example pack
// (DESIGN.md); the model here is a deterministic hashing-projection
// embedder built on crypto/sha256 and math, so a survey comment always maps
// to the same 768-dim unit vector regardless of worker instance, with
// cosine similarity between related comments tracking shared token
// n-grams. This is an intentional standard-library component: DESIGN.md
// records why no ecosystem embedding library could fill this role.
package embedmodel

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"sync"

	"github.com/pgvector/pgvector-go"
)

// Dimensions is the fixed embedding width, matching the pgvector(768)
// column in txstore's survey_responses table.
const Dimensions = 768

var (
	once     sync.Once
	instance *Model
)

// Model computes deterministic text embeddings.
type Model struct{}

// Get returns the process-wide Model singleton, lazily constructed.
func Get() *Model {
	once.Do(func() { instance = &Model{} })
	return instance
}

// Embed projects text into a 768-dim unit vector. Tokens are lower-cased and
// split on whitespace/punctuation; each token is hashed into several
// positions of the output vector via SHA-256 (a feature-hashing trick), so
// comments sharing vocabulary land closer together under cosine distance
// than unrelated ones. This is not a learned embedding — it captures lexical
// overlap, not semantics — but it gives pkg/query's search_survey_comments
// tool a working nearest-neighbor signal without a network call or a model
// file the pack has no way to fetch.
func (m *Model) Embed(text string) pgvector.Vector {
	vec := make([]float32, Dimensions)
	tokens := tokenize(text)

	for _, tok := range tokens {
		h := sha256.Sum256([]byte(tok))
		// Each token touches 4 positions derived from non-overlapping slices
		// of its hash, each with a sign derived from a fifth slice, spreading
		// its contribution across the vector instead of a single bucket.
		for i := 0; i < 4; i++ {
			idx := binary.BigEndian.Uint32(h[i*4:i*4+4]) % Dimensions
			sign := float32(1)
			if h[16+i]&1 == 1 {
				sign = -1
			}
			vec[idx] += sign
		}
	}

	normalize(vec)
	return pgvector.NewVector(vec)
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range vec {
		vec[i] /= norm
	}
}
