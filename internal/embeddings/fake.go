package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"
)

// Fake is a deterministic provider. Each token is hashed into one signed
// bucket and the result is L2-normalized, so texts sharing words score
// closer than texts that don't.
type Fake struct {
	dim int

	mu    sync.Mutex
	err   error
	calls int
}

// NewFake returns a Fake producing dim-length vectors.
func NewFake(dim int) *Fake {
	if dim <= 0 {
		dim = 384
	}
	return &Fake{dim: dim}
}

// FailWith makes every later call return err. nil restores normal behavior.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls returns the number of provider calls made.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) begin(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, f.err)
	}
	return nil
}

// EmbedDocuments implements Provider.
func (f *Fake) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

// EmbedQuery implements Provider.
func (f *Fake) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	return f.vector(text), nil
}

// Dimension implements Provider.
func (f *Fake) Dimension() int { return f.dim }

// Close implements Provider.
func (f *Fake) Close() error { return nil }

func (f *Fake) vector(text string) []float32 {
	v := make([]float32, f.dim)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		tokens = []string{text}
	}
	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(f.dim))
		if sum&(1<<63) != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}
