package vectorstore

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

const testDim = 8

func newMemoryStore(t *testing.T) *ChromemStore {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.ChromemPath = ""
	cfg.VectorSize = testDim
	s, err := NewChromemStore(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// unit returns a normalized testDim vector pointing mostly along axis,
// nudged by tilt toward the next axis.
func unit(axis int, tilt float32) []float32 {
	v := make([]float32, testDim)
	v[axis%testDim] = 1
	v[(axis+1)%testDim] = tilt
	var n float64
	for _, x := range v {
		n += float64(x * x)
	}
	norm := float32(math.Sqrt(n))
	for i := range v {
		v[i] /= norm
	}
	return v
}
