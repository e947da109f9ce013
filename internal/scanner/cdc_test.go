package scanner

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkBoundariesEmpty(t *testing.T) {
	require.Nil(t, chunkBoundaries(nil))
}

func TestChunkBoundariesSmallFileIsOneChunk(t *testing.T) {
	data := make([]byte, chunkMin-1)
	bounds := chunkBoundaries(data)
	require.Equal(t, []int{len(data)}, bounds)
}

func TestChunkBoundariesRespectMinAndMax(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	data := make([]byte, 8*chunkMax)
	r.Read(data)

	bounds := chunkBoundaries(data)
	require.NotEmpty(t, bounds)
	require.Equal(t, len(data), bounds[len(bounds)-1])

	prev := 0
	for i, b := range bounds {
		size := b - prev
		if i != len(bounds)-1 {
			require.GreaterOrEqual(t, size, chunkMin)
		}
		require.LessOrEqual(t, size, chunkMax)
		prev = b
	}
}

func TestChunkBoundariesStableUnderAppend(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	base := make([]byte, 3*chunkTarget)
	r.Read(base)

	b1 := chunkBoundaries(base)
	extended := append(append([]byte(nil), base...), make([]byte, chunkTarget)...)
	r.Read(extended[len(base):])
	b2 := chunkBoundaries(extended)

	// every boundary found in the original data should still appear at the
	// same offset in the extended data, except possibly the final one
	// (which was the end-of-file boundary and is no longer the end).
	require.Subset(t, b2, b1[:len(b1)-1])
}
