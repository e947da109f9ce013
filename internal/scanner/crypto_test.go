package scanner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"librevault-go/internal/meta"
)

func TestStrongHashFamilies(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	sha256Sum := strongHash(meta.StrongHashSHA256, data)
	sha3Sum := strongHash(meta.StrongHashSHA3_224, data)
	blake3Sum := strongHash(meta.StrongHashBLAKE3, data)

	require.NotEqual(t, sha256Sum, sha3Sum)
	require.NotEqual(t, sha256Sum, blake3Sum)
	require.NotEqual(t, sha3Sum, blake3Sum)

	// SHA3-224 is a 28-byte digest stored left-aligned in the fixed
	// 32-byte array; the trailing 4 bytes stay zero.
	require.Equal(t, [4]byte{}, [4]byte(sha3Sum[28:]))

	// deterministic across calls
	require.Equal(t, blake3Sum, strongHash(meta.StrongHashBLAKE3, data))
}
