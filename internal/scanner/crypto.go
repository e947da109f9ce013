package scanner

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"

	"librevault-go/internal/chunkstore"
	"librevault-go/internal/meta"
)

// randomIV generates the per-chunk AEAD nonce stored in FileChunk.IV.
func randomIV() ([24]byte, error) {
	var iv [24]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return iv, fmt.Errorf("scanner: random iv: %w", err)
	}
	return iv, nil
}

// strongHash computes a chunk's content address under the strong hash
// family a folder is configured for (chunk_strong_hash_type). SHA3-224
// produces a 28-byte digest; it is stored left-aligned in the fixed
// 32-byte array every other hash field already uses, trailing zero
// bytes, rather than widening CtHash to a variable length.
func strongHash(t meta.StrongHashType, b []byte) [32]byte {
	switch t {
	case meta.StrongHashSHA3_224:
		d := sha3.Sum224(b)
		var out [32]byte
		copy(out[:], d[:])
		return out
	case meta.StrongHashBLAKE3:
		return blake3.Sum256(b)
	default:
		return sha256.Sum256(b)
	}
}

// chunkstoreHashFunc adapts strongHash to the signature chunkstore.Store
// verifies incoming Puts against, so the store's own integrity check
// matches whatever hash family this folder is configured for.
func chunkstoreHashFunc(t meta.StrongHashType) func([]byte) chunkstore.Hash {
	return func(b []byte) chunkstore.Hash { return chunkstore.Hash(strongHash(t, b)) }
}

// chunkstoreHash adapts a FileChunk's raw ct_hash array to the
// chunkstore package's Hash type.
func chunkstoreHash(h [32]byte) chunkstore.Hash { return chunkstore.Hash(h) }

// sealChunk encrypts plaintext under key with the given iv, grounded on
// the teacher's aeadSealWithKey (keywrap.go) but keeping the nonce out of
// the returned blob: unlike the teacher's single combined key-file
// format, a FileChunk already carries its iv as a separate field, so the
// ciphertext the Chunk Store holds is exactly what aead.Seal returns.
func sealChunk(key [32]byte, iv [24]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("scanner: new aead: %w", err)
	}
	return aead.Seal(nil, iv[:], plaintext, nil), nil
}

// openChunk is the inverse of sealChunk. The Assembler keeps its own copy
// in its package; here it is exercised by the scanner's tests.
func openChunk(key [32]byte, iv [24]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("scanner: new aead: %w", err)
	}
	return aead.Open(nil, iv[:], ciphertext, nil)
}

// ptHashHMAC computes the keyed plaintext-chunk hash used both as the
// dedup secondary-index key (spec.md §4.6 step 3) and as confirmation
// that a decrypted chunk matches what the writer originally hashed.
func ptHashHMAC(key [32]byte, plaintext []byte) [32]byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write(plaintext)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}
