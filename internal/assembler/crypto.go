package assembler

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// decryptPath is the Assembler's copy of the scanner's path codec: a path_ct
// is a one-shot AEAD blob with the nonce prefixed to the ciphertext, the
// same combined format the teacher's aeadOpenWithKey (keywrap.go) uses.
func decryptPath(key [32]byte, blob []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return "", fmt.Errorf("assembler: new path aead: %w", err)
	}
	if len(blob) < chacha20poly1305.NonceSizeX {
		return "", errors.New("assembler: path ciphertext too short")
	}
	nonce, ct := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("assembler: open path: %w", err)
	}
	return string(pt), nil
}

// openChunk decrypts one FileChunk's ciphertext under its own iv, mirroring
// the scanner's sealChunk/openChunk pair.
func openChunk(key [32]byte, iv [24]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("assembler: new aead: %w", err)
	}
	return aead.Open(nil, iv[:], ciphertext, nil)
}

// ptHashHMACLocal recomputes a decrypted chunk's plaintext hash so it can be
// checked against the FileChunk's recorded pt_hash_hmac before trusting the
// bytes, mirroring the scanner's ptHashHMAC.
func ptHashHMACLocal(key [32]byte, plaintext []byte) [32]byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write(plaintext)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}
