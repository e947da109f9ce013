package scanner

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// encryptPath and decryptPath obfuscate a Meta's cleartext relative path
// under the folder's encryption_key, combining a random nonce with the
// ciphertext the same way the teacher's aeadSealWithKey/aeadOpenWithKey
// (keywrap.go) do, since a path_ct is a one-shot encrypted blob with no
// separately-tracked iv field (unlike a FileChunk).
func encryptPath(key [32]byte, plaintext string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("scanner: new path aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("scanner: path nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, []byte(plaintext), nil)
	return append(nonce, ct...), nil
}

func decryptPath(key [32]byte, blob []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return "", fmt.Errorf("scanner: new path aead: %w", err)
	}
	if len(blob) < chacha20poly1305.NonceSizeX {
		return "", errors.New("scanner: path ciphertext too short")
	}
	nonce, ct := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("scanner: open path: %w", err)
	}
	return string(pt), nil
}
