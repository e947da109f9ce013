package secret

import (
	"crypto/hmac"
	"crypto/sha256"

	"golang.org/x/text/unicode/norm"
)

// PathHash is a fixed-width keyed hash of a normalized relative path.
// Peers exchange PathHash values, never cleartext paths.
type PathHash [32]byte

// HashPath computes the PathHash for relPath under this Secret's
// encryption key. When normalizeUnicode is set (the engine's default,
// mirroring original_source's normalize_unicode=true default), relPath is
// first normalized to NFC so that two byte-distinct but canonically
// equivalent paths hash identically across platforms.
func (s Secret) HashPath(relPath string, normalizeUnicode bool) (PathHash, error) {
	key, err := s.DeriveEncryptionKey()
	if err != nil {
		return PathHash{}, err
	}
	if normalizeUnicode {
		relPath = norm.NFC.String(relPath)
	}
	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte(relPath))
	var out PathHash
	copy(out[:], mac.Sum(nil))
	return out, nil
}
