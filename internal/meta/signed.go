package meta

import (
	"fmt"

	"librevault-go/internal/lverrors"
)

// Signer is the minimal capability SignedMeta construction needs; it is
// satisfied by secret.Secret without creating an import cycle.
type Signer interface {
	Sign([]byte) ([]byte, error)
}

// Verifier is the minimal capability SignedMeta verification needs.
type Verifier interface {
	Verify(b, sig []byte) bool
}

// Sign encodes m and signs the canonical bytes with s, producing the
// SignedMeta a writer gossips to peers.
func Sign(m Meta, s Signer) (SignedMeta, error) {
	b := Encode(m)
	sig, err := s.Sign(b)
	if err != nil {
		return SignedMeta{}, fmt.Errorf("meta: sign: %w", err)
	}
	return SignedMeta{MetaBytes: b, Signature: sig}, nil
}

// Verify checks sm's signature and, if valid, decodes and returns its Meta.
func Verify(sm SignedMeta, v Verifier) (Meta, error) {
	if !v.Verify(sm.MetaBytes, sm.Signature) {
		return Meta{}, fmt.Errorf("meta: verify: %w", lverrors.ErrSignatureInvalid)
	}
	return Decode(sm.MetaBytes)
}
