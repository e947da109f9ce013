// Package secret derives folder identifiers, symmetric keys, and signing
// key pairs from a Librevault folder Secret, the way the teacher node
// derives its ed25519 device identity from a hardware fingerprint via
// HKDF (fingerprint.go, deriveNodeKeyPair) and keys chunk/snapshot AEADs
// off a single seed (env_encrypt.go, keywrap.go).
package secret

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/hkdf"

	"librevault-go/internal/lverrors"
)

// Level is the privilege level carried by a Secret, ordered from most to
// least privileged.
type Level byte

const (
	LevelOwner Level = iota
	LevelReadWrite
	LevelReadOnly
	LevelDownload
)

func (l Level) String() string {
	switch l {
	case LevelOwner:
		return "Owner"
	case LevelReadWrite:
		return "ReadWrite"
	case LevelReadOnly:
		return "ReadOnly"
	case LevelDownload:
		return "Download"
	default:
		return "Unknown"
	}
}

// CanSign reports whether a Secret of this level can produce a SignedMeta.
func (l Level) CanSign() bool {
	return l == LevelOwner || l == LevelReadWrite
}

const version byte = 1

// prefix identifies a Secret's level in its lexical (base32) encoding, one
// character per level, matching the order above.
var prefix = [...]byte{'A', 'B', 'C', 'D'}

// Secret is a versioned, typed credential carrying one of four privilege
// levels. Owner and ReadWrite secrets carry an ed25519 private key
// (signing half); ReadOnly and Download carry only the public key.
type Secret struct {
	level Level
	seed  [32]byte          // present for Owner and ReadWrite; the ed25519 seed
	pub   ed25519.PublicKey // present for every level
}

// NewOwner generates a fresh Owner Secret with a random ed25519 key pair.
func NewOwner() (Secret, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return Secret{}, fmt.Errorf("secret: generate seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)
	return Secret{level: LevelOwner, seed: seed, pub: pub}, nil
}

// Level reports the Secret's privilege level.
func (s Secret) Level() Level { return s.level }

// Downgrade produces a Secret of a strictly lower privilege level. Per the
// spec, this must be a pure lexical transformation — no network or disk
// access — so ReadWrite keeps the Owner's seed as is, and ReadOnly and
// Download simply discard it, keeping only the public key.
func (s Secret) Downgrade(to Level) (Secret, error) {
	if to <= s.level {
		return Secret{}, fmt.Errorf("secret: %s cannot downgrade to %s", s.level, to)
	}
	switch to {
	case LevelReadWrite:
		if s.level != LevelOwner {
			return Secret{}, fmt.Errorf("secret: only Owner can produce ReadWrite")
		}
		return Secret{level: LevelReadWrite, seed: s.seed, pub: s.pub}, nil
	case LevelReadOnly:
		return Secret{level: LevelReadOnly, pub: s.publicKey()}, nil
	case LevelDownload:
		return Secret{level: LevelDownload, pub: s.publicKey()}, nil
	default:
		return Secret{}, fmt.Errorf("secret: unknown level %v", to)
	}
}

func (s Secret) publicKey() ed25519.PublicKey {
	if s.pub != nil {
		return s.pub
	}
	if s.level == LevelOwner || s.level == LevelReadWrite {
		priv := ed25519.NewKeyFromSeed(s.seed[:])
		return priv.Public().(ed25519.PublicKey)
	}
	return nil
}

// Sign signs bytes with the Secret's private signing key. Only Owner and
// ReadWrite secrets can sign; everyone else gets InsufficientPrivilege.
func (s Secret) Sign(b []byte) ([]byte, error) {
	if !s.level.CanSign() {
		return nil, fmt.Errorf("secret: sign: %w", lverrors.ErrInsufficientPrivilege)
	}
	priv := ed25519.NewKeyFromSeed(s.seed[:])
	return ed25519.Sign(priv, b), nil
}

// Verify checks a signature against the Secret's known public key. Every
// privilege level (including Download, once it carries a public key) can
// verify.
func (s Secret) Verify(b, sig []byte) bool {
	pub := s.publicKey()
	if pub == nil {
		return false
	}
	return ed25519.Verify(pub, b, sig)
}

// hkdfExpand derives n bytes of key material from the Secret's raw form
// using HKDF with a distinct info string per derived key, the same
// HKDF-with-info idiom the teacher uses to turn a hardware fingerprint
// into an ed25519 seed.
func (s Secret) hkdfExpand(info string, n int) ([]byte, error) {
	ikm := s.rawBytes()
	h := hkdf.New(sha256.New, ikm, nil, []byte(info))
	out := make([]byte, n)
	if _, err := h.Read(out); err != nil {
		return nil, fmt.Errorf("secret: hkdf expand %q: %w", info, err)
	}
	return out, nil
}

// rawBytes is the input keying material every derivation starts from: the
// ed25519 seed for writer secrets, or the public key for read-only /
// download secrets (which never needed the private half).
func (s Secret) rawBytes() []byte {
	if s.level == LevelOwner || s.level == LevelReadWrite {
		return s.seed[:]
	}
	return s.pub
}

// DeriveFolderID derives the public folder identifier used for discovery:
// a hash of the Secret that any privilege level can compute, but that does
// not itself leak signing material.
func (s Secret) DeriveFolderID() ([32]byte, error) {
	b, err := s.hkdfExpand("librevault-folderid", 32)
	if err != nil {
		return [32]byte{}, err
	}
	var id [32]byte
	copy(id[:], b)
	return id, nil
}

// DeriveEncryptionKey derives the symmetric key used for chunk payload
// encryption and path obfuscation.
func (s Secret) DeriveEncryptionKey() ([32]byte, error) {
	b, err := s.hkdfExpand("librevault-enckey", 32)
	if err != nil {
		return [32]byte{}, err
	}
	var key [32]byte
	copy(key[:], b)
	return key, nil
}

// PublicKey returns the Secret's ed25519 public key, used by peers to
// verify SignedMeta without needing write access themselves.
func (s Secret) PublicKey() ed25519.PublicKey { return s.publicKey() }

// String renders the Secret in its lexical form: a one-byte version, a
// one-byte level marker, and base32 of the level's key material. Encoding
// a lower level is what Downgrade relies on being pure and local.
func (s Secret) String() string {
	body := s.rawBytes()
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return fmt.Sprintf("%c%c%s", version, prefix[s.level], strings.ToUpper(enc.EncodeToString(body)))
}

// Parse decodes a Secret from its lexical form produced by String.
func Parse(s string) (Secret, error) {
	if len(s) < 2 {
		return Secret{}, errors.New("secret: too short")
	}
	if s[0] != version {
		return Secret{}, fmt.Errorf("secret: unsupported version %d", s[0])
	}
	var level Level
	found := false
	for l, p := range prefix {
		if s[1] == p {
			level = Level(l)
			found = true
			break
		}
	}
	if !found {
		return Secret{}, fmt.Errorf("secret: unknown level marker %q", s[1])
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	body, err := enc.DecodeString(strings.ToUpper(s[2:]))
	if err != nil {
		return Secret{}, fmt.Errorf("secret: decode body: %w", err)
	}
	switch level {
	case LevelOwner, LevelReadWrite:
		if len(body) != 32 {
			return Secret{}, errors.New("secret: bad seed length")
		}
		var seed [32]byte
		copy(seed[:], body)
		priv := ed25519.NewKeyFromSeed(seed[:])
		return Secret{level: level, seed: seed, pub: priv.Public().(ed25519.PublicKey)}, nil
	case LevelReadOnly, LevelDownload:
		if len(body) != ed25519.PublicKeySize {
			return Secret{}, errors.New("secret: bad public key length")
		}
		return Secret{level: level, pub: ed25519.PublicKey(body)}, nil
	default:
		return Secret{}, fmt.Errorf("secret: unknown level %v", level)
	}
}
