package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// identityFileName is the raw 32-byte ed25519 seed for this node's
// transport identity, persisted the same way the teacher persists
// symmetric key material: a bare file under a 0700 state directory
// (keywrap.go's saveFileKey/loadFileKey), not wrapped in any container
// format, since the file's own permissions are the only protection it
// needs on a single-user machine.
const identityFileName = "identity.key"

// loadOrCreateIdentity returns this node's persistent ed25519 identity
// key, generating and saving one on first run.
func loadOrCreateIdentity(stateDir string) (ed25519.PrivateKey, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: create state dir: %w", err)
	}
	path := filepath.Join(stateDir, identityFileName)

	seed, err := os.ReadFile(path)
	if err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, errors.New("identity: corrupt identity key file")
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	newSeed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(newSeed); err != nil {
		return nil, fmt.Errorf("identity: generate seed: %w", err)
	}
	if err := os.WriteFile(path, newSeed, 0o600); err != nil {
		return nil, fmt.Errorf("identity: save %s: %w", path, err)
	}
	return ed25519.NewKeyFromSeed(newSeed), nil
}
