// Package config loads the per-folder option set that parameterizes a
// Controller: which Secret to open the folder under, where its plaintext
// and system (index/chunks) directories live, and every tunable the
// scanner/assembler pipeline reads. It plays the role the teacher's
// config.go defaultConfig() plays for the mixnet node — one struct, one
// function returning its defaults — generalized to the full folder
// option table and made JSON-loadable, since a node here runs many
// folders rather than the teacher's single global Config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"librevault-go/internal/meta"
	"librevault-go/internal/secret"
)

// FolderParams is the decoded form of one folder's configuration file,
// covering every option original_source's FolderParams.h exposes.
type FolderParams struct {
	// Secret is the folder Secret in its lexical form (secret.Secret.String).
	Secret string `json:"secret"`

	// Path is the synced directory the Scanner/Assembler operate on.
	Path string `json:"path"`

	// SystemPath holds the folder's private state: index.db and the
	// chunks/ directory. Defaults to <Path>/.librevault when empty.
	SystemPath string `json:"system_path"`

	// IndexEventTimeoutMS is the filesystem-watcher debounce window, in
	// milliseconds.
	IndexEventTimeoutMS int64 `json:"index_event_timeout"`

	// FullRescanIntervalS is the periodic full-tree rescan period, in
	// seconds.
	FullRescanIntervalS int64 `json:"full_rescan_interval"`

	PreserveUnixAttrib    bool `json:"preserve_unix_attrib"`
	PreserveWindowsAttrib bool `json:"preserve_windows_attrib"`
	PreserveSymlinks      bool `json:"preserve_symlinks"`
	NormalizeUnicode      bool `json:"normalize_unicode"`

	// ChunkStrongHashType names the hash family used to content-address
	// encrypted chunks: "sha256", "sha3-224", or "blake3".
	ChunkStrongHashType string `json:"chunk_strong_hash_type"`

	// IgnorePaths is an ordered list of glob-like patterns, passed
	// straight through to ignore.New.
	IgnorePaths []string `json:"ignore_paths"`

	// Nodes seeds discovery with known peer endpoints, each a libp2p
	// multiaddr ending in /p2p/<peer id>, bypassing beacon/DHT lookup for
	// this folder.
	Nodes []string `json:"nodes"`
}

// DefaultFolderParams returns the original_source FolderParams.h default
// values for every option not overridden by a loaded file: 1000ms event
// debounce, 600s rescan interval, symlinks and Unicode normalization
// preserved, SHA3-224 strong hashing, no extra ignores or seed nodes.
func DefaultFolderParams() FolderParams {
	return FolderParams{
		IndexEventTimeoutMS:   1000,
		FullRescanIntervalS:   600,
		PreserveUnixAttrib:    false,
		PreserveWindowsAttrib: false,
		PreserveSymlinks:      true,
		NormalizeUnicode:      true,
		ChunkStrongHashType:   "sha3-224",
	}
}

// Load reads a JSON folder configuration file at path, layering it over
// DefaultFolderParams so a config file only needs to name what it
// overrides.
func Load(path string) (FolderParams, error) {
	p := DefaultFolderParams()
	b, err := os.ReadFile(path)
	if err != nil {
		return FolderParams{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return FolderParams{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if p.Secret == "" {
		return FolderParams{}, fmt.Errorf("config: %s: secret is required", path)
	}
	if p.Path == "" {
		return FolderParams{}, fmt.Errorf("config: %s: path is required", path)
	}
	if p.SystemPath == "" {
		p.SystemPath = p.Path + "/.librevault"
	}
	return p, nil
}

// IndexEventTimeout converts the JSON millisecond field to a Duration.
func (p FolderParams) IndexEventTimeout() time.Duration {
	return time.Duration(p.IndexEventTimeoutMS) * time.Millisecond
}

// FullRescanInterval converts the JSON second field to a Duration.
func (p FolderParams) FullRescanInterval() time.Duration {
	return time.Duration(p.FullRescanIntervalS) * time.Second
}

// DecodeSecret parses the Secret field in its lexical form.
func (p FolderParams) DecodeSecret() (secret.Secret, error) {
	return secret.Parse(p.Secret)
}

// StrongHashType maps the JSON string name to meta's enum, defaulting to
// SHA3-224 for an empty or unrecognized value rather than failing load:
// an unknown future hash name should degrade to the engine's default,
// not take the folder down.
func (p FolderParams) StrongHashType() meta.StrongHashType {
	switch p.ChunkStrongHashType {
	case "sha256":
		return meta.StrongHashSHA256
	case "blake3":
		return meta.StrongHashBLAKE3
	default:
		return meta.StrongHashSHA3_224
	}
}
