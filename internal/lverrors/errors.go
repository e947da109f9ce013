// Package lverrors defines the sentinel error kinds shared across the
// synchronization engine, matching the error-kind table of the sync
// protocol design: decode failures, hash/signature mismatches, stale
// writes, and the fatal-vs-retryable split used by callers.
package lverrors

import "errors"

var (
	// ErrMalformedMeta is returned when a Meta fails to decode, including
	// unknown trailing bytes after the canonical fields.
	ErrMalformedMeta = errors.New("lverrors: malformed meta")

	// ErrHashMismatch is returned when a blob's computed strong hash does
	// not match the hash the caller claimed for it.
	ErrHashMismatch = errors.New("lverrors: hash mismatch")

	// ErrSignatureInvalid is returned when a SignedMeta's signature does
	// not verify under the folder's known public key.
	ErrSignatureInvalid = errors.New("lverrors: signature invalid")

	// ErrStale is returned when an Index.Upsert is rejected because the
	// incoming revision is not newer than (or an equal, losing tiebreak
	// of) the stored one.
	ErrStale = errors.New("lverrors: stale revision")

	// ErrNotFound is returned when a lookup (chunk, meta, key) misses.
	ErrNotFound = errors.New("lverrors: not found")

	// ErrInsufficientPrivilege is returned when a signing operation is
	// requested from a Secret that has no private signing half.
	ErrInsufficientPrivilege = errors.New("lverrors: insufficient privilege")

	// ErrCorrupted is returned when persisted state fails a checksum
	// check. It is fatal to the owning folder.
	ErrCorrupted = errors.New("lverrors: corrupted persistent state")

	// ErrProtocolViolation is returned when a peer sends a frame that
	// violates the gossip protocol's state machine or field contract.
	ErrProtocolViolation = errors.New("lverrors: protocol violation")

	// ErrTimeout is returned when a request (chunk, meta) was not
	// answered within its deadline.
	ErrTimeout = errors.New("lverrors: timeout")

	// ErrIoFailure is returned for filesystem or disk I/O failures not
	// covered by a more specific kind above.
	ErrIoFailure = errors.New("lverrors: io failure")
)

// fatalIO marks an IoFailure as having occurred on a path (Index commit)
// where it must be treated as fatal to the folder, rather than retried
// with backoff like a temp-file write failure.
type fatalIO struct{ err error }

func (f *fatalIO) Error() string { return f.err.Error() }
func (f *fatalIO) Unwrap() error { return f.err }

// WrapFatalIO wraps an I/O error occurring during an Index commit so that
// Fatal reports it as folder-ending, per the error propagation policy.
func WrapFatalIO(err error) error {
	if err == nil {
		return nil
	}
	return &fatalIO{err: err}
}

// Fatal reports whether err should stop the owning folder rather than be
// retried or ignored locally: Corrupted is always fatal; IoFailure is
// fatal only when it surfaces from an Index commit (wrapped with
// WrapFatalIO by the caller).
func Fatal(err error) bool {
	if errors.Is(err, ErrCorrupted) {
		return true
	}
	var f *fatalIO
	return errors.As(err, &f)
}
