// Package assembler is the inverse of the scanner: given a complete
// SignedMeta (every chunk present locally), it decrypts and writes the
// described filesystem object into place. It is directly grounded on the
// teacher's tryAssemble (file_transfer.go): read parts in order,
// hash-verify, write to a temp location, "already assembled, skip" guard
// via a stat of the destination — generalized here to cover every Meta
// Kind, not just File, and to atomically rename instead of writing the
// final name directly (the teacher's transfer is single-shot and never
// races a live filesystem watcher; ours does).
package assembler

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"librevault-go/internal/chunkstore"
	"librevault-go/internal/index"
	"librevault-go/internal/lverrors"
	"librevault-go/internal/meta"
	"librevault-go/internal/secret"
)

// Assembler reifies complete Index entries onto the filesystem for one
// folder.
type Assembler struct {
	root   string
	sec    secret.Secret
	index  *index.Index
	chunks *chunkstore.Store
	log    *zap.SugaredLogger

	mu   sync.Mutex
	mark map[[32]byte]writeMark // last mtime+size this Assembler wrote, keyed by path_hash
}

// writeMark is the assembly mark: the mtime+size recorded the moment the
// Assembler last wrote a path, used both to suppress the Scanner's
// feedback loop (the Scanner's matchesExisting check naturally does this
// once the file's actual mtime is set to match) and to detect whether a
// user edited the file locally since that write (a sync conflict).
type writeMark struct {
	mtime int64
	size  int64
}

// New constructs an Assembler rooted at root (the folder's synced
// directory, not its system_path).
func New(root string, sec secret.Secret, ix *index.Index, cs *chunkstore.Store, log *zap.SugaredLogger) *Assembler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Assembler{
		root:   root,
		sec:    sec,
		index:  ix,
		chunks: cs,
		log:    log.Named("assembler"),
		mark:   map[[32]byte]writeMark{},
	}
}

// TryAssemble reifies pathHash's current Index entry if it is complete
// and the filesystem does not already reflect it. It is safe to call
// repeatedly (e.g. once per bitmap-changed event); a no-op destination
// state is detected and skipped.
func (a *Assembler) TryAssemble(pathHash [32]byte) error {
	e, err := a.index.Get(pathHash)
	if err != nil {
		return err
	}
	if !e.Complete() {
		return nil
	}

	key, err := a.sec.DeriveEncryptionKey()
	if err != nil {
		return err
	}
	relPath, err := decryptPath(key, e.Meta.PathCT)
	if err != nil {
		return err
	}
	absPath := filepath.Join(a.root, relPath)

	switch e.Meta.Kind {
	case meta.KindFile:
		return a.assembleFile(key, e.Meta, absPath)
	case meta.KindDirectory:
		return a.assembleDirectory(e.Meta, absPath)
	case meta.KindSymlink:
		return a.assembleSymlink(key, e.Meta, absPath)
	case meta.KindDeleted:
		return a.assembleDeleted(e.Meta, absPath)
	default:
		return fmt.Errorf("assembler: unknown kind %v", e.Meta.Kind)
	}
}

// assembleFile reassembles a File Meta's chunks in order into a temp file,
// hash-verifying each one exactly as the teacher's tryAssemble does before
// trusting a part, then renames the temp file into place atomically and
// records the resulting mtime/size as this path's assembly mark.
func (a *Assembler) assembleFile(key [32]byte, m meta.Meta, absPath string) error {
	if fi, err := os.Stat(absPath); err == nil && matchesMeta(m, fi) {
		return nil
	}
	if err := a.guardConflict(m, absPath); err != nil {
		return err
	}

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return lverrors.WrapFatalIO(err)
	}

	tmp, err := os.CreateTemp(dir, ".lv-assemble-*")
	if err != nil {
		return lverrors.WrapFatalIO(err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	for _, c := range m.Chunks {
		ct, err := a.chunks.Get(chunkstore.Hash(c.CtHash))
		if err != nil {
			tmp.Close()
			return err
		}
		plain, err := openChunk(key, c.IV, ct)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("assembler: decrypt chunk: %w", err)
		}
		if uint64(len(plain)) != c.Size {
			tmp.Close()
			return fmt.Errorf("assembler: chunk size mismatch: %w", lverrors.ErrHashMismatch)
		}
		if got := ptHashHMACLocal(key, plain); got != c.PtHashHMAC {
			tmp.Close()
			return fmt.Errorf("assembler: chunk content mismatch: %w", lverrors.ErrHashMismatch)
		}
		if _, err := tmp.Write(plain); err != nil {
			tmp.Close()
			return lverrors.WrapFatalIO(err)
		}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return lverrors.WrapFatalIO(err)
	}
	if err := tmp.Close(); err != nil {
		return lverrors.WrapFatalIO(err)
	}
	if m.HasUnixAttrib {
		os.Chmod(tmpName, unixFileMode(m))
	}
	if err := os.Chtimes(tmpName, microsToTime(m.Mtime), microsToTime(m.Mtime)); err != nil {
		a.log.Warnw("failed to set assembled mtime", "path", absPath, "err", err)
	}
	if err := os.Rename(tmpName, absPath); err != nil {
		return lverrors.WrapFatalIO(err)
	}

	a.recordMark(m.PathHash, absPath)
	return nil
}

// matchesMeta reports whether a file already on disk already reflects m,
// so a re-delivered complete event for a path already assembled is a no-op.
func matchesMeta(m meta.Meta, fi os.FileInfo) bool {
	if fi.ModTime().UnixMicro() != int64(m.Mtime) {
		return false
	}
	var total int64
	for _, c := range m.Chunks {
		total += int64(c.Size)
	}
	return fi.Size() == total
}

func (a *Assembler) assembleDirectory(m meta.Meta, absPath string) error {
	if fi, err := os.Stat(absPath); err == nil && fi.IsDir() {
		return nil
	}
	if err := os.MkdirAll(absPath, attribMode(m)); err != nil {
		return lverrors.WrapFatalIO(err)
	}
	return nil
}

func (a *Assembler) assembleSymlink(key [32]byte, m meta.Meta, absPath string) error {
	target, err := decryptPath(key, m.SymlinkTargetCT)
	if err != nil {
		return err
	}
	if existing, err := os.Readlink(absPath); err == nil && existing == target {
		return nil
	}
	if err := a.guardConflict(m, absPath); err != nil {
		return err
	}
	os.Remove(absPath) // best-effort; Symlink fails cleanly below if still present and wrong
	if err := os.Symlink(target, absPath); err != nil {
		return lverrors.WrapFatalIO(err)
	}
	a.recordMark(m.PathHash, absPath)
	return nil
}

func (a *Assembler) assembleDeleted(m meta.Meta, absPath string) error {
	fi, err := os.Lstat(absPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return lverrors.WrapFatalIO(err)
	}
	if err := a.guardConflict(m, absPath); err != nil {
		return err
	}
	if fi.IsDir() {
		if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
			return lverrors.WrapFatalIO(err)
		}
		return nil
	}
	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return lverrors.WrapFatalIO(err)
	}
	a.mu.Lock()
	delete(a.mark, m.PathHash)
	a.mu.Unlock()
	return nil
}

// guardConflict renames absPath to its sync-conflict alias when the file
// currently on disk differs from the last write this Assembler itself
// performed — signaling a local edit raced the incoming revision.
func (a *Assembler) guardConflict(m meta.Meta, absPath string) error {
	fi, err := os.Lstat(absPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return lverrors.WrapFatalIO(err)
	}

	a.mu.Lock()
	last, known := a.mark[m.PathHash]
	a.mu.Unlock()

	if known && last.mtime == fi.ModTime().UnixMicro() && last.size == fi.Size() {
		return nil // matches our own last write; not a conflict
	}
	if !known {
		return nil // never written here before; nothing to compare against
	}

	conflictPath := fmt.Sprintf("%s.sync-conflict.%d", absPath, m.Revision)
	if err := os.Rename(absPath, conflictPath); err != nil {
		return lverrors.WrapFatalIO(err)
	}
	a.log.Warnw("local divergence detected at assembly time", "path", absPath, "conflict", conflictPath)
	return nil
}

func (a *Assembler) recordMark(pathHash [32]byte, absPath string) {
	fi, err := os.Lstat(absPath)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.mark[pathHash] = writeMark{mtime: fi.ModTime().UnixMicro(), size: fi.Size()}
	a.mu.Unlock()
}

func attribMode(m meta.Meta) os.FileMode {
	if m.HasUnixAttrib {
		return os.FileMode(m.UnixAttrib)
	}
	return 0o755
}

func unixFileMode(m meta.Meta) os.FileMode {
	if m.HasUnixAttrib {
		return os.FileMode(m.UnixAttrib)
	}
	return 0o644
}

func microsToTime(us uint64) time.Time {
	return time.UnixMicro(int64(us))
}
