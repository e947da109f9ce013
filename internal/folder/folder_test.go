package folder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"librevault-go/internal/chunkstore"
	"librevault-go/internal/index"
	"librevault-go/internal/scanner"
	"librevault-go/internal/secret"
)

func newTestController(t *testing.T) (*Controller, string) {
	t.Helper()
	owner, err := secret.NewOwner()
	require.NoError(t, err)

	root := t.TempDir()
	ix, err := index.Open(filepath.Join(t.TempDir(), "index.db"), owner, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	cs, err := chunkstore.Open(filepath.Join(t.TempDir(), "chunks"), nil)
	require.NoError(t, err)

	cfg := scanner.DefaultConfig(root)
	cfg.FullRescanInterval = time.Hour // test drives scans explicitly
	cfg.IndexEventTimeout = 10 * time.Millisecond

	c, err := New(Deps{
		Root:    root,
		Secret:  owner,
		Index:   ix,
		Chunks:  cs,
		Scanner: cfg,
	})
	require.NoError(t, err)
	return c, root
}

// TestFullRescanTriggersAssembly writes a local file, runs a full rescan
// (which signs and upserts a complete Meta), and confirms the Controller's
// event dispatch drives the Assembler to (re)write the same bytes into
// place without an externally-driven gossip download.
func TestFullRescanTriggersAssembly(t *testing.T) {
	c, root := newTestController(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi there"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return c.scanner.FullRescan() == nil
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		got, err := os.ReadFile(filepath.Join(root, "hello.txt"))
		return err == nil && string(got) == "hi there"
	}, time.Second, 10*time.Millisecond)
}

func TestAddRemoveSession(t *testing.T) {
	c, _ := newTestController(t)
	s := &fakeSession{}
	c.AddSession("peer-1", s)
	c.RemoveSession("peer-1")
	// Removing twice must not panic.
	c.RemoveSession("peer-1")
}

type fakeSession struct {
	announced []uint64
}

func (f *fakeSession) AnnounceMeta(pathHash [32]byte, revision uint64) {
	f.announced = append(f.announced, revision)
}
func (f *fakeSession) AnnounceChunk(ctHash [32]byte) {}
func (f *fakeSession) Close() error                  { return nil }
