package ignore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSystemDirAlwaysIgnored(t *testing.T) {
	f, err := New(nil)
	require.NoError(t, err)
	require.True(t, f.IsIgnored(".librevault"))
	require.True(t, f.IsIgnored(".librevault/index.db"))
	require.False(t, f.IsIgnored(".librevaultx/keep.txt"))
}

func TestSingleSegmentGlob(t *testing.T) {
	f, err := New([]string{"*.tmp"})
	require.NoError(t, err)
	require.True(t, f.IsIgnored("a.tmp"))
	require.True(t, f.IsIgnored("sub/dir/a.tmp"))
	require.False(t, f.IsIgnored("a.tmp.bak"))
}

func TestDoubleStarGlob(t *testing.T) {
	f, err := New([]string{"build/**/*.o"})
	require.NoError(t, err)
	require.True(t, f.IsIgnored("build/x/y/z.o"))
	require.True(t, f.IsIgnored("build/z.o"))
	require.False(t, f.IsIgnored("other/z.o"))
}

func TestDirOnlyPatternIgnoresSubtree(t *testing.T) {
	f, err := New([]string{"node_modules/"})
	require.NoError(t, err)
	require.True(t, f.IsIgnored("node_modules/pkg/index.js"))
	require.False(t, f.IsIgnored("not_node_modules/x"))
}

func TestUpdateReplacesPatternSetAtomically(t *testing.T) {
	f, err := New([]string{"*.tmp"})
	require.NoError(t, err)
	require.True(t, f.IsIgnored("a.tmp"))
	require.False(t, f.IsIgnored("a.log"))

	require.NoError(t, f.Update([]string{"*.log"}))
	require.False(t, f.IsIgnored("a.tmp"))
	require.True(t, f.IsIgnored("a.log"))
}

func TestNewRejectsInvalidPattern(t *testing.T) {
	_, err := New([]string{"["})
	require.Error(t, err)
}
