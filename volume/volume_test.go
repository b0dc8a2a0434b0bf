package volume

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	fserrors "github.com/dargueta/exfs2/errors"
	"github.com/dargueta/exfs2/internal/layout"
	"github.com/dargueta/exfs2/internal/segstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readBitmaps snapshots the bitmap block of segment 0 of both families, for
// before/after comparisons (spec.md §8's space-reclaim and idempotent-
// bootstrap properties).
func readBitmaps(t *testing.T, dir string) (inodeBitmap, dataBitmap []byte) {
	t.Helper()
	store := segstore.Open(dir)
	defer store.Close()

	inodeBitmap = make([]byte, layout.BlockSize)
	require.NoError(t, store.ReadBlock(segstore.FamilyInode, 0, 0, inodeBitmap))

	dataBitmap = make([]byte, layout.BlockSize)
	require.NoError(t, store.ReadBlock(segstore.FamilyData, 0, 0, dataBitmap))
	return
}

// Scenario 1: bootstrap then list root.
func TestScenarioBootstrapThenListRoot(t *testing.T) {
	dir := t.TempDir()

	v, err := Open(dir)
	require.NoError(t, err)
	defer v.Close()

	lines, err := v.List("/")
	require.NoError(t, err)
	assert.Equal(t, []string{"/"}, lines)

	for _, family := range []string{"inodeseg0", "dataseg0"} {
		info, err := os.Stat(filepath.Join(dir, family))
		require.NoError(t, err)
		assert.EqualValues(t, layout.SegmentSize, info.Size())
	}
}

// Scenario 2: add a small file and extract it back byte for byte.
func TestScenarioAddSmallFileAndExtract(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(dir)
	require.NoError(t, err)
	defer v.Close()

	content := []byte("Hello, World!")
	require.NoError(t, v.Add("/greet", bytes.NewReader(content)))

	var out bytes.Buffer
	require.NoError(t, v.Extract("/greet", &out))
	assert.Equal(t, content, out.Bytes())
}

// Scenario 3: nested directories are created on demand.
func TestScenarioCreateNestedDirectoriesOnDemand(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(dir)
	require.NoError(t, err)
	defer v.Close()

	require.NoError(t, v.Add("/a/b/c/file", bytes.NewReader([]byte("x"))))

	lines, err := v.List("/")
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "a/", "  b/", "    c/", "      file"}, lines)

	lines, err = v.List("/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "b/", "  c/", "    file"}, lines)

	lines, err = v.List("/a/b")
	require.NoError(t, err)
	assert.Equal(t, []string{"/a/b", "c/", "  file"}, lines)

	lines, err = v.List("/a/b/c")
	require.NoError(t, err)
	assert.Equal(t, []string{"/a/b/c", "file"}, lines)
}

// Scenario 4: recursive remove returns the bitmaps to their post-bootstrap
// state.
func TestScenarioRemoveRecursivelyRestoresBitmaps(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(dir)
	require.NoError(t, err)

	inodeBefore, dataBefore := readBitmaps(t, dir)
	v.Close()

	v, err = Open(dir)
	require.NoError(t, err)
	require.NoError(t, v.Add("/a/b/c/file", bytes.NewReader([]byte("x"))))
	require.NoError(t, v.Remove("/a"))

	lines, err := v.List("/")
	require.NoError(t, err)
	assert.Equal(t, []string{"/"}, lines)
	v.Close()

	inodeAfter, dataAfter := readBitmaps(t, dir)
	assert.Equal(t, inodeBefore, inodeAfter)
	assert.Equal(t, dataBefore, dataAfter)
}

// Scenario 5: a file crossing into single indirection round-trips exactly.
func TestScenarioLargeFileCrossingIntoSingleIndirection(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(dir)
	require.NoError(t, err)
	defer v.Close()

	size := (layout.NDirect + 5) * layout.BlockSize
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i % 251)
	}

	require.NoError(t, v.Add("/big", bytes.NewReader(content)))

	var out bytes.Buffer
	require.NoError(t, v.Extract("/big", &out))
	assert.Equal(t, content, out.Bytes())
}

// Scenario 6: double-add is rejected and leaves the bitmaps unchanged.
func TestScenarioRejectDoubleAdd(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, v.Add("/x", bytes.NewReader([]byte("a"))))

	inodeBefore, dataBefore := readBitmaps(t, dir)

	err = v.Add("/x", bytes.NewReader([]byte("b")))
	require.Error(t, err)
	assert.ErrorIs(t, err, fserrors.ErrAlreadyExists)

	inodeAfter, dataAfter := readBitmaps(t, dir)
	assert.Equal(t, inodeBefore, inodeAfter)
	assert.Equal(t, dataBefore, dataAfter)

	v.Close()
}

func TestEmptyFileAllocatesNoDataBlock(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(dir)
	require.NoError(t, err)
	defer v.Close()

	_, dataBefore := readBitmaps(t, dir)
	require.NoError(t, v.Add("/empty", bytes.NewReader(nil)))
	_, dataAfter := readBitmaps(t, dir)
	assert.Equal(t, dataBefore, dataAfter)

	var out bytes.Buffer
	require.NoError(t, v.Extract("/empty", &out))
	assert.Empty(t, out.Bytes())
}

func TestExactlyOneBlockFileRoundTrips(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(dir)
	require.NoError(t, err)
	defer v.Close()

	content := bytes.Repeat([]byte{0x42}, layout.BlockSize)
	require.NoError(t, v.Add("/oneblock", bytes.NewReader(content)))

	var out bytes.Buffer
	require.NoError(t, v.Extract("/oneblock", &out))
	assert.Equal(t, content, out.Bytes())
}

func TestRemoveRefusesRootDotAndDotDot(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(dir)
	require.NoError(t, err)
	defer v.Close()

	for _, p := range []string{"/", "/.", "/.."} {
		err := v.Remove(p)
		require.Error(t, err)
		assert.ErrorIs(t, err, fserrors.ErrInvalidArgument)
	}
}

func TestExtractRefusesDirectory(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(dir)
	require.NoError(t, err)
	defer v.Close()

	require.NoError(t, v.Add("/a/file", bytes.NewReader([]byte("x"))))

	var out bytes.Buffer
	err = v.Extract("/a", &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, fserrors.ErrIsADirectory)
}

func TestBootstrapIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	v1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, v1.Add("/keep", bytes.NewReader([]byte("data"))))
	v1.Close()

	inodeBefore, dataBefore := readBitmaps(t, dir)

	v2, err := Open(dir)
	require.NoError(t, err)
	defer v2.Close()

	inodeAfter, dataAfter := readBitmaps(t, dir)
	assert.Equal(t, inodeBefore, inodeAfter)
	assert.Equal(t, dataBefore, dataAfter)

	var out bytes.Buffer
	require.NoError(t, v2.Extract("/keep", &out))
	assert.Equal(t, []byte("data"), out.Bytes())
}

func TestDebugWalksPathComponents(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(dir)
	require.NoError(t, err)
	defer v.Close()

	require.NoError(t, v.Add("/a/b/file", bytes.NewReader([]byte("x"))))

	steps, err := v.Debug("/a/b/file")
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.Equal(t, "/", steps[0].Component)
	assert.Equal(t, "a", steps[1].Component)
	assert.Equal(t, "b", steps[2].Component)
	assert.Equal(t, "file", steps[3].Component)
	assert.Equal(t, layout.ModeRegularFile, steps[3].Mode)
}
