package runner

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mizuno-lab/segeval/internal/model"
	"github.com/mizuno-lab/segeval/internal/zoo"
	"github.com/mizuno-lab/segeval/internal/zoo/zootest"
)

// modelResult builds an in-memory result with a zeroed mask of the given
// dimensions.
func modelResult(w, h int) model.Result {
	return model.Result{Width: w, Height: h, ClassMask: make([]uint8, w*h)}
}

// newLoader builds a single-process evaluation loader over the fake
// dataset.
func newLoader(t *testing.T, ds *zootest.FakeDataset) *zoo.DataLoader {
	t.Helper()
	loader, err := zoo.NewDataLoader(ds, zoo.LoaderOptions{SamplesPerWorker: 1, Workers: 2})
	require.NoError(t, err)
	return loader
}

// writeTestImages creates one 2x2 PNG per sample, named the way the fake
// dataset names samples, so the visualization path has real sources.
func writeTestImages(t *testing.T, dir string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 2, 2))
		for p := 0; p < len(img.Pix); p += 4 {
			img.Pix[p] = 100
			img.Pix[p+3] = 0xff
		}
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%04d.png", i)))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
}

// TestSingleProcess_OrderedResults verifies the runner returns one result
// per sample, ordered by dataset index, with masks in memory.
func TestSingleProcess_OrderedResults(t *testing.T) {
	ds := zootest.NewFakeDataset(6)
	seg := &zootest.FakeSegmentor{}

	results, err := SingleProcess(context.Background(), seg, newLoader(t, ds), Options{Opacity: 0.5}, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, results, 6)

	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.NotNil(t, r.ClassMask)
		assert.Empty(t, r.SpillPath)
	}
}

// TestSingleProcess_Show prints one summary line per sample naming the
// dominant class.
func TestSingleProcess_Show(t *testing.T) {
	ds := zootest.NewFakeDataset(4)
	seg := &zootest.FakeSegmentor{}
	seg.SetLabels(ds.Classes(), ds.Palette())

	var out bytes.Buffer
	opts := Options{Show: true, ShowWriter: &out, Opacity: 0.5}

	_, err := SingleProcess(context.Background(), seg, newLoader(t, ds), opts, zap.NewNop())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 4)
	assert.Contains(t, out.String(), "background")
	assert.Contains(t, out.String(), "foreground")
}

// TestSingleProcess_ShowDir writes one blended overlay PNG per sample.
func TestSingleProcess_ShowDir(t *testing.T) {
	imgDir := t.TempDir()
	ds := zootest.NewFakeDataset(3)
	ds.BaseDir = imgDir
	writeTestImages(t, imgDir, 3)

	seg := &zootest.FakeSegmentor{}
	seg.SetLabels(ds.Classes(), ds.Palette())

	showDir := filepath.Join(t.TempDir(), "vis")
	opts := Options{ShowDir: showDir, Opacity: 0.5}

	_, err := SingleProcess(context.Background(), seg, newLoader(t, ds), opts, zap.NewNop())
	require.NoError(t, err)

	entries, err := os.ReadDir(showDir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	f, err := os.Open(filepath.Join(showDir, "0001.png"))
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 2, img.Bounds().Dx())
}

// TestSingleProcess_Efficient spills masks to disk and keeps them
// readable through Result.Mask.
func TestSingleProcess_Efficient(t *testing.T) {
	ds := zootest.NewFakeDataset(5)
	seg := &zootest.FakeSegmentor{}

	opts := Options{Efficient: true, SpillDir: t.TempDir(), Opacity: 0.5}
	results, err := SingleProcess(context.Background(), seg, newLoader(t, ds), opts, zap.NewNop())
	require.NoError(t, err)

	for i, r := range results {
		assert.Nil(t, r.ClassMask, "mask %d should be spilled", i)
		require.NotEmpty(t, r.SpillPath)

		mask, err := r.Mask()
		require.NoError(t, err)
		assert.Equal(t, uint8(i%2), mask[0])
	}
}

// TestSingleProcess_InferenceError propagates model failures unmodified,
// with no retry.
func TestSingleProcess_InferenceError(t *testing.T) {
	ds := zootest.NewFakeDataset(4)
	seg := &zootest.FakeSegmentor{InferErr: fmt.Errorf("device lost")}

	_, err := SingleProcess(context.Background(), seg, newLoader(t, ds), Options{Opacity: 0.5}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device lost")
}

// TestSaveOverlay_DimensionMismatch rejects masks that do not match the
// source image.
func TestSaveOverlay_DimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	writeTestImages(t, dir, 1)

	r := modelResult(4, 4)
	err := SaveOverlay(t.TempDir(), filepath.Join(dir, "0000.png"), &r, nil, 0.5)
	assert.Error(t, err)
}

// TestSaveOverlay_BadMaskLength rejects a mask whose pixel count does not
// match its declared dimensions instead of panicking in the blend loop.
func TestSaveOverlay_BadMaskLength(t *testing.T) {
	dir := t.TempDir()
	writeTestImages(t, dir, 1)

	r := model.Result{Width: 2, Height: 2, ClassMask: []uint8{0, 1, 1}}
	err := SaveOverlay(t.TempDir(), filepath.Join(dir, "0000.png"), &r, nil, 0.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3-pixel mask")
}
