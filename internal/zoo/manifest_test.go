package zoo

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizuno-lab/segeval/internal/config"
	"github.com/mizuno-lab/segeval/internal/model"
)

const manifestFixture = `{
  // two-class toy split
  "classes": ["background", "crack"],
  "palette": [[0, 0, 0], [255, 0, 0]],
  "samples": [
    {"image": "images/a.png", "annotation": "ann/a.png"},
    {"image": "images/b.png"}
  ]
}`

// writeManifest writes a manifest fixture and returns a dataset config
// subtree pointing at it.
func writeManifest(t *testing.T, content string, testMode bool) *config.Document {
	t.Helper()
	path := filepath.Join(t.TempDir(), "val.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return config.New(map[string]any{
		"type":      "manifest",
		"manifest":  path,
		"test_mode": testMode,
	})
}

// TestBuildDataset_Manifest builds the registered manifest dataset through
// the registry, as the orchestrator does.
func TestBuildDataset_Manifest(t *testing.T) {
	ds, err := BuildDataset(writeManifest(t, manifestFixture, true))
	require.NoError(t, err)

	assert.Equal(t, 2, ds.Len())
	assert.Equal(t, []string{"background", "crack"}, ds.Classes())
	assert.Equal(t, []model.Color{{0, 0, 0}, {255, 0, 0}}, ds.Palette())

	s, err := ds.Sample(0)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Index)
	assert.True(t, filepath.IsAbs(s.ImagePath) || s.ImagePath != "", "image path resolved")
	assert.Contains(t, s.ImagePath, filepath.Join("images", "a.png"))
	assert.Contains(t, s.AnnPath, filepath.Join("ann", "a.png"))

	_, err = ds.Sample(7)
	assert.Error(t, err)
}

// TestBuildDataset_MissingAnnotation rejects annotation-less samples when
// test mode is off.
func TestBuildDataset_MissingAnnotation(t *testing.T) {
	_, err := BuildDataset(writeManifest(t, manifestFixture, false))
	assert.Error(t, err)
}

// TestBuildDataset_BadPalette rejects palette/class count mismatches.
func TestBuildDataset_BadPalette(t *testing.T) {
	content := `{"classes": ["a", "b"], "palette": [[0,0,0]], "samples": []}`
	_, err := BuildDataset(writeManifest(t, content, true))
	assert.Error(t, err)
}

// TestBuildDataset_UnknownType reports the registered type names.
func TestBuildDataset_UnknownType(t *testing.T) {
	cfg := config.New(map[string]any{"type": "cityscapes"})
	_, err := BuildDataset(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest")
}

// TestManifestDataset_Evaluate dispatches to registered metrics and writes
// the metric table into the save directory.
func TestManifestDataset_Evaluate(t *testing.T) {
	RegisterMetric("fakeAcc", func(results []model.Result, _ Dataset, _ map[string]any) (float64, error) {
		return float64(len(results)), nil
	})
	t.Cleanup(func() {
		registryMu.Lock()
		delete(metrics, "fakeAcc")
		registryMu.Unlock()
	})

	ds, err := BuildDataset(writeManifest(t, manifestFixture, true))
	require.NoError(t, err)

	results := []model.Result{
		{Index: 0, Source: "images/a.png", Width: 1, Height: 1, ClassMask: []uint8{1}},
		{Index: 1, Source: "images/b.png", Width: 1, Height: 1, ClassMask: []uint8{0}},
	}

	saveDir := filepath.Join(t.TempDir(), "eval")
	values, err := ds.Evaluate(results, []string{"fakeAcc"}, saveDir, map[string]any{"exp_tag": "run-7"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, values["fakeAcc"])

	data, err := os.ReadFile(filepath.Join(saveDir, "metrics.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "fakeAcc")
	assert.Contains(t, string(data), "run-7")
}

// TestManifestDataset_Evaluate_UnknownMetric fails before computing
// anything.
func TestManifestDataset_Evaluate_UnknownMetric(t *testing.T) {
	ds, err := BuildDataset(writeManifest(t, manifestFixture, true))
	require.NoError(t, err)

	results := make([]model.Result, ds.Len())
	_, err = ds.Evaluate(results, []string{"mDice"}, "", nil)
	assert.Error(t, err)
}

// TestManifestDataset_Evaluate_LengthMismatch rejects partial sequences.
func TestManifestDataset_Evaluate_LengthMismatch(t *testing.T) {
	ds, err := BuildDataset(writeManifest(t, manifestFixture, true))
	require.NoError(t, err)

	_, err = ds.Evaluate([]model.Result{{}}, nil, "", nil)
	assert.Error(t, err)
}

// TestManifestDataset_FormatResults_BadMaskLength rejects a mask that
// disagrees with its declared dimensions instead of panicking.
func TestManifestDataset_FormatResults_BadMaskLength(t *testing.T) {
	ds, err := BuildDataset(writeManifest(t, manifestFixture, true))
	require.NoError(t, err)

	results := []model.Result{
		{Index: 0, Source: "images/a.png", Width: 2, Height: 2, ClassMask: []uint8{0}},
	}
	err = ds.FormatResults(results, map[string]any{"submission_dir": t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1-pixel mask")
}

// TestManifestDataset_FormatResults writes one grayscale PNG per result
// into the submission directory.
func TestManifestDataset_FormatResults(t *testing.T) {
	ds, err := BuildDataset(writeManifest(t, manifestFixture, true))
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "submission")
	results := []model.Result{
		{Index: 0, Source: "images/a.png", Width: 2, Height: 1, ClassMask: []uint8{0, 1}},
		{Index: 1, Source: "images/b.png", Width: 2, Height: 1, ClassMask: []uint8{1, 1}},
	}

	require.NoError(t, ds.FormatResults(results, map[string]any{"submission_dir": dir}))

	f, err := os.Open(filepath.Join(dir, "a.png"))
	require.NoError(t, err)
	defer f.Close()

	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 2, img.Bounds().Dx())
	assert.Equal(t, 1, img.Bounds().Dy())
}
