// manifest.go implements the built-in "manifest" dataset: a JSONC index
// file listing image/annotation pairs plus the label metadata header.
// It is deliberately minimal (no augmentation pipeline); richer datasets
// come from external packages through RegisterDataset.
package zoo

import (
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/mizuno-lab/segeval/internal/config"
	"github.com/mizuno-lab/segeval/internal/model"
)

func init() {
	RegisterDataset("manifest", newManifestDataset)
}

// manifestFile is the on-disk index format. Manifests support JSONC
// comments since they are frequently written by hand.
type manifestFile struct {
	// Classes are the label names, indexed by class id.
	Classes []string `json:"classes"`

	// Palette are the display colors, one [r,g,b] triple per class.
	Palette []model.Color `json:"palette"`

	// Samples lists the dataset entries in evaluation order.
	Samples []manifestSample `json:"samples"`
}

type manifestSample struct {
	// Image is the input image path, relative to the manifest file.
	Image string `json:"image"`

	// Annotation is the ground-truth mask path, relative to the manifest
	// file. Optional in test mode.
	Annotation string `json:"annotation,omitempty"`
}

// manifestDataset serves samples straight from a parsed manifest.
type manifestDataset struct {
	baseDir  string
	classes  []string
	palette  []model.Color
	samples  []manifestSample
	testMode bool
}

// newManifestDataset builds the dataset from its config subtree:
//
//	type: manifest
//	manifest: <path to index file>
//	test_mode: <bool>
func newManifestDataset(cfg *config.Document) (Dataset, error) {
	path := cfg.GetString("manifest", "")
	if path == "" {
		return nil, model.NewCLIError(model.ExitConfigError, "manifest dataset config has no \"manifest\" key")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to read dataset manifest %s", path), err)
	}

	var mf manifestFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &mf); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to parse dataset manifest %s", path), err)
	}
	if len(mf.Classes) == 0 {
		return nil, model.NewCLIError(model.ExitConfigError,
			fmt.Sprintf("dataset manifest %s defines no classes", path))
	}
	if len(mf.Palette) != 0 && len(mf.Palette) != len(mf.Classes) {
		return nil, model.NewCLIError(model.ExitConfigError,
			fmt.Sprintf("dataset manifest %s: palette has %d entries for %d classes", path, len(mf.Palette), len(mf.Classes)))
	}

	ds := &manifestDataset{
		baseDir:  filepath.Dir(path),
		classes:  mf.Classes,
		palette:  mf.Palette,
		samples:  mf.Samples,
		testMode: cfg.GetBool("test_mode", false),
	}

	if !ds.testMode {
		for i, s := range ds.samples {
			if s.Annotation == "" {
				return nil, model.NewCLIError(model.ExitConfigError,
					fmt.Sprintf("dataset manifest %s: sample %d has no annotation and test_mode is off", path, i))
			}
		}
	}

	return ds, nil
}

func (d *manifestDataset) Len() int {
	return len(d.samples)
}

func (d *manifestDataset) Sample(i int) (Sample, error) {
	if i < 0 || i >= len(d.samples) {
		return Sample{}, fmt.Errorf("manifest dataset: index %d out of range [0, %d)", i, len(d.samples))
	}
	s := d.samples[i]
	sample := Sample{
		Index:     i,
		ImagePath: filepath.Join(d.baseDir, s.Image),
	}
	if s.Annotation != "" {
		sample.AnnPath = filepath.Join(d.baseDir, s.Annotation)
	}
	return sample, nil
}

func (d *manifestDataset) Classes() []string {
	return d.classes
}

func (d *manifestDataset) Palette() []model.Color {
	return d.palette
}

// Evaluate dispatches each requested metric to the registered
// implementation and, when saveDir is set, writes the metric table there
// as JSON. Metric formulas live outside this repository.
func (d *manifestDataset) Evaluate(results []model.Result, metricNames []string, saveDir string, opts map[string]any) (map[string]float64, error) {
	if len(results) != len(d.samples) {
		return nil, fmt.Errorf("evaluate: got %d results for %d samples", len(results), len(d.samples))
	}

	values := make(map[string]float64, len(metricNames))
	for _, name := range metricNames {
		fn, ok := Metric(name)
		if !ok {
			return nil, fmt.Errorf("evaluate: metric %q is not registered", name)
		}
		v, err := fn(results, d, opts)
		if err != nil {
			return nil, fmt.Errorf("evaluate: metric %q: %w", name, err)
		}
		values[name] = v
	}

	if saveDir != "" {
		if err := writeMetricTable(saveDir, values, opts); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// writeMetricTable persists the computed metrics, tagged with the
// experiment tag when one was passed through eval options.
func writeMetricTable(saveDir string, values map[string]float64, opts map[string]any) error {
	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		return fmt.Errorf("evaluate: cannot create save dir %s: %w", saveDir, err)
	}

	table := map[string]any{"metrics": values}
	if tag, ok := opts["exp_tag"].(string); ok && tag != "" {
		table["exp_tag"] = tag
	}

	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("evaluate: cannot encode metric table: %w", err)
	}
	path := filepath.Join(saveDir, "metrics.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("evaluate: cannot write %s: %w", path, err)
	}
	return nil
}

// FormatResults writes each predicted mask as a grayscale PNG (pixel value
// = class id) into the submission directory, named after the source image.
// The directory comes from the eval-options payload ("submission_dir"),
// defaulting to "format_results".
func (d *manifestDataset) FormatResults(results []model.Result, opts map[string]any) error {
	dir := "format_results"
	if v, ok := opts["submission_dir"].(string); ok && v != "" {
		dir = v
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("format: cannot create submission dir %s: %w", dir, err)
	}

	for i := range results {
		r := &results[i]
		mask, err := r.Mask()
		if err != nil {
			return fmt.Errorf("format: %w", err)
		}
		if len(mask) != r.Width*r.Height {
			return fmt.Errorf("format: result %d has a %d-pixel mask for %dx%d dimensions",
				r.Index, len(mask), r.Width, r.Height)
		}
		img := image.NewGray(image.Rect(0, 0, r.Width, r.Height))
		copy(img.Pix, mask)

		base := filepath.Base(r.Source)
		name := base[:len(base)-len(filepath.Ext(base))] + ".png"

		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("format: %w", err)
		}
		if err := png.Encode(f, img); err != nil {
			f.Close()
			return fmt.Errorf("format: encoding %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("format: %w", err)
		}
	}
	return nil
}
