// Package zoo defines the model-zoo surface the evaluation driver consumes:
// the Dataset and Segmentor interfaces, the builder registries that map
// configuration type names to implementations, and the generic DataLoader.
//
// The driver itself ships no model architecture and no metric formula.
// Architectures, dataset pipelines, and metrics are contributed by external
// packages that call RegisterSegmentor / RegisterDataset / RegisterMetric
// from their init functions and are linked into the binary by side-effect
// imports. The one built-in dataset ("manifest", see manifest.go) exists so
// the binary is exercisable end to end.
package zoo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mizuno-lab/segeval/internal/config"
	"github.com/mizuno-lab/segeval/internal/model"
)

// Sample identifies one dataset element handed to the segmentor. The
// dataset pipeline owns decoding and augmentation; the driver only moves
// sample references around.
type Sample struct {
	// Index is the sample's position in the full dataset.
	Index int

	// ImagePath is the input image location.
	ImagePath string

	// AnnPath is the ground-truth annotation location, empty in test mode
	// when annotations are withheld.
	AnnPath string
}

// Dataset is the external dataset collaborator. The orchestrator holds one
// reference, never mutates its internals, and consumes it by iteration.
type Dataset interface {
	// Len returns the number of samples.
	Len() int

	// Sample returns the i-th sample reference.
	Sample(i int) (Sample, error)

	// Classes returns the label names, indexed by class id.
	Classes() []string

	// Palette returns the display colors, indexed by class id.
	Palette() []model.Color

	// Evaluate computes the named metrics over the full result sequence.
	// saveDir, when non-empty, receives evaluation artifacts. opts is the
	// keyword payload from --eval-options.
	Evaluate(results []model.Result, metrics []string, saveDir string, opts map[string]any) (map[string]float64, error)

	// FormatResults converts the result sequence to a submission format.
	// opts is the keyword payload from --eval-options.
	FormatResults(results []model.Result, opts map[string]any) error
}

// Segmentor is the external model collaborator. The orchestrator mutates
// it exactly twice: applying checkpoint weights and attaching label
// metadata. Both mutations happen before the first Infer call.
type Segmentor interface {
	// Infer runs inference on one sample. The runners call Infer from up
	// to workers_per_gpu goroutines concurrently, so implementations must
	// be safe for concurrent use.
	Infer(ctx context.Context, s Sample) (model.Result, error)

	// ApplyState loads checkpoint weights into the model.
	ApplyState(state map[string][]float32) error

	// SetLabels attaches the class names and palette used by evaluators
	// and the visualization sink.
	SetLabels(classes []string, palette []model.Color)

	// Labels returns the attached class names and palette.
	Labels() ([]string, []model.Color)
}

// VisionLanguageInitializer is implemented by segmentors whose backbone and
// text encoder are initialized independently from a vision-language
// checkpoint. The orchestrator asserts for it when the checkpoint reference
// is vision-language; a segmentor without it cannot consume such a
// checkpoint.
type VisionLanguageInitializer interface {
	InitBackbone(path string) error
	InitTextEncoder(path string) error
}

// DatasetBuilder constructs a dataset from its config subtree (data.test).
type DatasetBuilder func(cfg *config.Document) (Dataset, error)

// SegmentorBuilder constructs a segmentor from its config subtree (model).
type SegmentorBuilder func(cfg *config.Document) (Segmentor, error)

// MetricFunc computes one named metric over a result sequence.
type MetricFunc func(results []model.Result, ds Dataset, opts map[string]any) (float64, error)

var (
	registryMu sync.RWMutex
	datasets   = make(map[string]DatasetBuilder)
	segmentors = make(map[string]SegmentorBuilder)
	metrics    = make(map[string]MetricFunc)
)

// RegisterDataset adds a dataset builder under a type name. Duplicate
// registrations panic, matching the usual init-time registry contract.
func RegisterDataset(name string, b DatasetBuilder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := datasets[name]; dup {
		panic(fmt.Sprintf("zoo: dataset type %q registered twice", name))
	}
	datasets[name] = b
}

// RegisterSegmentor adds a segmentor builder under a type name.
func RegisterSegmentor(name string, b SegmentorBuilder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := segmentors[name]; dup {
		panic(fmt.Sprintf("zoo: segmentor type %q registered twice", name))
	}
	segmentors[name] = b
}

// RegisterMetric adds a metric implementation under its CLI name
// (e.g. "mIoU").
func RegisterMetric(name string, fn MetricFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := metrics[name]; dup {
		panic(fmt.Sprintf("zoo: metric %q registered twice", name))
	}
	metrics[name] = fn
}

// Metric looks up a registered metric implementation.
func Metric(name string) (MetricFunc, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := metrics[name]
	return fn, ok
}

// BuildDataset constructs the dataset named by the subtree's "type" key.
func BuildDataset(cfg *config.Document) (Dataset, error) {
	name := cfg.GetString("type", "")
	if name == "" {
		return nil, model.NewCLIError(model.ExitConfigError, "dataset config has no \"type\" key")
	}
	registryMu.RLock()
	b, ok := datasets[name]
	known := registeredNames(datasets)
	registryMu.RUnlock()
	if !ok {
		return nil, model.NewCLIError(model.ExitConfigError,
			fmt.Sprintf("unknown dataset type %q (registered: %v)", name, known))
	}
	return b(cfg)
}

// BuildSegmentor constructs the segmentor named by the subtree's "type" key.
func BuildSegmentor(cfg *config.Document) (Segmentor, error) {
	name := cfg.GetString("type", "")
	if name == "" {
		return nil, model.NewCLIError(model.ExitConfigError, "model config has no \"type\" key")
	}
	registryMu.RLock()
	b, ok := segmentors[name]
	known := registeredNames(segmentors)
	registryMu.RUnlock()
	if !ok {
		return nil, model.NewCLIError(model.ExitConfigError,
			fmt.Sprintf("unknown segmentor type %q (registered: %v)", name, known))
	}
	return b(cfg)
}

// registeredNames lists a registry's keys sorted, for error messages.
// Callers must hold at least a read lock.
func registeredNames[T any](reg map[string]T) []string {
	names := make([]string, 0, len(reg))
	for name := range reg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
