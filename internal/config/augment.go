// augment.go applies the test-time configuration rewrites the orchestrator
// performs during configuration assembly: multi-scale/flip augmentation,
// test-mode forcing, and pretrained-weights clearing.
package config

// Dotted paths into the run configuration that the assembly phase rewrites.
// The multi-scale stage is by convention the second entry of the test
// pipeline (index 1), after the load stage.
const (
	augRatiosPath  = "data.test.pipeline.1.img_ratios"
	augFlipPath    = "data.test.pipeline.1.flip"
	testModePath   = "data.test.test_mode"
	pretrainedPath = "model.pretrained"
	trainCfgPath   = "model.train_cfg"
	classNamesPath = "model.class_names"
	workersPath    = "data.workers_per_gpu"
)

// defaultAugRatios is the full scale-ratio sweep used when no custom
// starting ratio is requested.
var defaultAugRatios = []any{0.5, 0.75, 1.0, 1.25, 1.5, 1.75}

// AugRatios returns the multi-scale ratio list for augmented testing.
// A positive ratioStart selects the shortened sweep beginning at that
// value; otherwise the default six-step sweep is used.
func AugRatios(ratioStart float64) []any {
	if ratioStart > 0 {
		return []any{ratioStart, 1.0, 1.25, 1.5, 1.75}
	}
	ratios := make([]any, len(defaultAugRatios))
	copy(ratios, defaultAugRatios)
	return ratios
}

// ApplyAugTest rewrites the test pipeline's multi-scale stage with the
// requested ratio sweep and enables flipping. The base configuration must
// define the pipeline stage; a missing stage is a configuration error.
func ApplyAugTest(doc *Document, ratioStart float64) error {
	if err := doc.Set(augRatiosPath, AugRatios(ratioStart)); err != nil {
		return err
	}
	return doc.Set(augFlipPath, true)
}

// ForceTestMode marks the test dataset configuration as test-mode so the
// dataset builder skips annotation-dependent training behavior.
func ForceTestMode(doc *Document) error {
	return doc.Set(testModePath, true)
}

// ClearPretrained removes the pretrained-weights path from the model
// configuration. Called when an explicit checkpoint will be loaded, so the
// model builder does not fetch weights that are about to be overwritten.
func ClearPretrained(doc *Document) error {
	return doc.Set(pretrainedPath, nil)
}

// DisableTrainCfg clears the training configuration before building the
// model for evaluation.
func DisableTrainCfg(doc *Document) error {
	return doc.Set(trainCfgPath, nil)
}

// SetClassNames attaches the dataset's class names to the model
// configuration so the builder can size label-dependent heads.
func SetClassNames(doc *Document, classes []string) error {
	names := make([]any, len(classes))
	for i, c := range classes {
		names[i] = c
	}
	return doc.Set(classNamesPath, names)
}

// WorkersPerGPU reads the dataloader worker count, defaulting to 2.
func WorkersPerGPU(doc *Document) int {
	return doc.GetInt(workersPath, 2)
}
