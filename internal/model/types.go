package model

import (
	"fmt"
	"os"
	"strings"
)

// Color is a single RGB palette entry. Evaluators and the visualization
// sink index into the palette by class index to colorize masks.
type Color [3]uint8

// Result is the inference output for one dataset sample.
//
// The orchestrator produces the full ordered sequence of results once and
// then feeds it, untransformed, to up to three independent sinks (dump,
// format, evaluate). Index always refers to the sample's position in the
// full dataset, even when the sequence was assembled from per-rank shards
// of a distributed run.
type Result struct {
	// Index is the sample's position in the dataset (0-based).
	Index int

	// Source identifies the input sample, typically the image path.
	Source string

	// Width and Height are the mask dimensions in pixels.
	Width  int
	Height int

	// ClassMask holds one class index per pixel, row-major. Nil when the
	// mask was spilled to disk in efficient-test mode (see SpillPath).
	ClassMask []uint8

	// SpillPath is the temp file holding the raw mask bytes when the
	// efficient-test mode moved it out of memory. Empty otherwise.
	SpillPath string
}

// Mask returns the class-index mask, reading it back from the spill file
// if the efficient-test mode moved it to disk.
func (r *Result) Mask() ([]uint8, error) {
	if r.ClassMask != nil {
		return r.ClassMask, nil
	}
	if r.SpillPath == "" {
		return nil, fmt.Errorf("result %d (%s): no mask in memory and no spill file", r.Index, r.Source)
	}
	data, err := os.ReadFile(r.SpillPath)
	if err != nil {
		return nil, fmt.Errorf("result %d: failed to read spilled mask: %w", r.Index, err)
	}
	return data, nil
}

// RunOptions is the immutable record of parsed CLI flags for a test run.
// It is constructed once in the cli package and read-only afterwards.
type RunOptions struct {
	// ConfigPath is the run configuration file (YAML, JSONC, or TOML).
	ConfigPath string

	// CheckpointArg is the raw checkpoint positional argument. The literal
	// value "None" is a sentinel meaning "no checkpoint"; interpretation
	// happens once, in checkpoint.ParseRef.
	CheckpointArg string

	// AugTest enables multi-scale/flip test augmentation rewriting.
	AugTest bool

	// AugRatioStart, when > 0, replaces the default starting scale ratios
	// with a fixed list beginning at this value.
	AugRatioStart float64

	// Out is the result dump path. Must end in .pkl or .pickle when set.
	Out string

	// FormatOnly requests the external formatter without evaluation.
	FormatOnly bool

	// Eval lists the requested evaluation metric names (e.g. "mIoU").
	Eval []string

	// Show prints per-sample result summaries during inference.
	Show bool

	// ShowDir is the directory for painted segmentation overlays.
	ShowDir string

	// Opacity of the painted segmentation map, in (0, 1].
	Opacity float64

	// GPUCollect selects coordinator-side result gathering in distributed
	// runs instead of shard files in Tmpdir.
	GPUCollect bool

	// Tmpdir collects per-rank result shards in distributed runs.
	Tmpdir string

	// Options are dotted-key configuration overrides from --options.
	Options map[string]any

	// EvalOptions is the keyword payload forwarded to the formatter and
	// evaluator from --eval-options.
	EvalOptions map[string]any

	// Launcher names the distributed launcher: none, pytorch, slurm, mpi.
	Launcher string

	// LocalRank is the per-node process rank supplied by the launcher.
	LocalRank int

	// SaveDir is an optional directory forwarded to the evaluator.
	SaveDir string

	// ExpTag is pass-through experiment metadata for the evaluator.
	ExpTag string
}

// resultExtensions are the accepted suffixes for --out. The dump format is
// owned by the result package; the extension contract is kept for
// compatibility with downstream tooling that filters on it.
var resultExtensions = []string{".pkl", ".pickle"}

// Validate enforces the usage contract. It must be called before any
// resource acquisition: every violation is a usage error that terminates
// the run without touching the filesystem or building a model.
func (o *RunOptions) Validate() error {
	if o.Out == "" && len(o.Eval) == 0 && !o.FormatOnly && !o.Show && o.ShowDir == "" {
		return NewCLIError(ExitUsageError,
			`please specify at least one operation (save/eval/format/show the results) with "--out", "--eval", "--format-only", "--show" or "--show-dir"`)
	}

	if len(o.Eval) > 0 && o.FormatOnly {
		return NewCLIError(ExitUsageError, "--eval and --format-only cannot be both specified")
	}

	if o.Out != "" && !hasResultExtension(o.Out) {
		return NewCLIError(ExitUsageError,
			fmt.Sprintf("the output file must be a pkl file, got %q", o.Out))
	}

	if o.Opacity <= 0 || o.Opacity > 1 {
		return NewCLIError(ExitUsageError,
			fmt.Sprintf("--opacity must be in (0, 1], got %v", o.Opacity))
	}

	return nil
}

// hasResultExtension reports whether the path carries one of the accepted
// result-file suffixes.
func hasResultExtension(path string) bool {
	for _, ext := range resultExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// ExitCode defines the CLI exit codes. These codes allow scripts and CI
// systems to programmatically determine the outcome of a run.
type ExitCode int

const (
	// ExitSuccess indicates the run completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitUsageError indicates invalid or conflicting CLI arguments.
	// Raised before any resource acquisition.
	ExitUsageError ExitCode = 2

	// ExitConfigError indicates the run configuration could not be
	// loaded or is malformed.
	ExitConfigError ExitCode = 3

	// ExitCheckpointError indicates the checkpoint could not be read or
	// applied to the model.
	ExitCheckpointError ExitCode = 4

	// ExitInferenceError indicates a failure inside an inference runner.
	ExitInferenceError ExitCode = 5
)

// CLIError is a custom error type that carries an exit code.
// It allows the CLI layer to translate domain errors into appropriate
// process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
