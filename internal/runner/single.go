// Package runner implements the two inference runners of the evaluation
// driver. SingleProcess consumes the whole dataset in one process;
// MultiProcess consumes a rank-strided shard per process and reassembles
// the full result sequence on rank zero.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/mizuno-lab/segeval/internal/model"
	"github.com/mizuno-lab/segeval/internal/zoo"
)

// Options configures the single-process runner.
type Options struct {
	// Show prints a per-sample summary line to ShowWriter during
	// inference.
	Show bool

	// ShowDir, when set, receives an opacity-blended overlay PNG per
	// sample.
	ShowDir string

	// Opacity of the painted segmentation map, in (0, 1].
	Opacity float64

	// Efficient spills each mask to a temp file right after inference,
	// bounding resident memory during long runs.
	Efficient bool

	// SpillDir is where efficient mode places mask files. Defaults to the
	// OS temp directory.
	SpillDir string

	// ShowWriter receives --show output. Defaults to os.Stdout.
	ShowWriter io.Writer
}

// SingleProcess runs inference over the full loader and returns the
// ordered result sequence. Errors from the model or dataset propagate
// unmodified; there is no retry.
func SingleProcess(ctx context.Context, seg zoo.Segmentor, loader *zoo.DataLoader, opts Options, logger *zap.Logger) ([]model.Result, error) {
	showWriter := opts.ShowWriter
	if showWriter == nil {
		showWriter = os.Stdout
	}

	classes, palette := seg.Labels()

	if opts.ShowDir != "" {
		if err := os.MkdirAll(opts.ShowDir, 0o755); err != nil {
			return nil, fmt.Errorf("runner: cannot create show dir %s: %w", opts.ShowDir, err)
		}
	}

	logger.Info("starting single-process inference",
		zap.Int("samples", loader.Len()),
		zap.Bool("efficient", opts.Efficient))

	results, err := loader.Run(ctx, func(ctx context.Context, s zoo.Sample) (model.Result, error) {
		res, err := seg.Infer(ctx, s)
		if err != nil {
			return model.Result{}, err
		}
		res.Index = s.Index

		if opts.Show {
			printSummary(showWriter, &res, classes)
		}
		if opts.ShowDir != "" {
			if err := SaveOverlay(opts.ShowDir, s.ImagePath, &res, palette, opts.Opacity); err != nil {
				return model.Result{}, err
			}
		}
		if opts.Efficient {
			if err := spillMask(&res, opts.SpillDir); err != nil {
				return model.Result{}, err
			}
		}
		return res, nil
	})
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInferenceError, "single-process inference failed", err)
	}

	logger.Info("inference complete", zap.Int("results", len(results)))
	return results, nil
}

// printSummary writes one line per sample: source and the dominant
// predicted class.
func printSummary(w io.Writer, r *model.Result, classes []string) {
	mask, err := r.Mask()
	if err != nil {
		fmt.Fprintf(w, "%s: <mask unavailable: %v>\n", r.Source, err)
		return
	}

	counts := make(map[uint8]int)
	for _, c := range mask {
		counts[c]++
	}
	var top uint8
	for c, n := range counts {
		if n > counts[top] {
			top = c
		}
	}

	name := fmt.Sprintf("class %d", top)
	if int(top) < len(classes) {
		name = classes[top]
	}
	share := float64(counts[top]) / float64(len(mask))
	fmt.Fprintf(w, "%s: %s (%.1f%% of pixels)\n", r.Source, name, share*100)
}

// spillMask moves the result's mask into a temp file, replacing the
// in-memory copy with a path reference.
func spillMask(r *model.Result, dir string) error {
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "segeval-mask-*.bin")
	if err != nil {
		return fmt.Errorf("runner: cannot create spill file: %w", err)
	}
	if _, err := f.Write(r.ClassMask); err != nil {
		f.Close()
		return fmt.Errorf("runner: cannot write spill file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("runner: cannot close spill file: %w", err)
	}
	r.SpillPath = f.Name()
	r.ClassMask = nil
	return nil
}

// Materialize loads any spilled masks back into memory and removes the
// spill files, so the sequence can cross a process boundary or be dumped.
func Materialize(results []model.Result) error {
	for i := range results {
		r := &results[i]
		if r.SpillPath == "" {
			continue
		}
		mask, err := r.Mask()
		if err != nil {
			return err
		}
		os.Remove(r.SpillPath)
		r.ClassMask = mask
		r.SpillPath = ""
	}
	return nil
}
