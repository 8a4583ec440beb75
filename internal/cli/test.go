// test.go implements the "segeval test" command: the evaluation
// orchestrator.
//
// The run is one sequential procedure:
//
//	argument validation → configuration assembly → execution-mode
//	selection → dataset/loader construction → model construction and
//	weight restoration → memory hygiene → inference dispatch → rank-zero
//	output dispatch
//
// Argument validation happens before any resource acquisition. All later
// failures propagate unmodified; there is no retry and no partial-result
// recovery.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mizuno-lab/segeval/internal/checkpoint"
	"github.com/mizuno-lab/segeval/internal/config"
	"github.com/mizuno-lab/segeval/internal/dist"
	"github.com/mizuno-lab/segeval/internal/model"
	"github.com/mizuno-lab/segeval/internal/result"
	"github.com/mizuno-lab/segeval/internal/runner"
	"github.com/mizuno-lab/segeval/internal/zoo"
)

// testFlags holds the raw flag values for the test command before they are
// assembled into model.RunOptions.
type testFlags struct {
	augTest       bool
	augRatioStart float64
	out           string
	formatOnly    bool
	eval          []string
	show          bool
	showDir       string
	opacity       float64
	gpuCollect    bool
	tmpdir        string
	options       []string
	evalOptions   []string
	launcher      string
	localRank     int
	saveDir       string
	expTag        string
}

// NewTestCommand creates the "test" cobra command.
func NewTestCommand() *cobra.Command {
	flags := &testFlags{}

	cmd := &cobra.Command{
		Use:   "test <config> <checkpoint>",
		Short: "Test (and evaluate) a pretrained segmentation model",
		Long: `Run inference over the test split described by the configuration file
and dispatch the outputs to the requested sinks.

The checkpoint argument accepts three forms:
  - a checkpoint file path
  - a vision-language checkpoint path (containing "CLIP-ViT"), whose
    weights initialize the backbone and text encoder independently
  - the literal None, meaning no checkpoint is loaded

Examples:
  segeval test configs/ade20k.yaml work_dirs/iter_80000.ckpt --eval mIoU
  segeval test configs/voc.yaml pretrain/CLIP-ViT-B-16.ckpt --out results.pkl
  segeval test configs/ade20k.yaml None --show-dir vis/ --aug-test`,

		Args: cobra.ExactArgs(2),

		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := buildRunOptions(args, flags)
			if err != nil {
				return err
			}
			return runTest(cmd.Context(), opts, logger)
		},
	}

	cmd.Flags().BoolVar(&flags.augTest, "aug-test", false, "Use flip and multi-scale augmented testing")
	cmd.Flags().Float64Var(&flags.augRatioStart, "aug_ratio_start", -1, "Starting scale ratio for augmented testing")
	cmd.Flags().StringVar(&flags.out, "out", "", "Output result file (.pkl/.pickle)")
	cmd.Flags().BoolVar(&flags.formatOnly, "format-only", false, "Format the results without evaluation")
	cmd.Flags().StringSliceVar(&flags.eval, "eval", nil, "Evaluation metrics, e.g. mIoU")
	cmd.Flags().BoolVar(&flags.show, "show", false, "Print per-sample result summaries")
	cmd.Flags().StringVar(&flags.showDir, "show-dir", "", "Directory for painted segmentation overlays")
	cmd.Flags().Float64Var(&flags.opacity, "opacity", 0.5, "Opacity of painted segmentation maps, in (0, 1]")
	cmd.Flags().BoolVar(&flags.gpuCollect, "gpu-collect", false, "Collect results through the distributed runtime")
	cmd.Flags().StringVar(&flags.tmpdir, "tmpdir", "", "Shared directory for collecting per-rank results")
	cmd.Flags().StringArrayVar(&flags.options, "options", nil, "Config overrides as key=value")
	cmd.Flags().StringArrayVar(&flags.evalOptions, "eval-options", nil, "Evaluator options as key=value")
	cmd.Flags().StringVar(&flags.launcher, "launcher", dist.LauncherNone, "Job launcher: none, pytorch, slurm, mpi")
	cmd.Flags().IntVar(&flags.localRank, "local-rank", 0, "Per-node process rank")
	cmd.Flags().StringVar(&flags.saveDir, "save_dir", "", "Directory for evaluation artifacts")
	cmd.Flags().StringVar(&flags.expTag, "exp_tag", "", "Experiment tag forwarded to the evaluator")

	return cmd
}

// buildRunOptions assembles and validates the immutable RunOptions record.
// Returned errors are usage errors: nothing has been read or built yet.
func buildRunOptions(args []string, flags *testFlags) (*model.RunOptions, error) {
	overrides, err := config.ParseOverrides(flags.options)
	if err != nil {
		return nil, err
	}
	evalOpts, err := config.ParseOverrides(flags.evalOptions)
	if err != nil {
		return nil, err
	}

	opts := &model.RunOptions{
		ConfigPath:    args[0],
		CheckpointArg: args[1],
		AugTest:       flags.augTest,
		AugRatioStart: flags.augRatioStart,
		Out:           flags.out,
		FormatOnly:    flags.formatOnly,
		Eval:          flags.eval,
		Show:          flags.show,
		ShowDir:       flags.showDir,
		Opacity:       flags.opacity,
		GPUCollect:    flags.gpuCollect,
		Tmpdir:        flags.tmpdir,
		Options:       overrides,
		EvalOptions:   evalOpts,
		Launcher:      flags.launcher,
		LocalRank:     flags.localRank,
		SaveDir:       flags.saveDir,
		ExpTag:        flags.expTag,
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// runTest executes the full evaluation procedure.
func runTest(ctx context.Context, opts *model.RunOptions, logger *zap.Logger) error {
	ref := checkpoint.ParseRef(opts.CheckpointArg)
	logger.Debug("checkpoint reference parsed",
		zap.String("kind", ref.Kind.String()),
		zap.String("path", ref.Path))

	// Phase 2: configuration assembly.
	cfg, err := assembleConfig(opts, ref)
	if err != nil {
		return err
	}

	// Phase 3: execution-mode selection. Fixed once; it decides both the
	// sampler partitioning and which inference runner is used.
	info, err := dist.Init(opts.Launcher, dist.Params{
		CoordDir: cfg.GetString("dist_params.coord_dir", ""),
	}, opts.LocalRank)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to initialize distributed runtime", err)
	}
	logger.Info("execution mode selected",
		zap.String("launcher", info.Launcher),
		zap.Bool("distributed", info.Distributed),
		zap.Int("rank", info.Rank),
		zap.Int("world_size", info.WorldSize))

	// Phase 4: dataset and loader construction.
	dataCfg, ok := cfg.Sub("data.test")
	if !ok {
		return model.NewCLIError(model.ExitConfigError, "config has no data.test section")
	}
	ds, err := zoo.BuildDataset(dataCfg)
	if err != nil {
		return err
	}
	loader, err := zoo.NewDataLoader(ds, zoo.LoaderOptions{
		SamplesPerWorker: 1,
		Workers:          config.WorkersPerGPU(cfg),
		Shuffle:          false,
		Distributed:      info.Distributed,
		Rank:             info.Rank,
		WorldSize:        info.WorldSize,
	})
	if err != nil {
		return model.WrapCLIError(model.ExitConfigError, "failed to build dataloader", err)
	}

	// Phase 5: model construction and weight restoration.
	if err := config.DisableTrainCfg(cfg); err != nil {
		return model.WrapCLIError(model.ExitConfigError, "failed to disable train config", err)
	}
	if err := config.SetClassNames(cfg, ds.Classes()); err != nil {
		return model.WrapCLIError(model.ExitConfigError, "failed to attach class names", err)
	}
	modelCfg, ok := cfg.Sub("model")
	if !ok {
		return model.NewCLIError(model.ExitConfigError, "config has no model section")
	}
	seg, err := zoo.BuildSegmentor(modelCfg)
	if err != nil {
		return err
	}
	if err := restoreWeights(seg, ref, ds, logger); err != nil {
		return err
	}

	// Phase 6: best-effort memory hygiene before the long inference loop.
	// Not correctness-critical.
	debug.FreeOSMemory()

	efficient := false
	if v, ok := opts.EvalOptions["efficient_test"].(bool); ok {
		efficient = v
	}
	spillDir := ""
	if efficient {
		// Process-local spill directory; tagged per run so concurrent
		// runs on one host never share mask files.
		spillDir = filepath.Join(os.TempDir(), "segeval-spill-"+uuid.NewString())
		if err := os.MkdirAll(spillDir, 0o755); err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to create spill directory", err)
		}
		defer os.RemoveAll(spillDir)
	}

	// Phase 7: inference dispatch. Exactly one runner runs.
	var outputs []model.Result
	if !info.Distributed {
		outputs, err = runner.SingleProcess(ctx, seg, loader, runner.Options{
			Show:      opts.Show,
			ShowDir:   opts.ShowDir,
			Opacity:   opts.Opacity,
			Efficient: efficient,
			SpillDir:  spillDir,
		}, logger)
	} else {
		tmpdir := opts.Tmpdir
		if tmpdir == "" {
			// All ranks must agree on the collection directory, so the
			// default derives from the shared coordination dir rather
			// than anything process-local.
			tmpdir = filepath.Join(cfg.GetString("dist_params.coord_dir", os.TempDir()), "collect")
		}
		outputs, err = runner.MultiProcess(ctx, seg, loader, runner.MultiOptions{
			Tmpdir:     tmpdir,
			GPUCollect: opts.GPUCollect,
			Efficient:  efficient,
			SpillDir:   spillDir,
		}, info, logger)
	}
	if err != nil {
		return err
	}

	// Phase 8: output dispatch, rank zero only. The three sinks are
	// independent and may all run.
	if !info.IsMain() {
		return nil
	}
	return dispatchOutputs(outputs, ds, opts, logger)
}

// assembleConfig loads the base configuration and applies the CLI-driven
// rewrites: overrides, augmented-testing pipeline parameters, pretrained
// clearing, and test-mode forcing.
func assembleConfig(opts *model.RunOptions, ref checkpoint.Ref) (*config.Document, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if len(opts.Options) > 0 {
		if err := cfg.Merge(opts.Options); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError, "failed to merge --options", err)
		}
	}
	if opts.AugTest {
		if err := config.ApplyAugTest(cfg, opts.AugRatioStart); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError, "failed to apply augmented testing", err)
		}
	}
	if !ref.IsNone() {
		if err := config.ClearPretrained(cfg); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError, "failed to clear pretrained weights", err)
		}
	}
	if err := config.ForceTestMode(cfg); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "failed to force test mode", err)
	}
	return cfg, nil
}

// restoreWeights applies one of the three mutually exclusive
// weight-restoration branches selected by the checkpoint reference.
func restoreWeights(seg zoo.Segmentor, ref checkpoint.Ref, ds zoo.Dataset, logger *zap.Logger) error {
	switch ref.Kind {
	case checkpoint.RefNone:
		// No file is read; label metadata comes from the dataset.
		seg.SetLabels(ds.Classes(), ds.Palette())
		return nil

	case checkpoint.RefVisionLanguage:
		vl, ok := seg.(zoo.VisionLanguageInitializer)
		if !ok {
			return model.NewCLIError(model.ExitCheckpointError,
				fmt.Sprintf("checkpoint %s is a vision-language checkpoint but the model has no backbone/text-encoder initialization", ref.Path))
		}
		if err := vl.InitBackbone(ref.Path); err != nil {
			return model.WrapCLIError(model.ExitCheckpointError, "failed to initialize backbone", err)
		}
		if err := vl.InitTextEncoder(ref.Path); err != nil {
			return model.WrapCLIError(model.ExitCheckpointError, "failed to initialize text encoder", err)
		}
		seg.SetLabels(ds.Classes(), ds.Palette())
		return nil

	case checkpoint.RefStandard:
		ckpt, err := checkpoint.Load(ref.Path)
		if err != nil {
			return err
		}
		if err := seg.ApplyState(ckpt.State); err != nil {
			return model.WrapCLIError(model.ExitCheckpointError, "failed to apply checkpoint state", err)
		}

		// CLASSES and PALETTE are recovered independently; a missing
		// field falls back to the dataset with a warning, never an error.
		classes := ckpt.Meta.Classes
		if !ckpt.HasClasses() {
			logger.Warn("CLASSES not found in checkpoint meta, using dataset classes instead",
				zap.String("checkpoint", ref.Path))
			classes = ds.Classes()
		}
		palette := ckpt.Meta.Palette
		if !ckpt.HasPalette() {
			logger.Warn("PALETTE not found in checkpoint meta, using dataset palette instead",
				zap.String("checkpoint", ref.Path))
			palette = ds.Palette()
		}
		seg.SetLabels(classes, palette)
		return nil

	default:
		return model.NewCLIError(model.ExitCheckpointError,
			fmt.Sprintf("unhandled checkpoint reference kind %v", ref.Kind))
	}
}

// dispatchOutputs feeds the full output sequence to the requested sinks.
func dispatchOutputs(outputs []model.Result, ds zoo.Dataset, opts *model.RunOptions, logger *zap.Logger) error {
	if opts.Out != "" {
		logger.Info("writing results", zap.String("path", opts.Out), zap.Int("results", len(outputs)))
		if err := runner.Materialize(outputs); err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to materialize results for dump", err)
		}
		if err := result.Dump(outputs, opts.Out); err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to dump results", err)
		}
	}

	// RunOptions is read-only after construction, so the keyword payload
	// is copied before the experiment tag is inserted.
	kwargs := make(map[string]any, len(opts.EvalOptions)+1)
	for k, v := range opts.EvalOptions {
		kwargs[k] = v
	}
	if opts.ExpTag != "" {
		kwargs["exp_tag"] = opts.ExpTag
	}

	if opts.FormatOnly {
		logger.Info("formatting results", zap.Int("results", len(outputs)))
		if err := ds.FormatResults(outputs, kwargs); err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to format results", err)
		}
	}

	if len(opts.Eval) > 0 {
		logger.Info("evaluating results", zap.Strings("metrics", opts.Eval))
		values, err := ds.Evaluate(outputs, opts.Eval, opts.SaveDir, kwargs)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "evaluation failed", err)
		}
		for name, v := range values {
			logger.Info("metric", zap.String("name", name), zap.Float64("value", v))
		}
	}

	return nil
}
