package runner

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/mizuno-lab/segeval/internal/dist"
	"github.com/mizuno-lab/segeval/internal/model"
	"github.com/mizuno-lab/segeval/internal/zoo"
)

// MultiOptions configures the multi-process runner.
type MultiOptions struct {
	// Tmpdir is the shared directory for per-rank result shards when
	// collection goes through shard files. Shards are deleted once rank
	// zero has merged them, so the directory can be reused across runs.
	Tmpdir string

	// GPUCollect routes collection through the distributed runtime's
	// coordination channel instead of runner-managed shard files in
	// Tmpdir.
	GPUCollect bool

	// Efficient spills masks to temp files during inference. Masks are
	// rematerialized before shards cross the process boundary.
	Efficient bool

	// SpillDir is where efficient mode places mask files.
	SpillDir string
}

// MultiProcess runs inference over this rank's shard and collects the full
// result sequence on rank zero. Rank zero returns the merged sequence,
// ordered by dataset index and spanning the entire dataset; every other
// rank returns nil. All ranks block until collection completes.
func MultiProcess(ctx context.Context, seg zoo.Segmentor, loader *zoo.DataLoader, opts MultiOptions, info *dist.Info, logger *zap.Logger) ([]model.Result, error) {
	logger.Info("starting multi-process inference",
		zap.Int("rank", info.Rank),
		zap.Int("world_size", info.WorldSize),
		zap.Int("shard_samples", loader.Len()),
		zap.Bool("gpu_collect", opts.GPUCollect),
		zap.String("tmpdir", opts.Tmpdir))

	shard, err := loader.Run(ctx, func(ctx context.Context, s zoo.Sample) (model.Result, error) {
		res, err := seg.Infer(ctx, s)
		if err != nil {
			return model.Result{}, err
		}
		res.Index = s.Index
		if opts.Efficient {
			if err := spillMask(&res, opts.SpillDir); err != nil {
				return model.Result{}, err
			}
		}
		return res, nil
	})
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInferenceError,
			fmt.Sprintf("rank %d inference failed", info.Rank), err)
	}

	// Spilled masks live in rank-local temp files; pull them back into
	// memory before the shard is serialized for collection.
	if err := Materialize(shard); err != nil {
		return nil, model.WrapCLIError(model.ExitInferenceError,
			fmt.Sprintf("rank %d could not materialize spilled masks", info.Rank), err)
	}

	payload, err := encodeShard(shard)
	if err != nil {
		return nil, err
	}

	var parts [][]byte
	if opts.GPUCollect {
		parts, err = info.Gather(ctx, "results", payload)
	} else {
		parts, err = info.GatherDir(ctx, opts.Tmpdir, "results", payload)
	}
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInferenceError, "result collection failed", err)
	}

	if !info.IsMain() {
		return nil, nil
	}

	merged, err := mergeShards(parts)
	if err != nil {
		return nil, err
	}
	if want := loader.DatasetLen(); len(merged) != want {
		return nil, model.NewCLIError(model.ExitInferenceError,
			fmt.Sprintf("collected %d results for a dataset of %d samples", len(merged), want))
	}

	logger.Info("collection complete", zap.Int("results", len(merged)))
	return merged, nil
}

// encodeShard gob-encodes one rank's ordered result shard.
func encodeShard(shard []model.Result) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(shard); err != nil {
		return nil, fmt.Errorf("runner: cannot encode result shard: %w", err)
	}
	return buf.Bytes(), nil
}

// mergeShards decodes every rank's shard and reassembles the full
// sequence ordered by dataset index.
func mergeShards(parts [][]byte) ([]model.Result, error) {
	var merged []model.Result
	for rank, part := range parts {
		var shard []model.Result
		if err := gob.NewDecoder(bytes.NewReader(part)).Decode(&shard); err != nil {
			return nil, fmt.Errorf("runner: cannot decode shard from rank %d: %w", rank, err)
		}
		merged = append(merged, shard...)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Index < merged[j].Index })
	return merged, nil
}
