package zoo

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mizuno-lab/segeval/internal/model"
)

// LoaderOptions configures a DataLoader. The orchestrator always builds
// evaluation loaders with one sample per worker and shuffling disabled.
type LoaderOptions struct {
	// SamplesPerWorker is the batch size handed to each worker. Evaluation
	// fixes it at 1 so results map one-to-one onto dataset indices.
	SamplesPerWorker int

	// Workers is the number of concurrent loader workers. Values below 1
	// are treated as 1.
	Workers int

	// Shuffle is rejected: evaluation consumes the dataset in order.
	Shuffle bool

	// Distributed enables rank-strided sampling.
	Distributed bool

	// Rank and WorldSize partition the dataset when Distributed is set.
	Rank      int
	WorldSize int
}

// DataLoader iterates a dataset, optionally partitioned across ranks.
// In a distributed run each rank sees the strided subset
// {Rank, Rank+WorldSize, Rank+2·WorldSize, …}.
type DataLoader struct {
	dataset Dataset
	indices []int
	workers int
}

// NewDataLoader validates the options and computes this rank's index set.
func NewDataLoader(ds Dataset, opts LoaderOptions) (*DataLoader, error) {
	if opts.Shuffle {
		return nil, fmt.Errorf("dataloader: shuffling is not supported for evaluation")
	}
	if opts.SamplesPerWorker != 1 {
		return nil, fmt.Errorf("dataloader: evaluation requires 1 sample per worker, got %d", opts.SamplesPerWorker)
	}

	stride, offset := 1, 0
	if opts.Distributed {
		if opts.WorldSize < 1 || opts.Rank < 0 || opts.Rank >= opts.WorldSize {
			return nil, fmt.Errorf("dataloader: invalid rank %d for world size %d", opts.Rank, opts.WorldSize)
		}
		stride, offset = opts.WorldSize, opts.Rank
	}

	var indices []int
	for i := offset; i < ds.Len(); i += stride {
		indices = append(indices, i)
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	return &DataLoader{dataset: ds, indices: indices, workers: workers}, nil
}

// Len returns the number of samples this rank will consume.
func (l *DataLoader) Len() int {
	return len(l.indices)
}

// DatasetLen returns the size of the full dataset, independent of the
// rank partitioning.
func (l *DataLoader) DatasetLen() int {
	return l.dataset.Len()
}

// Indices returns the dataset indices of this rank's shard, in order.
func (l *DataLoader) Indices() []int {
	out := make([]int, len(l.indices))
	copy(out, l.indices)
	return out
}

// Run consumes the loader's shard with a pool of workers, applying fn to
// every sample. The returned results are ordered by shard position
// regardless of worker interleaving. The first error cancels the pool and
// is returned.
func (l *DataLoader) Run(ctx context.Context, fn func(ctx context.Context, s Sample) (model.Result, error)) ([]model.Result, error) {
	results := make([]model.Result, len(l.indices))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)

	for pos, idx := range l.indices {
		pos, idx := pos, idx
		g.Go(func() error {
			sample, err := l.dataset.Sample(idx)
			if err != nil {
				return fmt.Errorf("sample %d: %w", idx, err)
			}
			res, err := fn(ctx, sample)
			if err != nil {
				return fmt.Errorf("sample %d: %w", idx, err)
			}
			res.Index = idx
			results[pos] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
