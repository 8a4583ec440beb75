package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mizuno-lab/segeval/internal/dist"
	"github.com/mizuno-lab/segeval/internal/model"
	"github.com/mizuno-lab/segeval/internal/zoo"
	"github.com/mizuno-lab/segeval/internal/zoo/zootest"
)

// runWorld simulates a distributed run in-process: one goroutine per rank,
// all sharing the same coordination and temp directories. It returns the
// per-rank outputs of MultiProcess.
func runWorld(t *testing.T, worldSize, datasetLen int, opts MultiOptions) [][]model.Result {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	coordDir := t.TempDir()
	ds := zootest.NewFakeDataset(datasetLen)
	outputs := make([][]model.Result, worldSize)

	var g errgroup.Group
	for rank := 0; rank < worldSize; rank++ {
		rank := rank
		g.Go(func() error {
			info := dist.NewTestInfo(rank, worldSize, coordDir)

			loader, err := zoo.NewDataLoader(ds, zoo.LoaderOptions{
				SamplesPerWorker: 1,
				Workers:          2,
				Distributed:      true,
				Rank:             rank,
				WorldSize:        worldSize,
			})
			if err != nil {
				return err
			}

			seg := &zootest.FakeSegmentor{}
			res, err := MultiProcess(ctx, seg, loader, opts, info, zap.NewNop())
			if err != nil {
				return err
			}
			outputs[rank] = res
			return nil
		})
	}
	require.NoError(t, g.Wait())
	return outputs
}

// TestMultiProcess_TmpdirCollection merges shard files from every rank
// into a full, index-ordered sequence on rank zero.
func TestMultiProcess_TmpdirCollection(t *testing.T) {
	const worldSize, datasetLen = 4, 10

	outputs := runWorld(t, worldSize, datasetLen, MultiOptions{Tmpdir: t.TempDir()})

	merged := outputs[0]
	require.Len(t, merged, datasetLen, "rank 0 must see the full dataset")
	for i, r := range merged {
		assert.Equal(t, i, r.Index)
		mask, err := r.Mask()
		require.NoError(t, err)
		assert.Equal(t, uint8(i%2), mask[0])
	}

	for rank := 1; rank < worldSize; rank++ {
		assert.Nil(t, outputs[rank], "rank %d must return nil outputs", rank)
	}
}

// TestMultiProcess_CoordinatorCollection exercises the gpu-collect path
// through the distributed runtime's gather.
func TestMultiProcess_CoordinatorCollection(t *testing.T) {
	const worldSize, datasetLen = 3, 7

	outputs := runWorld(t, worldSize, datasetLen, MultiOptions{GPUCollect: true})

	merged := outputs[0]
	require.Len(t, merged, datasetLen)
	for i, r := range merged {
		assert.Equal(t, i, r.Index)
	}
}

// TestMultiProcess_Efficient verifies spilled masks are rematerialized
// before crossing the process boundary.
func TestMultiProcess_Efficient(t *testing.T) {
	const worldSize, datasetLen = 2, 6

	outputs := runWorld(t, worldSize, datasetLen, MultiOptions{
		Tmpdir:    t.TempDir(),
		Efficient: true,
		SpillDir:  t.TempDir(),
	})

	merged := outputs[0]
	require.Len(t, merged, datasetLen)
	for _, r := range merged {
		assert.NotNil(t, r.ClassMask, "masks must be in memory after collection")
		assert.Empty(t, r.SpillPath)
	}
}

// TestMultiProcess_SingleRankWorld degenerates cleanly to one rank owning
// the whole dataset.
func TestMultiProcess_SingleRankWorld(t *testing.T) {
	outputs := runWorld(t, 1, 5, MultiOptions{Tmpdir: t.TempDir()})
	require.Len(t, outputs[0], 5)
}
