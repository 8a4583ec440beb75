package dist

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// TestInit_None resolves a single-process environment without reading any
// launcher variable.
func TestInit_None(t *testing.T) {
	info, err := Init(LauncherNone, Params{}, 0)
	require.NoError(t, err)

	assert.Equal(t, 0, info.Rank)
	assert.Equal(t, 1, info.WorldSize)
	assert.False(t, info.Distributed)
	assert.True(t, info.IsMain())
}

// TestInit_Launchers resolves rank and world size from each launcher's
// environment variables.
func TestInit_Launchers(t *testing.T) {
	tests := []struct {
		launcher string
		rankVar  string
		worldVar string
	}{
		{LauncherPyTorch, "RANK", "WORLD_SIZE"},
		{LauncherSlurm, "SLURM_PROCID", "SLURM_NTASKS"},
		{LauncherMPI, "OMPI_COMM_WORLD_RANK", "OMPI_COMM_WORLD_SIZE"},
	}

	for _, tt := range tests {
		t.Run(tt.launcher, func(t *testing.T) {
			t.Setenv(tt.rankVar, "2")
			t.Setenv(tt.worldVar, "4")

			info, err := Init(tt.launcher, Params{CoordDir: t.TempDir()}, 1)
			require.NoError(t, err)

			assert.Equal(t, 2, info.Rank)
			assert.Equal(t, 4, info.WorldSize)
			assert.Equal(t, 1, info.LocalRank)
			assert.True(t, info.Distributed)
			assert.False(t, info.IsMain())
		})
	}
}

// TestInit_MissingEnv fails when the launcher did not publish its rank.
func TestInit_MissingEnv(t *testing.T) {
	// t.Setenv with an empty value still defines the variable, so use a
	// launcher whose variables are certainly absent in the test process.
	_, err := Init(LauncherMPI, Params{CoordDir: t.TempDir()}, 0)
	assert.Error(t, err)
}

// TestInit_BadRank rejects out-of-range ranks.
func TestInit_BadRank(t *testing.T) {
	t.Setenv("RANK", "7")
	t.Setenv("WORLD_SIZE", "4")

	_, err := Init(LauncherPyTorch, Params{CoordDir: t.TempDir()}, 0)
	assert.Error(t, err)
}

// TestInit_UnknownLauncher rejects launcher names outside the CLI choices.
func TestInit_UnknownLauncher(t *testing.T) {
	_, err := Init("kubernetes", Params{}, 0)
	assert.Error(t, err)
}

// fakeWorld builds Info values for every rank of an in-process simulated
// run sharing one coordination directory.
func fakeWorld(t *testing.T, worldSize int) []*Info {
	t.Helper()
	dir := t.TempDir()
	infos := make([]*Info, worldSize)
	for r := 0; r < worldSize; r++ {
		infos[r] = NewTestInfo(r, worldSize, dir)
	}
	return infos
}

// TestBarrier_AllRanks releases every rank only once all have arrived.
func TestBarrier_AllRanks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	infos := fakeWorld(t, 3)

	var g errgroup.Group
	for _, info := range infos {
		info := info
		g.Go(func() error {
			return info.Barrier(ctx, "after-inference")
		})
	}
	require.NoError(t, g.Wait())
}

// TestBarrier_Timeout cancels a barrier that can never complete because
// one rank is absent.
func TestBarrier_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	infos := fakeWorld(t, 2)

	err := infos[0].Barrier(ctx, "lonely")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestGather_OrderedByRank collects payloads on rank zero in rank order
// and returns nil elsewhere.
func TestGather_OrderedByRank(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const worldSize = 4
	infos := fakeWorld(t, worldSize)
	collected := make([][][]byte, worldSize)

	var g errgroup.Group
	for r, info := range infos {
		r, info := r, info
		g.Go(func() error {
			parts, err := info.Gather(ctx, "results", fmt.Appendf(nil, "rank-%d", r))
			collected[r] = parts
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, collected[0], worldSize)
	for r := 0; r < worldSize; r++ {
		assert.Equal(t, fmt.Sprintf("rank-%d", r), string(collected[0][r]))
	}
	for r := 1; r < worldSize; r++ {
		assert.Nil(t, collected[r], "non-main rank %d must not receive payloads", r)
	}
}

// TestGather_CleansSharedDir verifies a completed gather leaves no part
// files or barrier markers behind, so the coordination directory can be
// shared across runs.
func TestGather_CleansSharedDir(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	infos := fakeWorld(t, 3)

	var g errgroup.Group
	for r, info := range infos {
		r, info := r, info
		g.Go(func() error {
			_, err := info.Gather(ctx, "results", fmt.Appendf(nil, "rank-%d", r))
			return err
		})
	}
	require.NoError(t, g.Wait())

	entries, err := os.ReadDir(infos[0].coordDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "coordination dir must be empty after the gather")
}

// TestGather_NoStaleReuse runs two back-to-back gathers under the same
// name in one shared directory. The second run has only rank zero arrive;
// it must block until cancellation instead of merging the first run's
// parts.
func TestGather_NoStaleReuse(t *testing.T) {
	dir := t.TempDir()
	const worldSize = 2

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var g errgroup.Group
	for r := 0; r < worldSize; r++ {
		r := r
		g.Go(func() error {
			info := NewTestInfo(r, worldSize, dir)
			_, err := info.Gather(ctx, "results", fmt.Appendf(nil, "run1-rank-%d", r))
			return err
		})
	}
	require.NoError(t, g.Wait())

	// Second run, same dir and gather name, rank 1 never shows up.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel2()

	info := NewTestInfo(0, worldSize, dir)
	parts, err := info.Gather(ctx2, "results", []byte("run2-rank-0"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, parts)
}

// TestGather_SingleProcess short-circuits without touching the filesystem.
func TestGather_SingleProcess(t *testing.T) {
	info, err := Init(LauncherNone, Params{}, 0)
	require.NoError(t, err)

	parts, err := info.Gather(context.Background(), "results", []byte("solo"))
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "solo", string(parts[0]))
}
