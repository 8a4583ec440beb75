// Package dist resolves the distributed execution environment for segeval.
//
// A distributed run is started by an external launcher that spawns one
// process per accelerator device; this package only reads the rank and
// world size the launcher published and provides the minimal coordination
// the evaluation driver needs: a barrier and a rank-0 gather, both backed
// by files in a shared coordination directory. Worker scheduling, fault
// handling, and everything else stays with the launcher.
//
// Supported launchers (CLI names kept for compatibility with existing
// launch scripts):
//
//	none     single process, rank 0 of 1
//	pytorch  RANK / WORLD_SIZE environment variables
//	slurm    SLURM_PROCID / SLURM_NTASKS
//	mpi      OMPI_COMM_WORLD_RANK / OMPI_COMM_WORLD_SIZE
//
// The per-node local rank is passed explicitly into Init from the
// --local-rank flag rather than mirrored through an environment variable.
package dist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Launcher names accepted by Init.
const (
	LauncherNone    = "none"
	LauncherPyTorch = "pytorch"
	LauncherSlurm   = "slurm"
	LauncherMPI     = "mpi"
)

// pollInterval is how often waiting ranks re-check the coordination
// directory during Barrier and Gather.
const pollInterval = 50 * time.Millisecond

// Params carries the dist_params section of the run configuration.
type Params struct {
	// CoordDir is the shared directory used for cross-process
	// coordination files. All ranks must see the same filesystem path.
	CoordDir string
}

// Info describes the resolved distributed environment of this process.
type Info struct {
	// Launcher is the launcher name Init was called with.
	Launcher string

	// Rank is this process's index in [0, WorldSize).
	Rank int

	// WorldSize is the total number of processes in the run.
	WorldSize int

	// LocalRank is the per-node process index from the --local-rank flag.
	LocalRank int

	// Distributed is false only for the "none" launcher.
	Distributed bool

	coordDir string
}

// Init resolves rank and world size for the named launcher. For
// distributed launchers the coordination directory is created eagerly so
// that a misconfigured shared path fails before inference starts.
func Init(launcher string, params Params, localRank int) (*Info, error) {
	if launcher == LauncherNone {
		return &Info{Launcher: launcher, Rank: 0, WorldSize: 1, LocalRank: localRank}, nil
	}

	var rankVar, worldVar string
	switch launcher {
	case LauncherPyTorch:
		rankVar, worldVar = "RANK", "WORLD_SIZE"
	case LauncherSlurm:
		rankVar, worldVar = "SLURM_PROCID", "SLURM_NTASKS"
	case LauncherMPI:
		rankVar, worldVar = "OMPI_COMM_WORLD_RANK", "OMPI_COMM_WORLD_SIZE"
	default:
		return nil, fmt.Errorf("unknown launcher %q (valid: none, pytorch, slurm, mpi)", launcher)
	}

	rank, err := envInt(rankVar)
	if err != nil {
		return nil, fmt.Errorf("launcher %s: %w", launcher, err)
	}
	world, err := envInt(worldVar)
	if err != nil {
		return nil, fmt.Errorf("launcher %s: %w", launcher, err)
	}
	if world < 1 || rank < 0 || rank >= world {
		return nil, fmt.Errorf("launcher %s: invalid rank %d for world size %d", launcher, rank, world)
	}

	coordDir := params.CoordDir
	if coordDir == "" {
		coordDir = filepath.Join(os.TempDir(), "segeval-dist")
	}
	if err := os.MkdirAll(coordDir, 0o755); err != nil {
		return nil, fmt.Errorf("launcher %s: cannot create coordination dir %s: %w", launcher, coordDir, err)
	}

	return &Info{
		Launcher:    launcher,
		Rank:        rank,
		WorldSize:   world,
		LocalRank:   localRank,
		Distributed: true,
		coordDir:    coordDir,
	}, nil
}

// NewTestInfo builds a distributed Info directly, bypassing launcher
// environment resolution. Intended for tests that simulate ranks
// in-process against a shared coordination directory.
func NewTestInfo(rank, worldSize int, coordDir string) *Info {
	return &Info{
		Launcher:    LauncherPyTorch,
		Rank:        rank,
		WorldSize:   worldSize,
		Distributed: worldSize > 1,
		coordDir:    coordDir,
	}
}

// envInt reads a required integer environment variable.
func envInt(name string) (int, error) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, fmt.Errorf("environment variable %s not set by launcher", name)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("environment variable %s=%q is not an integer", name, raw)
	}
	return n, nil
}

// IsMain reports whether this process is rank zero, the only rank that
// performs side-effecting output.
func (i *Info) IsMain() bool {
	return i.Rank == 0
}

// Barrier blocks until every rank has reached the barrier with the same
// name, or the context is cancelled. Single-process runs return
// immediately. Barrier names must be unique within a run.
//
// The barrier is rank-0 led so its coordination files can be removed:
// non-main ranks announce arrival, wait for the release marker, and
// announce departure; rank zero releases everyone only after all arrivals
// and deletes every file only after all departures. A later run sharing
// the coordination directory therefore never observes this run's markers.
func (i *Info) Barrier(ctx context.Context, name string) error {
	if !i.Distributed || i.WorldSize == 1 {
		return nil
	}

	if !i.IsMain() {
		if err := touch(i.markerPath(name, "arrive", i.Rank)); err != nil {
			return fmt.Errorf("barrier %q: %w", name, err)
		}
		if err := i.waitFor(ctx, i.releasePath(name)); err != nil {
			return fmt.Errorf("barrier %q: waiting for release: %w", name, err)
		}
		if err := touch(i.markerPath(name, "depart", i.Rank)); err != nil {
			return fmt.Errorf("barrier %q: %w", name, err)
		}
		return nil
	}

	for rank := 1; rank < i.WorldSize; rank++ {
		if err := i.waitFor(ctx, i.markerPath(name, "arrive", rank)); err != nil {
			return fmt.Errorf("barrier %q: waiting for rank %d: %w", name, rank, err)
		}
	}
	if err := touch(i.releasePath(name)); err != nil {
		return fmt.Errorf("barrier %q: %w", name, err)
	}
	for rank := 1; rank < i.WorldSize; rank++ {
		if err := i.waitFor(ctx, i.markerPath(name, "depart", rank)); err != nil {
			return fmt.Errorf("barrier %q: waiting for rank %d to depart: %w", name, rank, err)
		}
	}

	// Every rank has seen the release marker; the files can go.
	for rank := 1; rank < i.WorldSize; rank++ {
		os.Remove(i.markerPath(name, "arrive", rank))
		os.Remove(i.markerPath(name, "depart", rank))
	}
	os.Remove(i.releasePath(name))
	return nil
}

// Gather sends this rank's payload to rank zero through the coordination
// directory. On rank zero it returns all payloads ordered by rank; on
// other ranks it returns nil. All ranks block until the gather completes.
func (i *Info) Gather(ctx context.Context, name string, payload []byte) ([][]byte, error) {
	return i.GatherDir(ctx, i.coordDir, name, payload)
}

// GatherDir is Gather through an explicit shared directory instead of the
// configured coordination directory. The multi-process runner uses it to
// collect result shards through the run's --tmpdir.
//
// Part files are removed by rank zero as soon as it has read them, before
// the closing barrier. A later run sharing the directory therefore blocks
// on its own ranks instead of silently picking up a finished run's parts.
func (i *Info) GatherDir(ctx context.Context, dir, name string, payload []byte) ([][]byte, error) {
	if !i.Distributed || i.WorldSize == 1 {
		return [][]byte{payload}, nil
	}

	if dir == "" {
		dir = i.coordDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("gather %q: cannot create shared dir %s: %w", name, dir, err)
	}

	if err := writeAtomic(partPath(dir, name, i.Rank), payload); err != nil {
		return nil, fmt.Errorf("gather %q: %w", name, err)
	}

	if !i.IsMain() {
		// Non-main ranks still wait for the gather to complete so that
		// the run's lifecycle stays aligned across processes.
		return nil, i.Barrier(ctx, name+".done")
	}

	parts := make([][]byte, i.WorldSize)
	for rank := 0; rank < i.WorldSize; rank++ {
		path := partPath(dir, name, rank)
		if err := i.waitFor(ctx, path); err != nil {
			return nil, fmt.Errorf("gather %q: waiting for rank %d: %w", name, rank, err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("gather %q: reading rank %d part: %w", name, rank, err)
		}
		parts[rank] = data
		os.Remove(path)
	}

	if err := i.Barrier(ctx, name+".done"); err != nil {
		return nil, err
	}
	return parts, nil
}

// waitFor polls until the path exists or the context is cancelled.
func (i *Info) waitFor(ctx context.Context, path string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (i *Info) markerPath(name, phase string, rank int) string {
	return filepath.Join(i.coordDir, fmt.Sprintf("%s.%s-%d", name, phase, rank))
}

func (i *Info) releasePath(name string) string {
	return filepath.Join(i.coordDir, name+".release")
}

func partPath(dir, name string, rank int) string {
	return filepath.Join(dir, fmt.Sprintf("%s.part-%d", name, rank))
}

// touch creates an empty marker file.
func touch(path string) error {
	return os.WriteFile(path, nil, 0o644)
}

// writeAtomic writes data via a temp file and rename so that a reader
// polling for the path never observes a partial payload.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
