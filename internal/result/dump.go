// Package result owns the serialized form of the output sequence the
// --out flag produces.
//
// The dump is a gob stream of the full ordered result sequence. The
// .pkl/.pickle path suffix is a CLI compatibility contract enforced by
// RunOptions.Validate, not a statement about the encoding; downstream
// tooling reads dumps back through Load.
package result

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mizuno-lab/segeval/internal/model"
)

// Dump writes the result sequence to path, creating parent directories.
// Spilled masks must be materialized by the caller first; a dump never
// references temp files.
func Dump(results []model.Result, path string) error {
	for i := range results {
		if results[i].SpillPath != "" {
			return fmt.Errorf("dump: result %d still references spill file %s", i, results[i].SpillPath)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("dump: cannot create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dump: cannot create %s: %w", path, err)
	}
	if err := gob.NewEncoder(f).Encode(results); err != nil {
		f.Close()
		return fmt.Errorf("dump: encoding %s: %w", path, err)
	}
	return f.Close()
}

// Load reads a result sequence back from a dump file.
func Load(path string) ([]model.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load: cannot open %s: %w", path, err)
	}
	defer f.Close()

	var results []model.Result
	if err := gob.NewDecoder(f).Decode(&results); err != nil {
		return nil, fmt.Errorf("load: decoding %s: %w", path, err)
	}
	return results, nil
}
