package checkpoint

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mizuno-lab/segeval/internal/model"
)

// envelopeMagic identifies segeval checkpoint files on disk. A mismatched
// magic means the file is not a checkpoint (or is from a different tool),
// which is reported as a checkpoint error rather than a decode panic.
const envelopeMagic = "SEGEVAL-CKPT"

// envelopeVersion is the current on-disk format version.
const envelopeVersion = 1

// Meta is the optional metadata block of a checkpoint: class names and the
// color palette captured at training time. Either field may be absent, in
// which case the orchestrator falls back to dataset-provided values.
type Meta struct {
	// Classes are the label names, indexed by class id.
	Classes []string

	// Palette are the display colors, indexed by class id.
	Palette []model.Color
}

// Checkpoint is a serialized snapshot of trained model weights plus the
// optional metadata block.
type Checkpoint struct {
	Meta Meta

	// State maps parameter names to flat weight tensors.
	State map[string][]float32
}

// HasClasses reports whether the meta block carries class names.
func (c *Checkpoint) HasClasses() bool {
	return len(c.Meta.Classes) > 0
}

// HasPalette reports whether the meta block carries a palette.
func (c *Checkpoint) HasPalette() bool {
	return len(c.Meta.Palette) > 0
}

// envelope is the gob wire form: magic and version wrap the payload so
// format drift fails loudly.
type envelope struct {
	Magic   string
	Version int
	Body    Checkpoint
}

// Load reads and decodes a checkpoint file.
func Load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitCheckpointError,
			fmt.Sprintf("failed to open checkpoint %s", path), err)
	}
	defer f.Close()

	var env envelope
	if err := gob.NewDecoder(f).Decode(&env); err != nil {
		return nil, model.WrapCLIError(model.ExitCheckpointError,
			fmt.Sprintf("failed to decode checkpoint %s", path), err)
	}
	if env.Magic != envelopeMagic {
		return nil, model.NewCLIError(model.ExitCheckpointError,
			fmt.Sprintf("%s is not a segeval checkpoint (bad magic %q)", path, env.Magic))
	}
	if env.Version != envelopeVersion {
		return nil, model.NewCLIError(model.ExitCheckpointError,
			fmt.Sprintf("checkpoint %s has unsupported format version %d", path, env.Version))
	}

	return &env.Body, nil
}

// Save encodes a checkpoint to path, creating parent directories as needed.
// Used by training-side tooling and tests; the evaluation driver itself
// only loads.
func Save(path string, ckpt *Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer f.Close()

	env := envelope{Magic: envelopeMagic, Version: envelopeVersion, Body: *ckpt}
	if err := gob.NewEncoder(f).Encode(&env); err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", path, err)
	}
	return nil
}
