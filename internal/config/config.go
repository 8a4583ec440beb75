// Package config implements the nested key/value run-configuration document
// for segeval.
//
// Configuration files describe the model, the data pipeline, and runtime
// parameters as an arbitrarily nested tree. Three on-disk formats are
// supported, selected by file extension:
//   - .yaml / .yml — parsed with gopkg.in/yaml.v3
//   - .json / .jsonc — JSONC comments stripped with github.com/tidwall/jsonc,
//     then parsed with encoding/json
//   - .toml — parsed with github.com/pelletier/go-toml/v2
//
// The document is addressed with dotted paths that traverse both maps and
// list indices, e.g. "data.test.pipeline.1.img_ratios". It is mutated only
// during configuration assembly (CLI override merging, augmentation
// rewriting, test-mode forcing) and treated as read-only afterwards.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/mizuno-lab/segeval/internal/model"
)

// Document is a nested key/value configuration tree. The zero value is not
// usable; construct documents with Load or New.
type Document struct {
	root map[string]any
}

// New creates a Document from an existing tree. The map is used directly,
// not copied. A nil map yields an empty document.
func New(root map[string]any) *Document {
	if root == nil {
		root = make(map[string]any)
	}
	return &Document{root: root}
}

// Root exposes the underlying tree. Callers must not mutate it after
// configuration assembly is complete.
func (d *Document) Root() map[string]any {
	return d.root
}

// Load reads a configuration file and parses it according to its extension.
// Unknown extensions and parse failures are configuration errors; a missing
// file propagates the underlying I/O error.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to read config file %s", path), err)
	}

	root := make(map[string]any)

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("failed to parse YAML config %s", path), err)
		}
	case ".json", ".jsonc":
		// Strip // and /* */ comments plus trailing commas before handing
		// the bytes to encoding/json. Config files written by hand
		// frequently carry comments.
		if err := json.Unmarshal(jsonc.ToJSON(data), &root); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("failed to parse JSON config %s", path), err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &root); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("failed to parse TOML config %s", path), err)
		}
	default:
		return nil, model.NewCLIError(model.ExitConfigError,
			fmt.Sprintf("unsupported config extension %q (expected .yaml, .yml, .json, .jsonc or .toml)", ext))
	}

	return &Document{root: normalizeTree(root).(map[string]any)}, nil
}

// normalizeTree rewrites the decoder-specific container types into the
// canonical map[string]any / []any forms. yaml.v3 can produce
// map[any]any for some key shapes and toml produces typed slices;
// normalizing here keeps path traversal simple.
func normalizeTree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeTree(val)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeTree(val)
		}
		return m
	case []any:
		for i := range t {
			t[i] = normalizeTree(t[i])
		}
		return t
	default:
		return v
	}
}

// Get resolves a dotted path against the document. Path segments traverse
// maps by key and lists by numeric index. The second return value reports
// whether the full path resolved.
func (d *Document) Get(path string) (any, bool) {
	var cur any = d.root
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// GetString returns the string at path, or the fallback when the path is
// missing or holds a non-string.
func (d *Document) GetString(path, fallback string) string {
	if v, ok := d.Get(path); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// GetInt returns the integer at path, tolerating the numeric types the
// different decoders produce (int, int64, float64).
func (d *Document) GetInt(path string, fallback int) int {
	v, ok := d.Get(path)
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}

// GetBool returns the boolean at path, or the fallback.
func (d *Document) GetBool(path string, fallback bool) bool {
	if v, ok := d.Get(path); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// Sub returns the subtree at path as a Document. Missing paths and
// non-map subtrees yield ok=false.
func (d *Document) Sub(path string) (*Document, bool) {
	v, ok := d.Get(path)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return &Document{root: m}, true
}

// Set assigns a value at a dotted path, creating intermediate maps as
// needed. List indices along the path must already exist: the document
// never grows lists implicitly, because a pipeline stage referenced by
// index has to be defined by the base configuration.
func (d *Document) Set(path string, value any) error {
	segs := strings.Split(path, ".")
	var cur any = d.root

	for i, seg := range segs[:len(segs)-1] {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok || next == nil {
				next = make(map[string]any)
				node[seg] = next
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return fmt.Errorf("config path %q: list index %q out of range", path, seg)
			}
			cur = node[idx]
		default:
			return fmt.Errorf("config path %q: segment %q is a scalar, cannot descend", path, strings.Join(segs[:i+1], "."))
		}
	}

	last := segs[len(segs)-1]
	switch node := cur.(type) {
	case map[string]any:
		node[last] = value
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(node) {
			return fmt.Errorf("config path %q: list index %q out of range", path, last)
		}
		node[idx] = value
	default:
		return fmt.Errorf("config path %q: parent is a scalar", path)
	}
	return nil
}

// Merge applies a flat map of dotted-path overrides to the document.
// This implements the --options flag semantics.
func (d *Document) Merge(overrides map[string]any) error {
	for k, v := range overrides {
		if err := d.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ParseOverrides converts "key=value" CLI arguments into a typed override
// map. Values are coerced in order: null sentinel, bool, int, float,
// comma-separated list, string. This mirrors the loose typing of
// hand-written override flags.
func ParseOverrides(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, model.NewCLIError(model.ExitUsageError,
				fmt.Sprintf("override %q is not in key=value form", pair))
		}
		out[key] = coerceValue(raw)
	}
	return out, nil
}

// coerceValue guesses the most specific type for an override string.
func coerceValue(raw string) any {
	if raw == "None" || raw == "null" {
		return nil
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if strings.Contains(raw, ",") {
		parts := strings.Split(raw, ",")
		list := make([]any, 0, len(parts))
		for _, p := range parts {
			list = append(list, coerceValue(strings.TrimSpace(p)))
		}
		return list
	}
	return raw
}
