// Package checkpoint implements the checkpoint reference taxonomy and the
// on-disk checkpoint codec for segeval.
//
// The checkpoint CLI argument is interpreted exactly once, at argument-parse
// time, into a tagged Ref. The three kinds select mutually exclusive
// weight-restoration branches in the orchestrator:
//
//   - RefNone: no checkpoint is read; label metadata comes from the dataset.
//   - RefVisionLanguage: the backbone and text-encoder sub-modules are
//     initialized independently from the referenced file; label metadata
//     comes from the dataset.
//   - RefStandard: a generic checkpoint is loaded and applied; CLASSES and
//     PALETTE are recovered from its meta block when present, falling back
//     to the dataset's values with a warning.
package checkpoint

import "strings"

// VisionLanguageMarker is the substring that identifies a vision-language
// backbone checkpoint by its path.
const VisionLanguageMarker = "CLIP-ViT"

// NoneSentinel is the literal checkpoint argument meaning "no checkpoint".
//
// Known footgun, preserved for CLI compatibility: a real file literally
// named "None" cannot be loaded, because the sentinel comparison shadows it.
const NoneSentinel = "None"

// RefKind tags the checkpoint reference variants.
type RefKind int

const (
	// RefNone means no checkpoint is loaded.
	RefNone RefKind = iota

	// RefVisionLanguage means the path points at a vision-language
	// checkpoint whose weights initialize backbone and text-encoder
	// sub-modules independently.
	RefVisionLanguage

	// RefStandard means the path points at a generic checkpoint.
	RefStandard
)

// String returns a human-readable name for the kind.
func (k RefKind) String() string {
	switch k {
	case RefNone:
		return "none"
	case RefVisionLanguage:
		return "vision-language"
	case RefStandard:
		return "standard"
	default:
		return "unknown"
	}
}

// Ref is a parsed checkpoint reference: a kind plus the path it refers to.
// Path is empty for RefNone.
type Ref struct {
	Kind RefKind
	Path string
}

// ParseRef classifies the raw checkpoint CLI argument. Classification
// happens here and nowhere else; downstream code dispatches on Kind, never
// on the string content.
func ParseRef(arg string) Ref {
	if arg == NoneSentinel {
		return Ref{Kind: RefNone}
	}
	if strings.Contains(arg, VisionLanguageMarker) {
		return Ref{Kind: RefVisionLanguage, Path: arg}
	}
	return Ref{Kind: RefStandard, Path: arg}
}

// IsNone reports whether the reference names no checkpoint.
func (r Ref) IsNone() bool {
	return r.Kind == RefNone
}
