// Package zootest provides in-memory Dataset and Segmentor fakes for
// exercising the evaluation driver without a real model zoo.
package zootest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/mizuno-lab/segeval/internal/model"
	"github.com/mizuno-lab/segeval/internal/zoo"
)

// FakeDataset is an in-memory Dataset that records sink invocations.
type FakeDataset struct {
	NumSamples   int
	ClassNames   []string
	Colors       []model.Color
	FailSampleAt int

	// BaseDir, when set, prefixes sample image paths so tests can place
	// real image files on disk.
	BaseDir string

	mu            sync.Mutex
	evaluateCalls []EvaluateCall
	formatCalls   []FormatCall
}

// EvaluateCall records one Evaluate invocation.
type EvaluateCall struct {
	NumResults int
	Metrics    []string
	SaveDir    string
	Opts       map[string]any
}

// FormatCall records one FormatResults invocation.
type FormatCall struct {
	NumResults int
	Opts       map[string]any
}

// NewFakeDataset builds a dataset with n synthetic samples and a two-class
// label set.
func NewFakeDataset(n int) *FakeDataset {
	return &FakeDataset{
		NumSamples:   n,
		ClassNames:   []string{"background", "foreground"},
		Colors:       []model.Color{{0, 0, 0}, {255, 255, 255}},
		FailSampleAt: -1,
	}
}

func (d *FakeDataset) Len() int { return d.NumSamples }

func (d *FakeDataset) Sample(i int) (zoo.Sample, error) {
	if i == d.FailSampleAt {
		return zoo.Sample{}, fmt.Errorf("synthetic sample failure at %d", i)
	}
	path := fmt.Sprintf("%04d.png", i)
	if d.BaseDir != "" {
		path = filepath.Join(d.BaseDir, path)
	}
	return zoo.Sample{Index: i, ImagePath: path}, nil
}

func (d *FakeDataset) Classes() []string { return d.ClassNames }
func (d *FakeDataset) Palette() []model.Color { return d.Colors }

func (d *FakeDataset) Evaluate(results []model.Result, metrics []string, saveDir string, opts map[string]any) (map[string]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evaluateCalls = append(d.evaluateCalls, EvaluateCall{
		NumResults: len(results),
		Metrics:    append([]string(nil), metrics...),
		SaveDir:    saveDir,
		Opts:       opts,
	})
	out := make(map[string]float64, len(metrics))
	for _, m := range metrics {
		out[m] = 1.0
	}
	return out, nil
}

func (d *FakeDataset) FormatResults(results []model.Result, opts map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.formatCalls = append(d.formatCalls, FormatCall{NumResults: len(results), Opts: opts})
	return nil
}

// EvaluateCalls returns the recorded Evaluate invocations.
func (d *FakeDataset) EvaluateCalls() []EvaluateCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]EvaluateCall(nil), d.evaluateCalls...)
}

// FormatCalls returns the recorded FormatResults invocations.
func (d *FakeDataset) FormatCalls() []FormatCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]FormatCall(nil), d.formatCalls...)
}

// FakeSegmentor produces a deterministic 2x2 mask per sample and records
// the mutations the orchestrator applies.
type FakeSegmentor struct {
	mu          sync.Mutex
	classes     []string
	palette     []model.Color
	appliedKeys []string
	InferErr    error
}

func (s *FakeSegmentor) Infer(_ context.Context, sample zoo.Sample) (model.Result, error) {
	if s.InferErr != nil {
		return model.Result{}, s.InferErr
	}
	// The mask encodes the sample index so ordering bugs show up in
	// assertions.
	v := uint8(sample.Index % 2)
	return model.Result{
		Source:    sample.ImagePath,
		Width:     2,
		Height:    2,
		ClassMask: []uint8{v, v, v, v},
	}, nil
}

func (s *FakeSegmentor) ApplyState(state map[string][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range state {
		s.appliedKeys = append(s.appliedKeys, k)
	}
	return nil
}

func (s *FakeSegmentor) SetLabels(classes []string, palette []model.Color) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classes = append([]string(nil), classes...)
	s.palette = append([]model.Color(nil), palette...)
}

func (s *FakeSegmentor) Labels() ([]string, []model.Color) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.classes, s.palette
}

// AppliedKeys returns the parameter names seen by ApplyState.
func (s *FakeSegmentor) AppliedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.appliedKeys...)
}

// FakeVLSegmentor extends FakeSegmentor with the vision-language
// initialization hooks.
type FakeVLSegmentor struct {
	FakeSegmentor

	mu           sync.Mutex
	BackbonePath string
	TextEncPath  string
}

func (s *FakeVLSegmentor) InitBackbone(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BackbonePath = path
	return nil
}

func (s *FakeVLSegmentor) InitTextEncoder(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TextEncPath = path
	return nil
}
