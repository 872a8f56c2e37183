// Package model describes the closed set of compiled speech-model artifacts
// the runtime can load: accelerator architecture x model variant x component.
package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Arch identifies the accelerator architecture an artifact was compiled for.
type Arch string

const (
	Hailo8   Arch = "hailo8"
	Hailo8L  Arch = "hailo8l"
	Hailo10H Arch = "hailo10h"
)

// Variant identifies the model size.
type Variant string

const (
	Tiny Variant = "tiny"
	Base Variant = "base"
)

// Component is one of the two inference stages.
type Component string

const (
	Encoder Component = "encoder"
	Decoder Component = "decoder"
)

var ErrArtifactMissing = errors.New("model artifact missing")

func ParseArch(s string) (Arch, error) {
	switch a := Arch(strings.ToLower(strings.TrimSpace(s))); a {
	case Hailo8, Hailo8L, Hailo10H:
		return a, nil
	}
	return "", fmt.Errorf("unknown accelerator architecture %q", s)
}

func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case Tiny, Base:
		return v, nil
	}
	return "", fmt.Errorf("unknown model variant %q", s)
}

// CanRunOn reports whether an artifact compiled for a runs on a device of arch device.
// Hailo-8L artifacts are forward compatible with Hailo-8 devices; everything else
// must match exactly.
func (a Arch) CanRunOn(device Arch) bool {
	return a == device || (a == Hailo8L && device == Hailo8)
}

// ID names one artifact.
type ID struct {
	Arch      Arch
	Variant   Variant
	Component Component
}

func (id ID) String() string {
	return fmt.Sprintf("%s/%s/%s", id.Variant, id.Arch, id.Component)
}

// Profile holds the shape constants of a variant.
type Profile struct {
	Variant Variant
	// ChunkSeconds is the audio window the encoder artifact was compiled for.
	ChunkSeconds float64
	// DecoderSeqLen is the fixed token window of the decoder artifact.
	DecoderSeqLen int
	Mels          int
	HiddenSize    int
	VocabSize     int
}

// EncoderFrames is the number of mel frames fed to the encoder (10ms hop).
func (p Profile) EncoderFrames() int {
	return int(p.ChunkSeconds * 100)
}

// EncoderStates is the number of encoder output positions (stride 2 conv stem).
func (p Profile) EncoderStates() int {
	return p.EncoderFrames() / 2
}

func ProfileFor(v Variant) Profile {
	switch v {
	case Tiny:
		return Profile{Variant: Tiny, ChunkSeconds: 10, DecoderSeqLen: 32, Mels: 80, HiddenSize: 384, VocabSize: 51865}
	default:
		return Profile{Variant: Base, ChunkSeconds: 5, DecoderSeqLen: 24, Mels: 80, HiddenSize: 512, VocabSize: 51865}
	}
}

// Artifact is a resolved, existing artifact file.
type Artifact struct {
	ID   ID
	Path string
}

// Registry maps artifact IDs to files on disk.
type Registry struct {
	dir       string
	overrides map[string]string
}

// NewRegistry creates a registry rooted at dir. Overrides are keyed by ID.String().
func NewRegistry(dir string, overrides map[string]string) *Registry {
	copied := make(map[string]string, len(overrides))
	for k, v := range overrides {
		copied[k] = v
	}
	return &Registry{dir: dir, overrides: copied}
}

// Path returns the expected location of an artifact without checking it exists.
func (r *Registry) Path(id ID) string {
	if p, ok := r.overrides[id.String()]; ok && p != "" {
		return p
	}
	return filepath.Join(r.dir, string(id.Variant), string(id.Arch), string(id.Component)+".hef")
}

// Resolve returns the artifact for id, or ErrArtifactMissing when no file is present.
func (r *Registry) Resolve(id ID) (Artifact, error) {
	path := r.Path(id)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, fmt.Errorf("%w: %s not found at %s (download the %s artifacts first)", ErrArtifactMissing, id, path, id.Arch)
		}
		return Artifact{}, fmt.Errorf("stat artifact %s: %w", id, err)
	}
	if info.IsDir() {
		return Artifact{}, fmt.Errorf("%w: %s is a directory", ErrArtifactMissing, path)
	}
	return Artifact{ID: id, Path: path}, nil
}
