// Package versionstore implements the Version Store (C4): load, reconcile,
// and atomic save of the persisted last-known-good tags, grounded on the
// teacher's state.go mutex-guarded map shape for reconciliation and on
// gopkg.in/yaml.v3 (already used by internal/compose) for serialization.
package versionstore

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/auto-dns/fblaster/internal/compose"
)

const fileName = "fblaster-versions.yml"

// FileError represents a malformed version-store file (InvalidVersionFile, spec.md §7).
type FileError struct {
	Message string
}

func (e *FileError) Error() string { return e.Message }

func newFileError(format string, args ...interface{}) *FileError {
	return &FileError{Message: fmt.Sprintf(format, args...)}
}

// Entry is one persisted tracked-image tag (spec.md §3 "Version store").
type Entry struct {
	Registry string `yaml:"registry"`
	Image    string `yaml:"image"`
	Tag      string `yaml:"tag"`
}

// Load reads the version store from dir. It returns (nil, false, nil) if the
// file does not exist (spec.md §4.4 "Version store absent: fall back to
// manifest tags"), and a *FileError if it exists but is malformed.
func Load(dir string) ([]Entry, bool, error) {
	path := filepath.Join(dir, fileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading version store %s: %w", path, err)
	}

	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, false, newFileError("version store %s is not valid YAML: %v", path, err)
	}
	for i, e := range entries {
		if e.Registry == "" && e.Image == "" {
			return nil, false, newFileError("version store %s entry %d is missing registry/image", path, i)
		}
		if e.Image == "" || e.Tag == "" {
			return nil, false, newFileError("version store %s entry %d is missing image or tag", path, i)
		}
	}

	return entries, true, nil
}

// Reconcile substitutes each initial ref's tag with the loaded tag when
// (Registry, Image) matches; it never introduces tracked images beyond
// initial (spec.md §4.4).
func Reconcile(initial []compose.ImageRef, loaded []Entry) []compose.ImageRef {
	byKey := make(map[string]string, len(loaded))
	for _, e := range loaded {
		byKey[e.Registry+"|"+e.Image] = e.Tag
	}

	reconciled := make([]compose.ImageRef, len(initial))
	for i, ref := range initial {
		reconciled[i] = ref
		if tag, ok := byKey[ref.Key()]; ok {
			reconciled[i].Tag = tag
		}
	}
	return reconciled
}

// Save atomically writes refs to the version store: marshal, write to a temp
// file in the same directory, then rename over the target (atomic on POSIX).
func Save(dir string, refs []compose.ImageRef) error {
	entries := make([]Entry, len(refs))
	for i, r := range refs {
		entries[i] = Entry{Registry: r.Registry, Image: r.Image, Tag: r.Tag}
	}

	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshaling version store: %w", err)
	}

	target := filepath.Join(dir, fileName)
	tmp, err := os.CreateTemp(dir, ".fblaster-versions-*.yml.tmp")
	if err != nil {
		return fmt.Errorf("creating temp version store file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp version store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp version store file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("renaming version store into place: %w", err)
	}
	return nil
}
