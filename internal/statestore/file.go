// Package statestore persists small string maps as whole JSON documents.
//
// Every Load and every Save takes an advisory lock on "<path>.lock" and
// saves replace the file through an atomic rename, so readers never see a
// torn document. The lock is not held between a Load and the following
// Save: two writers doing read-modify-write on the same file can still lose
// an update, and the last Save wins.
package statestore

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/samber/oops"
)

const (
	AnchorFileName = "message_anchor_state.json"
	VisualFileName = "visual_state.json"
)

// File is one durable map document.
type File struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
}

func Open(path string) *File {
	return &File{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// OpenAnchors and OpenVisual open the two documents kept in a state dir.
func OpenAnchors(dir string) *File { return Open(filepath.Join(dir, AnchorFileName)) }

func OpenVisual(dir string) *File { return Open(filepath.Join(dir, VisualFileName)) }

func (f *File) Path() string {
	return f.path
}

// Load returns the stored map. A missing, unreadable or malformed document
// yields an empty map.
func (f *File) Load() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]string)

	if err := f.ensureDir(); err == nil {
		if err := f.lock.RLock(); err != nil {
			slog.Warn("state lock failed, reading unlocked", "component", "statestore", "path", f.path, "error", err)
		} else {
			defer f.lock.Unlock()
		}
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("read state failed", "component", "statestore", "path", f.path, "error", err)
		}
		return out
	}

	var raw map[string]*string
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Warn("state file malformed, treating as empty", "component", "statestore", "path", f.path, "error", err)
		return out
	}
	for k, v := range raw {
		if v != nil && *v != "" {
			out[k] = *v
		}
	}
	return out
}

// Save replaces the document with m. Empty values are not written.
func (f *File) Save(m map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.save(m)
}

func (f *File) save(m map[string]string) error {
	if err := f.ensureDir(); err != nil {
		return err
	}

	doc := make(map[string]string, len(m))
	for k, v := range m {
		if v != "" {
			doc[k] = v
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return oops.In("statestore").With("path", f.path).Wrapf(err, "marshal state")
	}

	if err := f.lock.Lock(); err != nil {
		return oops.In("statestore").With("path", f.path).Wrapf(err, "lock state")
	}
	defer f.lock.Unlock()

	if err := renameio.WriteFile(f.path, data, 0644); err != nil {
		return oops.In("statestore").With("path", f.path).Wrapf(err, "write state")
	}
	return nil
}

// Set loads the document, sets key and saves it back.
func (f *File) Set(key, value string) error {
	m := f.Load()
	if value == "" {
		delete(m, key)
	} else {
		m[key] = value
	}
	return f.Save(m)
}

// Delete loads the document, removes key and saves it back. A missing key
// still rewrites the document.
func (f *File) Delete(key string) error {
	m := f.Load()
	delete(m, key)
	return f.Save(m)
}

func (f *File) ensureDir() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return oops.In("statestore").With("path", f.path).Wrapf(err, "create state dir")
	}
	return nil
}
