// Package state persists the remote ids created by previous runs, keyed by logical store name.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Entry struct {
	StoreID     string            `yaml:"store_id,omitempty" json:"store_id,omitempty"`
	AssistantID string            `yaml:"assistant_id,omitempty" json:"assistant_id,omitempty"`
	Files       map[string]string `yaml:"files,omitempty" json:"files,omitempty"`
	LastRunID   string            `yaml:"last_run_id,omitempty" json:"last_run_id,omitempty"`
	UpdatedAt   time.Time         `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

type State struct {
	Stores map[string]*Entry `yaml:"stores"`
}

// Lookup returns the entry for name, or an empty one that is not yet part of the state
func (s *State) Lookup(name string) Entry {
	if e, ok := s.Stores[name]; ok && e != nil {
		return *e
	}
	return Entry{}
}

func (s *State) Put(name string, e Entry) {
	if s.Stores == nil {
		s.Stores = make(map[string]*Entry)
	}
	s.Stores[name] = &e
}

// File reads and writes the state as yaml at path inside fs
type File struct {
	fs   billy.Filesystem
	path string
}

func NewFile(fs billy.Filesystem, path string) *File {
	return &File{fs: fs, path: path}
}

// Load returns an empty state when the file does not exist yet
func (f *File) Load() (*State, error) {
	data, err := util.ReadFile(f.fs, f.path)
	if errors.Is(err, os.ErrNotExist) {
		log.Debug().Str("path", f.path).Msg("No state file, starting empty")
		return &State{Stores: map[string]*Entry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state %s: %w", f.path, err)
	}

	st := &State{}
	if err := yaml.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("failed to parse state %s: %w", f.path, err)
	}
	if st.Stores == nil {
		st.Stores = map[string]*Entry{}
	}
	return st, nil
}

// Save writes to a temporary file first and renames it over the old state
func (f *File) Save(st *State) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if dir != "." {
		if err := f.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state folder %s: %w", dir, err)
		}
	}

	tmp, err := util.TempFile(f.fs, dir, ".state-")
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = f.fs.Remove(tmp.Name())
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = f.fs.Remove(tmp.Name())
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := f.fs.Rename(tmp.Name(), f.path); err != nil {
		_ = f.fs.Remove(tmp.Name())
		return fmt.Errorf("failed to replace state %s: %w", f.path, err)
	}

	log.Debug().Str("path", f.path).Msg("Saved state")
	return nil
}
