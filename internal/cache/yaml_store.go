package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// YAMLStore keeps one YAML file per fingerprint under a directory.
type YAMLStore struct {
	dir string
	mu  sync.Mutex
}

// NewYAMLStore opens (creating if needed) a directory store.
func NewYAMLStore(dir string) (*YAMLStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &YAMLStore{dir: dir}, nil
}

func (s *YAMLStore) path(fingerprint string) string {
	return filepath.Join(s.dir, Key(fingerprint)+".yaml")
}

func (s *YAMLStore) Get(fingerprint string) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(fingerprint))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var e Entry
	if err := yaml.Unmarshal(data, &e); err != nil {
		return nil, false, fmt.Errorf("corrupt cache entry %s: %w", s.path(fingerprint), err)
	}
	return &e, true, nil
}

// Put writes the entry atomically, replacing any previous one.
func (s *YAMLStore) Put(fingerprint string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := yaml.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".entry-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path(fingerprint))
}

func (s *YAMLStore) Len() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".yaml") {
			n++
		}
	}
	return n, nil
}

func (s *YAMLStore) Close() error { return nil }
