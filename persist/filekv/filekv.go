// Package filekv is a persist.KV kept in a single JSON file.
package filekv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/glog"
)

// ErrCorrupt is returned by Get when the file cannot be decoded.
var ErrCorrupt = errors.New("filekv: corrupt store file")

// KV implements persist.KV. Every Set or Remove rewrites the file via a rename so
// a crash never leaves a half written file behind. A Set or Remove on a corrupt
// file moves it to <path>.corrupt and starts from an empty store.
type KV struct {
	path string

	mu sync.Mutex
}

// New returns a KV stored at path. The directory is created if needed.
func New(path string) (*KV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("filekv: %w", err)
	}
	return &KV{path: path}, nil
}

// Get implements persist.KV.
func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	m, err := k.read()
	if err != nil {
		return "", false, err
	}
	v, ok := m[key]
	return v, ok, nil
}

// Set implements persist.KV.
func (k *KV) Set(ctx context.Context, key, val string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	m, err := k.load()
	if err != nil {
		return err
	}
	m[key] = val
	return k.write(m)
}

// Remove implements persist.KV.
func (k *KV) Remove(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	m, err := k.load()
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return k.write(m)
}

func (k *KV) read() (map[string]string, error) {
	m := map[string]string{}

	b, err := os.ReadFile(k.path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrCorrupt, k.path, err)
	}
	return m, nil
}

// load reads the file ahead of a write, setting a corrupt file aside.
func (k *KV) load() (map[string]string, error) {
	m, err := k.read()
	if !errors.Is(err, ErrCorrupt) {
		return m, err
	}

	aside := k.path + ".corrupt"
	glog.Errorf("%s, moving it to %s", err, aside)
	if err := os.Rename(k.path, aside); err != nil {
		return nil, fmt.Errorf("filekv: moving corrupt file aside: %w", err)
	}
	return map[string]string{}, nil
}

func (k *KV) write(m map[string]string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, k.path)
}
