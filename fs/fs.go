// ABOUTME: Filesystem port used by the compiler and node handlers.
// ABOUTME: OS-backed implementation plus an in-memory fake for tests and sub-diagram isolation.

package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileSystem is the narrow file surface the runtime depends on.
type FileSystem interface {
	Exists(path string) bool
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
	Append(path string, data []byte) error
	MkdirAll(path string) error
}

// OS implements FileSystem against the real filesystem.
type OS struct{}

func (OS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (OS) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (OS) Write(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func (OS) Append(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func (OS) MkdirAll(path string) error {
	return os.MkdirAll(path, 0o755)
}

// Mem is an in-memory FileSystem for tests and isolated sub-executions.
type Mem struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMem creates an empty in-memory filesystem.
func NewMem() *Mem {
	return &Mem{files: make(map[string][]byte)}
}

// NewMemWith seeds an in-memory filesystem from a path → content map.
func NewMemWith(files map[string]string) *Mem {
	m := NewMem()
	for p, c := range files {
		m.files[filepath.Clean(p)] = []byte(c)
	}
	return m
}

func (m *Mem) Exists(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[filepath.Clean(path)]
	return ok
}

func (m *Mem) Read(path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[filepath.Clean(path)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Mem) Write(path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.files[filepath.Clean(path)] = buf
	return nil
}

func (m *Mem) Append(path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := filepath.Clean(path)
	m.files[key] = append(m.files[key], data...)
	return nil
}

func (m *Mem) MkdirAll(string) error { return nil }

// Paths lists stored paths sorted, for test assertions.
func (m *Mem) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ResolveUnder joins a possibly relative path beneath base, leaving
// absolute paths untouched.
func ResolveUnder(base, path string) string {
	if path == "" {
		return base
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, string(filepath.Separator)) {
		return filepath.Clean(path)
	}
	if base == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}
