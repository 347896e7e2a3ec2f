// Package vault provides the local file tree the sync core operates on:
// an OS-backed implementation with change notifications, and an in-memory
// implementation for tests and embedding.
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Vault is a directory-rooted file tree. All paths are vault-relative and
// slash-separated, regardless of platform.
type Vault struct {
	root string
}

func Open(root string) (*Vault, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("vault root is required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Vault{root: root}, nil
}

func (v *Vault) Root() string {
	return v.root
}

func (v *Vault) Read(path string) ([]byte, error) {
	abs, err := v.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

func (v *Vault) Write(path string, data []byte) error {
	abs, err := v.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(abs, data, 0o644)
}

func (v *Vault) Remove(path string) error {
	abs, err := v.resolve(path)
	if err != nil {
		return err
	}
	return os.Remove(abs)
}

func (v *Vault) Rename(oldPath, newPath string) error {
	absOld, err := v.resolve(oldPath)
	if err != nil {
		return err
	}
	absNew, err := v.resolve(newPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absNew), 0o755); err != nil {
		return err
	}
	return os.Rename(absOld, absNew)
}

// List returns every file in the vault, sorted. Hidden entries (dot
// prefixed) are skipped.
func (v *Vault) List() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(v.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && path != v.root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(v.root, path)
		if err != nil {
			return nil
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func (v *Vault) Exists(path string) bool {
	abs, err := v.resolve(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && !info.IsDir()
}

// resolve maps a vault-relative path to an absolute one, rejecting paths
// that escape the root.
func (v *Vault) resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	rel := filepath.FromSlash(path)
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %s must be vault-relative", path)
	}
	abs := filepath.Join(v.root, rel)
	check, err := filepath.Rel(v.root, abs)
	if err != nil || check == ".." || strings.HasPrefix(check, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes vault root", path)
	}
	return abs, nil
}

// relPath converts an absolute path under the root back to vault-relative
// form. Returns false for paths outside the root.
func (v *Vault) relPath(abs string) (string, bool) {
	rel, err := filepath.Rel(v.root, abs)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

// MemTree is an in-memory file tree with the same surface as Vault. It
// backs tests and embedded use where no real directory exists.
type MemTree struct {
	mu    sync.Mutex
	files map[string][]byte
}

func NewMemTree() *MemTree {
	return &MemTree{files: map[string][]byte{}}
}

func (m *MemTree) Read(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

func (m *MemTree) Write(path string, data []byte) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("path is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = append([]byte(nil), data...)
	return nil
}

func (m *MemTree) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[path]; !ok {
		return fs.ErrNotExist
	}
	delete(m.files, path)
	return nil
}

func (m *MemTree) Rename(oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[oldPath]
	if !ok {
		return fs.ErrNotExist
	}
	delete(m.files, oldPath)
	m.files[newPath] = data
	return nil
}

func (m *MemTree) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.files))
	for path := range m.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *MemTree) Exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok
}
