package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
)

// Storage keeps encrypted payslips under {root}/{tenant}/{period}/.
type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/payslips"
	}
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir links: %w", err)
	}
	return &Storage{basePath: resolved}, nil
}

func (s *Storage) Save(_ context.Context, key string, data io.Reader) error {
	path, err := s.within(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("move file into place: %w", err)
	}
	return nil
}

// Resolve returns the canonical path of an existing artifact. Keys that
// resolve outside the root, directly or through symlinks, are rejected.
func (s *Storage) Resolve(_ context.Context, key string) (string, error) {
	path, err := s.within(key)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", domain.WrapError(domain.ErrArtifactMissing, "resolve artifact", err)
		}
		return "", fmt.Errorf("resolve artifact: %w", err)
	}
	if !s.contains(resolved) {
		return "", domain.WrapError(domain.ErrPathEscape, "resolve artifact", fmt.Errorf("link target %q", resolved))
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", domain.WrapError(domain.ErrArtifactMissing, "stat artifact", err)
	}
	if !info.Mode().IsRegular() {
		return "", domain.WrapError(domain.ErrArtifactMissing, "stat artifact", fmt.Errorf("%q is not a file", key))
	}
	return resolved, nil
}

func (s *Storage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

func (s *Storage) Remove(_ context.Context, key string) error {
	path, err := s.within(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// within maps key to an absolute path and checks it stays under the root.
// Absolute keys are accepted when they already point inside the root.
func (s *Storage) within(key string) (string, error) {
	if strings.ContainsRune(key, 0) {
		return "", domain.WrapError(domain.ErrPathEscape, "resolve key", fmt.Errorf("nul byte in key"))
	}
	var path string
	if filepath.IsAbs(key) {
		path = filepath.Clean(key)
	} else {
		path = filepath.Join(s.basePath, filepath.FromSlash(key))
	}
	if !s.contains(path) {
		return "", domain.WrapError(domain.ErrPathEscape, "resolve key", fmt.Errorf("key %q", key))
	}
	return path, nil
}

func (s *Storage) contains(path string) bool {
	rel, err := filepath.Rel(s.basePath, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
