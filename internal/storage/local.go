package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStorage keeps files on a local filesystem under root.
type LocalStorage struct {
	root     string
	maxBytes int64
}

// NewLocalStorage creates the root directory if needed.
func NewLocalStorage(root string, maxBytes int64) (*LocalStorage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalStorage{root: abs, maxBytes: maxBytes}, nil
}

func (s *LocalStorage) Root() string {
	return s.root
}

func (s *LocalStorage) Close() error {
	return nil
}

func (s *LocalStorage) inputDir(p Placement) string {
	return filepath.Join(s.root, p.OwnerID.String(), p.dateDir(), inputDirName)
}

func (s *LocalStorage) AllocateInputPath(ctx context.Context, p Placement) (string, error) {
	dir := s.inputDir(p)
	sanitized := SanitizeFilename(p.Filename)
	for i := 0; i < maxCandidates; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		candidate := filepath.Join(dir, candidateName(sanitized, p.FileID, i))
		_, err := os.Lstat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("%w: stat %s: %w", ErrWriteFailed, candidate, err)
		}
	}
	return "", fmt.Errorf("%w: no free name for %q", ErrWriteFailed, sanitized)
}

// WriteInput stages r next to path and links it into place. It fails with
// ErrPathTaken rather than replace an existing file.
func (s *LocalStorage) WriteInput(ctx context.Context, path string, r io.Reader) (int64, error) {
	if err := s.checkPath(path); err != nil {
		return 0, err
	}
	dir := filepath.Dir(path)
	tmp, n, err := s.stage(ctx, dir, r, s.maxBytes)
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return 0, ErrPathTaken
		}
		return 0, writeError("commit input", err)
	}
	if err := syncDir(dir); err != nil {
		_ = os.Remove(path)
		return 0, writeError("sync input dir", err)
	}
	return n, nil
}

// StoreInput stages r once and links it under the first free candidate name.
// A candidate taken by a concurrent writer moves the link to the next one.
func (s *LocalStorage) StoreInput(ctx context.Context, p Placement, r io.Reader) (string, int64, error) {
	dir := s.inputDir(p)
	tmp, n, err := s.stage(ctx, dir, r, s.maxBytes)
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tmp)

	sanitized := SanitizeFilename(p.Filename)
	for i := 0; i < maxCandidates; i++ {
		candidate := filepath.Join(dir, candidateName(sanitized, p.FileID, i))
		err := os.Link(tmp, candidate)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", 0, writeError("commit input", err)
		}
		if err := syncDir(dir); err != nil {
			_ = os.Remove(candidate)
			return "", 0, writeError("sync input dir", err)
		}
		return candidate, n, nil
	}
	return "", 0, fmt.Errorf("%w: no free name for %q", ErrWriteFailed, sanitized)
}

func (s *LocalStorage) AllocateOutputPath(p Placement) string {
	return filepath.Join(s.root, p.OwnerID.String(), p.dateDir(), outputDirName, outputName(p))
}

// WriteOutput replaces any previous output at path atomically.
func (s *LocalStorage) WriteOutput(ctx context.Context, path string, data []byte) error {
	if err := s.checkPath(path); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, _, err := s.stage(ctx, dir, bytes.NewReader(data), 0)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return writeError("commit output", err)
	}
	if err := syncDir(dir); err != nil {
		return writeError("sync output dir", err)
	}
	return nil
}

func (s *LocalStorage) OpenInput(ctx context.Context, path string) (io.ReadCloser, error) {
	return s.open(path)
}

func (s *LocalStorage) ReadOutput(ctx context.Context, path string) (io.ReadCloser, error) {
	return s.open(path)
}

func (s *LocalStorage) open(path string) (io.ReadCloser, error) {
	if err := s.checkPath(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// Remove deletes path. A missing file is not an error.
func (s *LocalStorage) Remove(ctx context.Context, path string) error {
	if err := s.checkPath(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// SweepStaging deletes staging files last modified before olderThan.
func (s *LocalStorage) SweepStaging(ctx context.Context, olderThan time.Time) (int, error) {
	removed := 0
	err := s.walk(ctx, func(path string, d fs.DirEntry, info fs.FileInfo) error {
		if !strings.HasPrefix(d.Name(), stagingPrefix) || !info.ModTime().Before(olderThan) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove staging file %s: %w", path, err)
		}
		removed++
		return nil
	})
	return removed, err
}

// ListFiles returns committed input and output files last modified before
// olderThan.
func (s *LocalStorage) ListFiles(ctx context.Context, olderThan time.Time) ([]string, error) {
	var paths []string
	err := s.walk(ctx, func(path string, d fs.DirEntry, info fs.FileInfo) error {
		if strings.HasPrefix(d.Name(), stagingPrefix) || !info.ModTime().Before(olderThan) {
			return nil
		}
		switch filepath.Base(filepath.Dir(path)) {
		case inputDirName, outputDirName:
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}

// walk visits every regular file under root.
func (s *LocalStorage) walk(ctx context.Context, fn func(path string, d fs.DirEntry, info fs.FileInfo) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		return fn(path, d, info)
	})
}

// stage copies r into a fresh staging file in dir and returns its path.
// The file is synced and closed on success and removed on failure.
func (s *LocalStorage) stage(ctx context.Context, dir string, r io.Reader, max int64) (string, int64, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", 0, writeError("create dir", err)
	}
	f, err := os.CreateTemp(dir, stagingPrefix+"*")
	if err != nil {
		return "", 0, writeError("create staging file", err)
	}
	tmp := f.Name()
	fail := func(op string, err error) (string, int64, error) {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", 0, writeError(op, err)
	}

	n, err := io.Copy(f, &guardedReader{ctx: ctx, r: r, max: max})
	if err != nil {
		return fail("write staging file", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync staging file", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", 0, writeError("close staging file", err)
	}
	return tmp, n, nil
}

// checkPath rejects paths outside root.
func (s *LocalStorage) checkPath(path string) error {
	rel, err := filepath.Rel(s.root, filepath.Clean(path))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: path %q is outside the storage root", ErrWriteFailed, path)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
