package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

const gcsOpTimeout = 2 * time.Minute

// GCSStorage keeps files as objects in a Cloud Storage bucket. Paths are
// object names relative to the bucket.
type GCSStorage struct {
	client   *storage.Client
	bucket   string
	prefix   string
	maxBytes int64
}

func NewGCSStorage(client *storage.Client, bucket, prefix string, maxBytes int64) *GCSStorage {
	return &GCSStorage{
		client:   client,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		maxBytes: maxBytes,
	}
}

func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func (s *GCSStorage) object(name string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(name)
}

func (s *GCSStorage) inputDir(p Placement) string {
	return path.Join(s.prefix, p.OwnerID.String(), p.dateDir(), inputDirName)
}

func (s *GCSStorage) AllocateInputPath(ctx context.Context, p Placement) (string, error) {
	dir := s.inputDir(p)
	sanitized := SanitizeFilename(p.Filename)
	for i := 0; i < maxCandidates; i++ {
		candidate := path.Join(dir, candidateName(sanitized, p.FileID, i))
		_, err := s.object(candidate).Attrs(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("%w: stat %s: %w", ErrWriteFailed, candidate, err)
		}
	}
	return "", fmt.Errorf("%w: no free name for %q", ErrWriteFailed, sanitized)
}

// WriteInput streams r into a staging object and copies it to name only if
// name does not exist yet.
func (s *GCSStorage) WriteInput(ctx context.Context, name string, r io.Reader) (int64, error) {
	staging, n, err := s.stage(ctx, path.Dir(name), r, s.maxBytes)
	if err != nil {
		return 0, err
	}
	defer s.dropStaging(staging)

	if err := s.copyNew(ctx, staging, name); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *GCSStorage) StoreInput(ctx context.Context, p Placement, r io.Reader) (string, int64, error) {
	dir := s.inputDir(p)
	staging, n, err := s.stage(ctx, dir, r, s.maxBytes)
	if err != nil {
		return "", 0, err
	}
	defer s.dropStaging(staging)

	sanitized := SanitizeFilename(p.Filename)
	for i := 0; i < maxCandidates; i++ {
		candidate := path.Join(dir, candidateName(sanitized, p.FileID, i))
		err := s.copyNew(ctx, staging, candidate)
		if errors.Is(err, ErrPathTaken) {
			continue
		}
		if err != nil {
			return "", 0, err
		}
		return candidate, n, nil
	}
	return "", 0, fmt.Errorf("%w: no free name for %q", ErrWriteFailed, sanitized)
}

func (s *GCSStorage) AllocateOutputPath(p Placement) string {
	return path.Join(s.prefix, p.OwnerID.String(), p.dateDir(), outputDirName, outputName(p))
}

func (s *GCSStorage) WriteOutput(ctx context.Context, name string, data []byte) error {
	staging, _, err := s.stage(ctx, path.Dir(name), bytes.NewReader(data), 0)
	if err != nil {
		return err
	}
	defer s.dropStaging(staging)

	ctx, cancel := context.WithTimeout(ctx, gcsOpTimeout)
	defer cancel()
	if _, err := s.object(name).CopierFrom(s.object(staging)).Run(ctx); err != nil {
		return writeError("commit output", err)
	}
	return nil
}

func (s *GCSStorage) OpenInput(ctx context.Context, name string) (io.ReadCloser, error) {
	return s.open(ctx, name)
}

func (s *GCSStorage) ReadOutput(ctx context.Context, name string) (io.ReadCloser, error) {
	return s.open(ctx, name)
}

func (s *GCSStorage) open(ctx context.Context, name string) (io.ReadCloser, error) {
	rc, err := s.object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return rc, nil
}

func (s *GCSStorage) Remove(ctx context.Context, name string) error {
	err := s.object(name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

func (s *GCSStorage) SweepStaging(ctx context.Context, olderThan time.Time) (int, error) {
	removed := 0
	err := s.list(ctx, func(attrs *storage.ObjectAttrs) error {
		if !strings.HasPrefix(path.Base(attrs.Name), stagingPrefix) || !attrs.Created.Before(olderThan) {
			return nil
		}
		if err := s.Remove(ctx, attrs.Name); err != nil {
			return err
		}
		removed++
		return nil
	})
	return removed, err
}

func (s *GCSStorage) ListFiles(ctx context.Context, olderThan time.Time) ([]string, error) {
	var names []string
	err := s.list(ctx, func(attrs *storage.ObjectAttrs) error {
		if strings.HasPrefix(path.Base(attrs.Name), stagingPrefix) || !attrs.Created.Before(olderThan) {
			return nil
		}
		switch path.Base(path.Dir(attrs.Name)) {
		case inputDirName, outputDirName:
			names = append(names, attrs.Name)
		}
		return nil
	})
	return names, err
}

func (s *GCSStorage) list(ctx context.Context, fn func(*storage.ObjectAttrs) error) error {
	q := &storage.Query{}
	if s.prefix != "" {
		q.Prefix = s.prefix + "/"
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, q)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		if err := fn(attrs); err != nil {
			return err
		}
	}
}

// stage uploads r to a new staging object in dir. A failed upload is
// cancelled so no partial object is finalized.
func (s *GCSStorage) stage(ctx context.Context, dir string, r io.Reader, max int64) (string, int64, error) {
	name := path.Join(dir, stagingPrefix+uuid.NewString())

	wctx, cancel := context.WithTimeout(ctx, gcsOpTimeout)
	defer cancel()

	w := s.object(name).NewWriter(wctx)
	w.ContentType = "application/octet-stream"
	n, err := io.Copy(w, &guardedReader{ctx: ctx, r: r, max: max})
	if err != nil {
		cancel()
		_ = w.Close()
		return "", 0, writeError("write staging object", err)
	}
	if err := w.Close(); err != nil {
		return "", 0, writeError("close staging object", err)
	}
	return name, n, nil
}

// copyNew copies src to dst on the condition that dst does not exist.
func (s *GCSStorage) copyNew(ctx context.Context, src, dst string) error {
	ctx, cancel := context.WithTimeout(ctx, gcsOpTimeout)
	defer cancel()

	dstObj := s.object(dst).If(storage.Conditions{DoesNotExist: true})
	_, err := dstObj.CopierFrom(s.object(src)).Run(ctx)
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
		return ErrPathTaken
	}
	return writeError("commit input", err)
}

// dropStaging deletes a staging object independently of the request context,
// which may already be cancelled.
func (s *GCSStorage) dropStaging(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = s.Remove(ctx, name)
}
