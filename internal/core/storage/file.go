package storage

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/zeusync/serialstate/internal/core/storage/interfaces"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateKey accepts letters, digits, '-' and '_' only, so keys are safe as
// file names and Redis key suffixes.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return errors.Wrapf(interfaces.ErrInvalidKey, "%q", key)
	}
	return nil
}

// FileStore keeps one file per key, named <key><format>, in a directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create store directory %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

// Put replaces the document stored under key. The write goes to a temporary
// file first and is renamed into place.
func (s *FileStore) Put(ctx context.Context, key string, blob interfaces.Blob) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if !strings.HasPrefix(blob.Format, ".") {
		return errors.Errorf("storage: format %q must be a file extension", blob.Format)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+"-*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(blob.Data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "failed to write snapshot")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close snapshot")
	}

	existing, err := s.files(key)
	if err != nil {
		return err
	}
	target := filepath.Join(s.dir, key+blob.Format)
	if err := os.Rename(tmp.Name(), target); err != nil {
		return errors.Wrap(err, "failed to move snapshot into place")
	}
	for _, old := range existing {
		if old != target {
			_ = os.Remove(old)
		}
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) (interfaces.Blob, error) {
	if err := ValidateKey(key); err != nil {
		return interfaces.Blob{}, err
	}
	if err := ctx.Err(); err != nil {
		return interfaces.Blob{}, err
	}

	files, err := s.files(key)
	if err != nil {
		return interfaces.Blob{}, err
	}
	if len(files) == 0 {
		return interfaces.Blob{}, errors.Wrapf(interfaces.ErrNotFound, "%q", key)
	}

	path := files[0]
	info, err := os.Stat(path)
	if err != nil {
		return interfaces.Blob{}, errors.Wrapf(err, "failed to stat %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return interfaces.Blob{}, errors.Wrapf(err, "failed to read %s", path)
	}
	return interfaces.Blob{
		Format:  strings.TrimPrefix(filepath.Base(path), key),
		Data:    data,
		Updated: info.ModTime(),
	}, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	files, err := s.files(key)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.Wrapf(interfaces.ErrNotFound, "%q", key)
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil {
			return errors.Wrapf(err, "failed to remove %s", f)
		}
	}
	return nil
}

// List returns the stored keys in sorted order.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", s.dir)
	}
	seen := make(map[string]struct{})
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		key, _, ok := strings.Cut(name, ".")
		if !ok || ValidateKey(key) != nil {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// files returns the documents stored for key, newest format first when several exist.
func (s *FileStore) files(key string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, key+".*"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan store directory")
	}
	sort.Slice(matches, func(i, j int) bool {
		a, errA := os.Stat(matches[i])
		b, errB := os.Stat(matches[j])
		if errA != nil || errB != nil {
			return matches[i] < matches[j]
		}
		return a.ModTime().After(b.ModTime())
	})
	return matches, nil
}
