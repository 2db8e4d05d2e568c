package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

var ErrUnknownDisk = errors.New("unknown storage disk")

// ContentStore is addressable byte storage keyed by disk and path.
type ContentStore interface {
	Exists(ctx context.Context, disk, path string) (bool, error)
	Size(ctx context.Context, disk, path string) (int64, error)
	Open(ctx context.Context, disk, path string) (io.ReadCloser, error)
}

type localStore struct {
	roots map[string]string
}

// NewLocalStore serves files from named root directories.
func NewLocalStore(disks map[string]string) ContentStore {
	roots := make(map[string]string, len(disks))
	for name, root := range disks {
		roots[name] = filepath.Clean(root)
	}
	return &localStore{roots: roots}
}

func (s *localStore) resolve(disk, path string) (string, error) {
	root, ok := s.roots[disk]
	if !ok {
		return "", errors.Wrap(ErrUnknownDisk, disk)
	}
	full := filepath.Join(root, filepath.FromSlash(path))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", errors.Errorf("path %q escapes disk %q", path, disk)
	}
	return full, nil
}

func (s *localStore) Exists(_ context.Context, disk, path string) (bool, error) {
	full, err := s.resolve(disk, path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "stat file")
	}
	return info.Mode().IsRegular(), nil
}

func (s *localStore) Size(_ context.Context, disk, path string) (int64, error) {
	full, err := s.resolve(disk, path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return 0, errors.Wrap(err, "stat file")
	}
	return info.Size(), nil
}

func (s *localStore) Open(_ context.Context, disk, path string) (io.ReadCloser, error) {
	full, err := s.resolve(disk, path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, errors.Wrap(err, "open file")
	}
	return f, nil
}
