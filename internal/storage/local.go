package storage

import (
	"context"
	"errors"
	"os"
	"path"

	"github.com/spf13/afero"
)

// LocalStore keeps objects on an afero filesystem rooted at a directory.
type LocalStore struct {
	fs      afero.Fs
	baseURL string
}

// NewLocalStore stores objects under root on fs. Public URLs are baseURL + "/" + path.
func NewLocalStore(fs afero.Fs, root, baseURL string) (*LocalStore, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if root != "" {
		if err := fs.MkdirAll(root, 0o755); err != nil {
			return nil, err
		}
		fs = afero.NewBasePathFs(fs, root)
	}
	if baseURL == "" {
		baseURL = "/files"
	}
	return &LocalStore{fs: fs, baseURL: baseURL}, nil
}

func (s *LocalStore) Upload(_ context.Context, objectPath string, data []byte, _ string) error {
	cleaned, err := cleanPath(objectPath)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(path.Dir(cleaned), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(s.fs, cleaned, data, 0o644)
}

func (s *LocalStore) Remove(_ context.Context, paths ...string) error {
	var errs []error
	for _, objectPath := range paths {
		cleaned, err := cleanPath(objectPath)
		if err != nil {
			return err
		}
		if err := s.fs.Remove(cleaned); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *LocalStore) PublicURL(objectPath string) string {
	return joinURL(s.baseURL, objectPath)
}

func (s *LocalStore) Ping(context.Context) error {
	_, err := s.fs.Stat("/")
	return err
}

// Open returns the stored bytes of objectPath.
func (s *LocalStore) Open(objectPath string) ([]byte, error) {
	cleaned, err := cleanPath(objectPath)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(s.fs, cleaned)
}
