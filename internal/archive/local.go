package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// LocalStore keeps the archive as a directory tree. Folder ids are slash
// separated paths relative to the root; "" is the root itself.
type LocalStore struct {
	fs       afero.Fs
	root     string
	linkBase string
}

func NewLocalStore(fs afero.Fs, root, linkBase string) *LocalStore {
	if root == "" {
		root = "."
	}
	return &LocalStore{fs: fs, root: root, linkBase: strings.TrimRight(linkBase, "/")}
}

func (s *LocalStore) FindFolder(ctx context.Context, name, parentID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	id := path.Join(parentID, name)
	info, err := s.fs.Stat(s.abs(id))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !info.IsDir() {
		return "", false, fmt.Errorf("%s exists and is not a directory", id)
	}
	return id, true, nil
}

func (s *LocalStore) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := path.Join(parentID, name)
	if err := s.fs.MkdirAll(s.abs(id), 0o755); err != nil {
		return "", err
	}
	return id, nil
}

func (s *LocalStore) Upload(ctx context.Context, req UploadRequest) (File, error) {
	if err := ctx.Err(); err != nil {
		return File{}, err
	}
	if req.Name == "" || strings.ContainsAny(req.Name, `/\`) {
		return File{}, fmt.Errorf("invalid file name %q", req.Name)
	}
	id := path.Join(req.ParentID, req.Name)

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !req.Replace {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := s.fs.OpenFile(s.abs(id), flags, 0o644)
	if err != nil {
		return File{}, err
	}
	if _, err := io.Copy(f, req.Body); err != nil {
		_ = f.Close()
		return File{}, err
	}
	if err := f.Close(); err != nil {
		return File{}, err
	}
	return File{ID: id, Link: s.link(id)}, nil
}

// SetPublicReadable is a no-op; local files are shared through link_base_url.
func (s *LocalStore) SetPublicReadable(context.Context, string) error { return nil }

func (s *LocalStore) abs(id string) string {
	return filepath.Join(s.root, filepath.FromSlash(id))
}

func (s *LocalStore) link(id string) string {
	if s.linkBase == "" {
		return s.abs(id)
	}
	parts := strings.Split(id, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.linkBase + "/" + strings.Join(parts, "/")
}
