package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"

	"worktrace/internal/wt"
)

// FileSystemStore mirrors media into a directory tree, typically a mounted
// network share. A key "owner/id.jpg" lands at <root>/owner/id.jpg.
type FileSystemStore struct {
	fs   afero.Fs
	root string
}

var _ wt.MediaStore = (*FileSystemStore)(nil)

// NewFileSystemStore makes sure root exists on fsys.
func NewFileSystemStore(fsys afero.Fs, root string) (*FileSystemStore, error) {
	if err := fsys.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating media root %s: %w", root, err)
	}
	return &FileSystemStore{fs: fsys, root: root}, nil
}

// Put stages the object in a hidden temp file next to its destination and
// renames it into place once exactly obj.Size bytes have been written.
func (s *FileSystemStore) Put(ctx context.Context, obj wt.MediaObject, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := path.Clean("/" + obj.Key)[1:]
	if key == "" || key != obj.Key {
		return "", fmt.Errorf("invalid media key %q", obj.Key)
	}
	dest := filepath.Join(s.root, filepath.FromSlash(key))
	dir := filepath.Dir(dest)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(s.fs, dir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("staging %s: %w", key, err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && n != obj.Size {
		err = fmt.Errorf("got %d bytes, want %d", n, obj.Size)
	}
	if err == nil {
		err = s.fs.Rename(tmp.Name(), dest)
	}
	if err != nil {
		if rerr := s.fs.Remove(tmp.Name()); rerr != nil && !os.IsNotExist(rerr) {
			err = fmt.Errorf("%w (temp file left behind: %v)", err, rerr)
		}
		return "", fmt.Errorf("writing %s: %w", key, err)
	}
	return dest, nil
}
