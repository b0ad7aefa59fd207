package storage

import (
	"context"
	"os"
	"path/filepath"
	"regexp"

	"chatgate/tools/errs"

	"github.com/pkg/errors"
)

var blobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidBlobID reports whether id is safe to use as a storage key.
func ValidBlobID(id string) bool { return blobIDPattern.MatchString(id) }

// BlobStore is a key→bytes store for audio payloads.
type BlobStore interface {
	Put(ctx context.Context, id string, data []byte) error
	// Get returns errs.ErrNotFound for an unknown id.
	Get(ctx context.Context, id string) ([]byte, error)
}

// FileStore writes each blob to <dir>/<id>.audio.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.WrapMsg(err, "create audio dir", "dir", dir)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string { return filepath.Join(s.dir, id+".audio") }

func (s *FileStore) Put(_ context.Context, id string, data []byte) error {
	if !ValidBlobID(id) {
		return errs.ErrArgs.WrapMsg("invalid audio id", "id", id)
	}
	// 先写临时文件再 rename，读方不会看到半个文件
	tmp, err := os.CreateTemp(s.dir, id+".*.tmp")
	if err != nil {
		return errs.WrapMsg(err, "create temp blob", "id", id)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errs.WrapMsg(err, "write blob", "id", id)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errs.WrapMsg(err, "close blob", "id", id)
	}
	if err := os.Rename(tmp.Name(), s.path(id)); err != nil {
		_ = os.Remove(tmp.Name())
		return errs.WrapMsg(err, "rename blob", "id", id)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, id string) ([]byte, error) {
	if !ValidBlobID(id) {
		return nil, errs.ErrArgs.WrapMsg("invalid audio id", "id", id)
	}
	b, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errs.ErrNotFound.WrapMsg("audio not found", "id", id)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "read blob", "id", id)
	}
	return b, nil
}
