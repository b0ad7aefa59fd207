package storage

import (
	"bytes"
	"context"

	"chatgate/tools/errs"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const audioBucket = "audio"

// DBSource hands out the current database; the mongo manager reconnects
// behind it.
type DBSource interface {
	DB() (*mongo.Database, error)
}

// MongoBlobStore keeps audio in a GridFS bucket, file name = audio id.
type MongoBlobStore struct {
	src DBSource
}

func NewMongoBlobStore(src DBSource) *MongoBlobStore {
	return &MongoBlobStore{src: src}
}

func (s *MongoBlobStore) bucket() (*gridfs.Bucket, error) {
	db, err := s.src.DB()
	if err != nil {
		return nil, err
	}
	b, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(audioBucket))
	if err != nil {
		return nil, errs.WrapMsg(err, "open gridfs bucket")
	}
	return b, nil
}

func (s *MongoBlobStore) Put(ctx context.Context, id string, data []byte) error {
	if !ValidBlobID(id) {
		return errs.ErrArgs.WrapMsg("invalid audio id", "id", id)
	}
	b, err := s.bucket()
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = b.SetWriteDeadline(dl)
	}
	if _, err := b.UploadFromStream(id, bytes.NewReader(data)); err != nil {
		return errs.WrapMsg(err, "gridfs upload", "id", id)
	}
	return nil
}

func (s *MongoBlobStore) Get(ctx context.Context, id string) ([]byte, error) {
	if !ValidBlobID(id) {
		return nil, errs.ErrArgs.WrapMsg("invalid audio id", "id", id)
	}
	b, err := s.bucket()
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = b.SetReadDeadline(dl)
	}
	var buf bytes.Buffer
	// 同名多版本时取最新一个
	if _, err := b.DownloadToStreamByName(id, &buf); err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, errs.ErrNotFound.WrapMsg("audio not found", "id", id)
		}
		return nil, errs.WrapMsg(err, "gridfs download", "id", id)
	}
	return buf.Bytes(), nil
}
