package archive

import (
	"context"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/medvault/custody/pkg/types"
)

const blobPrefix = "blob_"

// LevelDBArchiver is a content-addressed blob archive on local disk
type LevelDBArchiver struct {
	db *leveldb.DB
}

// NewLevelDBArchiver opens or creates an archive at path
func NewLevelDBArchiver(path string) (*LevelDBArchiver, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, types.NewStorageError("failed to open archive", err)
	}
	return &LevelDBArchiver{db: db}, nil
}

// NewLevelDBArchiverWithStorage opens an archive on an arbitrary goleveldb
// storage, e.g. storage.NewMemStorage()
func NewLevelDBArchiverWithStorage(stor storage.Storage) (*LevelDBArchiver, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, types.NewStorageError("failed to open archive", err)
	}
	return &LevelDBArchiver{db: db}, nil
}

func (a *LevelDBArchiver) Put(ctx context.Context, blob []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", types.NewStorageError("archive put cancelled", err)
	}

	id := BlobID(blob)
	key := []byte(blobPrefix + id)

	exists, err := a.db.Has(key, nil)
	if err != nil {
		return "", types.NewStorageError("archive lookup failed", err)
	}
	if exists {
		return id, nil
	}

	if err := a.db.Put(key, blob, nil); err != nil {
		return "", types.NewStorageError("archive write failed", err)
	}
	return id, nil
}

func (a *LevelDBArchiver) Get(ctx context.Context, blobID string) ([]byte, error) {
	blob, err := a.db.Get([]byte(blobPrefix+blobID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, types.NewStorageError("archive read failed", err)
	}
	return blob, nil
}

func (a *LevelDBArchiver) Close() error {
	return a.db.Close()
}
