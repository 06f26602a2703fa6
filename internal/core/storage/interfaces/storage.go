package interfaces

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("storage: snapshot not found")
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Blob is one stored document. Format is the file extension the document was
// rendered for, e.g. ".json" or ".cbor.zst".
type Blob struct {
	Format  string
	Data    []byte
	Updated time.Time
}

type Storage interface {
	Put(ctx context.Context, key string, blob Blob) error
	Get(ctx context.Context, key string) (Blob, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

type BatchedStorage interface {
	Storage

	BatchPut(ctx context.Context, blobs map[string]Blob) error
	BatchGet(ctx context.Context, keys []string) (map[string]Blob, error)
}
