package snapshot

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zeusync/serialstate/internal/core/observability/log"
	"github.com/zeusync/serialstate/internal/core/schema/envelope"
	"github.com/zeusync/serialstate/internal/core/storage/interfaces"
	"github.com/zeusync/serialstate/pkg/concurrent"
)

const (
	DefaultFormat    = ".json"
	DefaultWorkers   = 8
	DefaultBatchSize = 128
)

type Option func(*Manager)

// WithFormat sets the extension new snapshots are rendered for, e.g. ".cbor.zst".
func WithFormat(ext string) Option {
	return func(m *Manager) {
		m.format = ext
	}
}

// WithWorkers bounds the goroutines used by SaveAll and LoadAll.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		m.workers = n
	}
}

// WithBatchSize caps how many snapshots go into one BatchPut call.
func WithBatchSize(n int) Option {
	return func(m *Manager) {
		m.batchSize = n
	}
}

func WithLogger(l log.Log) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// Manager stores envelope documents of registered objects under string ids.
type Manager struct {
	env       *envelope.Envelope
	store     interfaces.Storage
	format    string
	workers   int
	batchSize int
	log       log.Log
}

func NewManager(env *envelope.Envelope, store interfaces.Storage, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("snapshot: store is nil")
	}
	if env == nil {
		env = envelope.Default()
	}
	m := &Manager{
		env:       env,
		store:     store,
		format:    DefaultFormat,
		workers:   DefaultWorkers,
		batchSize: DefaultBatchSize,
		log:       log.Provide(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if !strings.HasPrefix(m.format, ".") {
		return nil, errors.Errorf("snapshot: format %q must be a file extension", m.format)
	}
	return m, nil
}

func (m *Manager) Store() interfaces.Storage {
	return m.store
}

// Save stores v under a fresh random id and returns the id.
func (m *Manager) Save(ctx context.Context, v any) (string, error) {
	id := uuid.NewString()
	if err := m.SaveAs(ctx, id, v); err != nil {
		return "", err
	}
	return id, nil
}

// SaveAs stores v under id, replacing any previous snapshot.
func (m *Manager) SaveAs(ctx context.Context, id string, v any) error {
	blob, err := m.render(v)
	if err != nil {
		return errors.WithMessagef(err, "snapshot %s", id)
	}
	if err := m.store.Put(ctx, id, blob); err != nil {
		return err
	}
	m.log.Debug("snapshot saved",
		log.String("id", id),
		log.String("format", blob.Format),
		log.Int("bytes", len(blob.Data)),
	)
	return nil
}

// PutDocument stores an already encoded document under id.
func (m *Manager) PutDocument(ctx context.Context, id string, doc envelope.Document) error {
	data, err := m.env.RenderDocument(doc, envelope.FormatFor("snapshot"+m.format))
	if err != nil {
		return errors.WithMessagef(err, "snapshot %s", id)
	}
	return m.store.Put(ctx, id, interfaces.Blob{Format: m.format, Data: data, Updated: time.Now()})
}

// Load reads and decodes the snapshot stored under id.
func (m *Manager) Load(ctx context.Context, id string) (any, error) {
	doc, err := m.LoadDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	v, err := m.env.FromDocument(doc)
	if err != nil {
		return nil, errors.WithMessagef(err, "snapshot %s", id)
	}
	return v, nil
}

// LoadDocument reads the snapshot stored under id without decoding registered objects.
func (m *Manager) LoadDocument(ctx context.Context, id string) (envelope.Document, error) {
	blob, err := m.store.Get(ctx, id)
	if err != nil {
		return envelope.Document{}, err
	}
	return m.parse(id, blob)
}

func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

func (m *Manager) List(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}

// SaveAll stores every value under a fresh id and returns the ids in input
// order. Values are encoded in parallel; stores that support batching receive
// chunks of at most the configured batch size.
func (m *Manager) SaveAll(ctx context.Context, values []any) ([]string, error) {
	start := time.Now()
	blobs, err := concurrent.ParallelMap(ctx, values, m.workers, func(_ context.Context, v any) (interfaces.Blob, error) {
		return m.render(v)
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(values))
	batch := make(map[string]interfaces.Blob, len(values))
	var total int64
	for i, blob := range blobs {
		ids[i] = uuid.NewString()
		batch[ids[i]] = blob
		total += int64(len(blob.Data))
	}

	if bs, ok := m.store.(interfaces.BatchedStorage); ok {
		err := concurrent.Batch(ctx, ids, m.batchSize, func(ctx context.Context, chunk []string) error {
			part := make(map[string]interfaces.Blob, len(chunk))
			for _, id := range chunk {
				part[id] = batch[id]
			}
			return bs.BatchPut(ctx, part)
		})
		if err != nil {
			return nil, err
		}
	} else {
		err := concurrent.Concurrent(ctx, ids, m.workers, func(ctx context.Context, id string) error {
			return m.store.Put(ctx, id, batch[id])
		})
		if err != nil {
			return nil, err
		}
	}

	fields := []log.Field{
		log.Int("count", len(ids)),
		log.Int64("bytes", total),
		log.Duration("took", time.Since(start)),
	}
	if len(ids) > 0 {
		fields = append(fields, log.Float64("avg_bytes", float64(total)/float64(len(ids))))
	}
	m.log.Debug("snapshots saved", fields...)
	return ids, nil
}

// LoadAll decodes the snapshots stored under ids, in order. A missing id fails
// the whole call with ErrNotFound.
func (m *Manager) LoadAll(ctx context.Context, ids []string) ([]any, error) {
	var blobs map[string]interfaces.Blob
	if bs, ok := m.store.(interfaces.BatchedStorage); ok {
		got, err := bs.BatchGet(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if _, ok := got[id]; !ok {
				return nil, errors.Wrapf(interfaces.ErrNotFound, "%q", id)
			}
		}
		blobs = got
	}

	return concurrent.ParallelMap(ctx, ids, m.workers, func(ctx context.Context, id string) (any, error) {
		if blobs == nil {
			return m.Load(ctx, id)
		}
		doc, err := m.parse(id, blobs[id])
		if err != nil {
			return nil, err
		}
		v, err := m.env.FromDocument(doc)
		if err != nil {
			return nil, errors.WithMessagef(err, "snapshot %s", id)
		}
		return v, nil
	})
}

func (m *Manager) render(v any) (interfaces.Blob, error) {
	data, err := m.env.Marshal(v, envelope.FormatFor("snapshot"+m.format))
	if err != nil {
		return interfaces.Blob{}, err
	}
	return interfaces.Blob{Format: m.format, Data: data, Updated: time.Now()}, nil
}

func (m *Manager) parse(id string, blob interfaces.Blob) (envelope.Document, error) {
	doc, err := m.env.ParseDocument(blob.Data, envelope.FormatFor("snapshot"+blob.Format))
	if err != nil {
		return envelope.Document{}, errors.WithMessagef(err, "snapshot %s", id)
	}
	return doc, nil
}
