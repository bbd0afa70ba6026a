package kv

import (
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/cockroachdb/pebble/vfs"

	"scopedb/pkg/dberrors"
	"scopedb/pkg/types"
)

// PebbleOptions size the underlying LSM engine.
type PebbleOptions struct {
	CacheSizeMB    int64
	MemTableSizeMB int64
	MemTableCount  int
	WALDir         string

	// InMemory backs the store with an in-memory filesystem. Tests only.
	InMemory bool
}

func (o *PebbleOptions) withDefaults() PebbleOptions {
	out := *o
	if out.CacheSizeMB <= 0 {
		out.CacheSizeMB = 64
	}
	if out.MemTableSizeMB <= 0 {
		out.MemTableSizeMB = 16
	}
	if out.MemTableCount <= 0 {
		out.MemTableCount = 2
	}
	return out
}

// PebbleStore adapts a pebble.DB to the Store interface.
type PebbleStore struct {
	db *pebble.DB
}

var _ Store = (*PebbleStore)(nil)

// pebbleLogger routes pebble's internal logging through slog.
type pebbleLogger struct{}

func (pebbleLogger) Infof(format string, args ...interface{}) {
	slog.Debug("pebble: " + fmt.Sprintf(format, args...))
}

func (pebbleLogger) Errorf(format string, args ...interface{}) {
	slog.Error("pebble: " + fmt.Sprintf(format, args...))
}

func (pebbleLogger) Fatalf(format string, args ...interface{}) {
	slog.Error("pebble fatal: " + fmt.Sprintf(format, args...))
	panic(fmt.Sprintf(format, args...))
}

// OpenPebble opens (or creates) a pebble database at path. Bloom
// filters are enabled on every level for cheap point lookups on the
// metadata tables.
func OpenPebble(path string, opts PebbleOptions) (*PebbleStore, error) {
	opts = opts.withDefaults()

	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref()

	levels := make([]pebble.LevelOptions, 7)
	for i := range levels {
		levels[i] = pebble.LevelOptions{FilterPolicy: bloom.FilterPolicy(10)}
	}

	pebbleOpts := &pebble.Options{
		Cache:                       cache,
		MemTableSize:                uint64(opts.MemTableSizeMB << 20),
		MemTableStopWritesThreshold: opts.MemTableCount,
		WALDir:                      opts.WALDir,
		Levels:                      levels,
		Logger:                      pebbleLogger{},
	}
	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func pebbleWriteOpts(wo WriteOptions) *pebble.WriteOptions {
	if wo.Sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (s *PebbleStore) Get(key types.Key, _ ReadOptions) (types.Value, error) {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, dberrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *PebbleStore) Put(key types.Key, value types.Value, wo WriteOptions) error {
	return s.db.Set(key, value, pebbleWriteOpts(wo))
}

func (s *PebbleStore) Delete(key types.Key, wo WriteOptions) error {
	return s.db.Delete(key, pebbleWriteOpts(wo))
}

func (s *PebbleStore) Write(b *Batch, wo WriteOptions) error {
	pb := s.db.NewBatch()
	defer pb.Close()

	for _, op := range b.Ops() {
		var err error
		switch op.Kind {
		case OpPut:
			err = pb.Set(op.Key, op.Value, nil)
		case OpDelete:
			err = pb.Delete(op.Key, nil)
		default:
			err = fmt.Errorf("%w: unknown batch op %d", dberrors.ErrInvalidArgument, op.Kind)
		}
		if err != nil {
			return err
		}
	}
	return pb.Commit(pebbleWriteOpts(wo))
}

func (s *PebbleStore) NewIterator(_ ReadOptions) (Iterator, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
