// Package db is the owning-database role around the scope layer: it
// maps user keys into a data key space disjoint from the scope
// metadata, acquires the range locks each request needs, and runs
// every mutation through a scope.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"scopedb/internal/config"
	"scopedb/pkg/dberrors"
	"scopedb/pkg/kv"
	"scopedb/pkg/lockmgr"
	"scopedb/pkg/metrics"
	"scopedb/pkg/scopes"
	"scopedb/pkg/types"
)

// Key spaces inside the single store. User keys live under dataPrefix;
// scope metadata under metadataPrefix. Lock ranges are expressed over
// prefixed keys, so metadata and data can never contend.
const (
	dataPrefix     = "d/"
	metadataPrefix = "m/"
)

// OpKind tags one operation of an atomic batch.
type OpKind uint8

const (
	OpPut OpKind = iota + 1
	OpDelete
)

// Op is one user-visible operation.
type Op struct {
	Kind  OpKind
	Key   types.Key
	Value types.Value
}

// DB is a transactional key-value store: every mutation, single-key or
// batch, is applied atomically through a scope.
type DB struct {
	store kv.Store
	locks *lockmgr.Manager
	coord *scopes.Coordinator
	mcol  *metrics.Counters

	// First background task failure; the session is unusable past it.
	failed atomic.Pointer[taskFailure]

	closeOnce sync.Once
}

type taskFailure struct{ err error }

// Open wires the engine, the lock manager and the coordinator, runs
// the recovery scan and starts the background pipelines.
func Open(ctx context.Context, cfg config.Config) (*DB, error) {
	store, err := kv.OpenPebble(cfg.Storage.DataDir, pebbleOptions(cfg.Storage))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	db, err := OpenWith(ctx, store, cfg.Scopes)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return db, nil
}

// pebbleOptions maps the storage config onto the engine's sizing
// knobs. The config uses plain ints; the engine wants int64 megabytes.
func pebbleOptions(cfg config.StorageConfig) kv.PebbleOptions {
	return kv.PebbleOptions{
		CacheSizeMB:    int64(cfg.CacheSizeMB),
		MemTableSizeMB: int64(cfg.MemTableSizeMB),
		MemTableCount:  cfg.MemTableCount,
		WALDir:         cfg.WALDir,
		InMemory:       cfg.InMemory,
	}
}

// OpenWith builds the transactional layer over an already-open store.
// Tests and tooling use it with the in-memory engine.
func OpenWith(ctx context.Context, store kv.Store, cfg config.ScopesConfig) (*DB, error) {
	db := &DB{
		store: store,
		locks: lockmgr.New(),
		mcol:  metrics.NewCounters(),
	}
	coord, err := scopes.NewCoordinator(scopes.Options{
		Store:                  store,
		Locks:                  db.locks,
		MetadataPrefix:         []byte(metadataPrefix),
		FlushThresholdBytes:    cfg.FlushThresholdBytes,
		CleanupBatchMaxBytes:   cfg.CleanupBatchMaxBytes,
		MaxUndoEntriesPerScope: cfg.MaxUndoEntriesPerScope,
		TaskQueueDepth:         cfg.TaskQueueDepth,
		Metrics:                db.mcol,
		OnTaskFailure:          db.onTaskFailure,
	})
	if err != nil {
		return nil, err
	}
	db.coord = coord

	if err := coord.Initialize(); err != nil {
		return nil, fmt.Errorf("recovery scan: %w", err)
	}
	if err := coord.StartRecoveryAndCleanupTasks(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) onTaskFailure(err error) {
	f := &taskFailure{err: err}
	if db.failed.CompareAndSwap(nil, f) {
		slog.Error("background task failed, database session is poisoned", "error", err)
	}
}

func (db *DB) checkUsable() error {
	if f := db.failed.Load(); f != nil {
		return fmt.Errorf("%w: background task failed: %w", dberrors.ErrClosed, f.err)
	}
	return nil
}

func dataKey(key types.Key) types.Key {
	dk := make(types.Key, 0, len(dataPrefix)+len(key))
	dk = append(dk, dataPrefix...)
	return append(dk, key...)
}

// pointRange is the half-open range covering exactly one key.
func pointRange(dk types.Key) lockmgr.Range {
	end := make(types.Key, len(dk)+1)
	copy(end, dk)
	return lockmgr.Range{Begin: dk, End: end}
}

// Get reads a key. Reads are unlocked: the engine's atomic batch
// commit means a reader sees either none or all of a scope's writes
// for a key.
func (db *DB) Get(_ context.Context, key types.Key) (types.Value, error) {
	if err := db.checkUsable(); err != nil {
		return nil, err
	}
	return db.store.Get(dataKey(key), kv.ReadOptions{FillCache: true})
}

func (db *DB) Put(ctx context.Context, key types.Key, value types.Value) error {
	return db.Apply(ctx, []Op{{Kind: OpPut, Key: key, Value: value}})
}

func (db *DB) Delete(ctx context.Context, key types.Key) error {
	return db.Apply(ctx, []Op{{Kind: OpDelete, Key: key}})
}

// Apply runs a batch of operations as one atomic scope: all keys are
// locked, the ops are applied, and the scope commits. Any failure
// reverts the scope; the store is left as if the batch never ran.
func (db *DB) Apply(ctx context.Context, ops []Op) error {
	if err := db.checkUsable(); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	locks, err := db.acquire(ctx, lockRequests(ops))
	if err != nil {
		return err
	}

	scope, err := db.coord.CreateScope(locks, nil)
	if err != nil {
		for _, l := range locks {
			l.Release()
		}
		return err
	}

	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			err = scope.Put(dataKey(op.Key), op.Value)
		case OpDelete:
			err = scope.Delete(dataKey(op.Key))
		default:
			err = fmt.Errorf("%w: unknown op kind %d", dberrors.ErrInvalidArgument, op.Kind)
		}
		if err != nil {
			if rerr := db.coord.Revert(scope); rerr != nil {
				slog.Error("revert after failed write", "scope", scope.ID(), "error", rerr)
			}
			return err
		}
	}

	if err := db.coord.Commit(scope); err != nil {
		if rerr := db.coord.Revert(scope); rerr != nil {
			slog.Error("revert after failed commit", "scope", scope.ID(), "error", rerr)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// lockRequests builds the deduplicated, sorted point-range lock set
// for a batch. Duplicate keys collapse to one request; the lock
// manager rejects self-overlapping sets.
func lockRequests(ops []Op) []lockmgr.Request {
	keys := make([]string, 0, len(ops))
	seen := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		k := string(dataKey(op.Key))
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	reqs := make([]lockmgr.Request, len(keys))
	for i, k := range keys {
		reqs[i] = lockmgr.Request{
			Type:  lockmgr.TypeExclusive,
			Range: pointRange(types.Key(k)),
		}
	}
	return reqs
}

// acquire resolves a lock request set, waiting for an asynchronous
// grant when the ranges are contended. If the caller gives up first,
// the grant callback releases the locks itself when they eventually
// arrive; nothing stays blocked on an abandoned wait.
func (db *DB) acquire(ctx context.Context, reqs []lockmgr.Request) ([]*lockmgr.Lock, error) {
	var (
		mu        sync.Mutex
		abandoned bool
	)
	granted := make(chan []*lockmgr.Lock, 1)
	immediate, err := db.locks.AcquireLocks(reqs, func(ls []*lockmgr.Lock) {
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			for _, l := range ls {
				l.Release()
			}
			return
		}
		granted <- ls // buffered, one grant per request set
	})
	if err != nil {
		return nil, err
	}
	if immediate {
		return <-granted, nil
	}
	select {
	case ls := <-granted:
		return ls, nil
	case <-ctx.Done():
		mu.Lock()
		abandoned = true
		mu.Unlock()
		// The grant may have raced in just before the flag was set.
		select {
		case ls := <-granted:
			for _, l := range ls {
				l.Release()
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// Stats snapshots the operation counters.
func (db *DB) Stats() map[string]int64 {
	return db.mcol.Snapshot()
}

// Close drains the background pipelines and closes the engine.
func (db *DB) Close() error {
	var err error
	db.closeOnce.Do(func() {
		db.coord.Close()
		err = db.store.Close()
	})
	return err
}
