package scopes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"scopedb/pkg/clock"
	"scopedb/pkg/dberrors"
	"scopedb/pkg/kv"
	"scopedb/pkg/lockmgr"
	"scopedb/pkg/metrics"
	"scopedb/pkg/sequence"
	"scopedb/pkg/types"
)

// Options configure a Coordinator. Store and Locks are required.
type Options struct {
	Store kv.Store
	Locks *lockmgr.Manager

	// MetadataPrefix scopes every key this layer writes. The owning
	// database must keep its own records out of this prefix.
	MetadataPrefix []byte

	// FlushThresholdBytes bounds a scope's in-memory write buffer;
	// crossing it spills the buffer (and the undo log) to the store.
	FlushThresholdBytes int

	// CleanupBatchMaxBytes caps the size of any single revert or
	// cleanup write batch.
	CleanupBatchMaxBytes int

	// MaxUndoEntriesPerScope fails a scope's writes with ErrUndoLimit
	// once it has captured this many undo entries. 0 disables the cap.
	MaxUndoEntriesPerScope int

	// TaskQueueDepth sizes the revert and cleanup queues.
	TaskQueueDepth int

	Metrics metrics.Collector

	// OnTaskFailure is invoked whenever a background revert or cleanup
	// task fails. Such a failure is fatal to the owning database
	// session; tasks are not retried.
	OnTaskFailure func(error)
}

const (
	defaultMetadataPrefix       = "!scopes!"
	defaultFlushThresholdBytes  = 512 << 10
	defaultCleanupBatchMaxBytes = 256 << 10
	defaultTaskQueueDepth       = 64
)

type recoveredScope struct {
	id    types.ScopeID
	locks []*lockmgr.Lock
}

type pendingCleanup struct {
	id   types.ScopeID
	mode CleanupMode
}

// Coordinator owns the scope lifecycle: creation, commit, the startup
// recovery scan, and the two background task pipelines. Public methods
// are serialized by an internal mutex; the original design's
// sequence-affinity rule maps onto "one logical caller at a time".
type Coordinator struct {
	store kv.Store
	locks *lockmgr.Manager
	codec keyCodec

	flushThresholdBytes  int
	cleanupBatchMaxBytes int
	maxUndoEntries       int

	mcol          metrics.Collector
	onTaskFailure func(error)

	ids  *clock.AtomicClock
	live *skipmap.FuncMap[types.ScopeID, *Scope]

	mu          sync.Mutex
	initialized bool
	started     bool

	// Populated by Initialize, drained by StartRecoveryAndCleanupTasks.
	pendingReverts  []recoveredScope
	pendingCleanups []pendingCleanup

	revertSeq  *sequence.Sequence
	cleanupSeq *sequence.Sequence
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Store == nil || opts.Locks == nil {
		return nil, fmt.Errorf("%w: coordinator needs a store and a lock manager", dberrors.ErrInvalidArgument)
	}
	prefix := opts.MetadataPrefix
	if len(prefix) == 0 {
		prefix = []byte(defaultMetadataPrefix)
	}
	if opts.FlushThresholdBytes <= 0 {
		opts.FlushThresholdBytes = defaultFlushThresholdBytes
	}
	if opts.CleanupBatchMaxBytes <= 0 {
		opts.CleanupBatchMaxBytes = defaultCleanupBatchMaxBytes
	}
	if opts.TaskQueueDepth <= 0 {
		opts.TaskQueueDepth = defaultTaskQueueDepth
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}

	c := &Coordinator{
		store:                opts.Store,
		locks:                opts.Locks,
		codec:                newKeyCodec(prefix),
		flushThresholdBytes:  opts.FlushThresholdBytes,
		cleanupBatchMaxBytes: opts.CleanupBatchMaxBytes,
		maxUndoEntries:       opts.MaxUndoEntriesPerScope,
		mcol:                 opts.Metrics,
		onTaskFailure:        opts.OnTaskFailure,
		ids:                  clock.NewAtomic(0),
		live: skipmap.NewFunc[types.ScopeID, *Scope](func(a, b types.ScopeID) bool {
			return a < b
		}),
	}
	c.revertSeq = sequence.New("revert", opts.TaskQueueDepth, c.taskFailed)
	c.cleanupSeq = sequence.New("cleanup", opts.TaskQueueDepth, c.taskFailed)
	return c, nil
}

// Initialize reads the global metadata and scans every persisted scope
// record, classifying each as "needs revert" (in doubt; its locks are
// re-acquired synchronously) or "needs cleanup". It must be called
// exactly once, before any CreateScope. Malformed records, unsupported
// versions and non-synchronous recovery lock grants abort with
// Corruption; other store errors propagate verbatim. There is no
// partial success.
func (c *Coordinator) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return fmt.Errorf("%w: coordinator already initialized", dberrors.ErrInvalidArgument)
	}

	if err := c.checkGlobalMetadata(); err != nil {
		return err
	}

	it, err := c.store.NewIterator(kv.ReadOptions{VerifyChecksums: true})
	if err != nil {
		return err
	}
	defer it.Close()

	prefix := c.codec.scopePrefix()
	var maxID types.ScopeID
	reverts := 0
	cleanups := 0
	for ok := it.SeekGE(prefix); ok; ok = it.Next() {
		if !bytes.HasPrefix(it.Key(), prefix) {
			break
		}
		id, err := c.codec.parseScopeKey(it.Key())
		if err != nil {
			return err
		}
		meta, err := decodeScopeMetadata(it.Value())
		if err != nil {
			return fmt.Errorf("scope %d: %w", id, err)
		}
		if id > maxID {
			maxID = id
		}

		switch meta.state {
		case stateCommitted:
			mode := CleanupExecuteTasks
			if meta.ignoreCleanupTasks {
				mode = CleanupIgnoreTasks
			}
			c.pendingCleanups = append(c.pendingCleanups, pendingCleanup{id: id, mode: mode})
			cleanups++
		case stateInDoubt:
			// No other writer exists yet, so the recorded locks must
			// be grantable immediately; anything else means the
			// on-disk lock sets contradict each other.
			var granted []*lockmgr.Lock
			immediate, err := c.locks.AcquireLocks(meta.locks, func(ls []*lockmgr.Lock) { granted = ls })
			if err != nil || !immediate {
				return dberrors.Corruptionf("scope %d: recovery lock acquisition was not synchronous (%v)", id, err)
			}
			c.pendingReverts = append(c.pendingReverts, recoveredScope{id: id, locks: granted})
			reverts++
		}
	}
	if err := it.Error(); err != nil {
		return err
	}

	c.ids.Advance(maxID)
	c.initialized = true
	c.mcol.IncCounter("recovered_in_doubt", int64(reverts))
	c.mcol.IncCounter("recovered_committed", int64(cleanups))
	slog.Info("scope recovery scan finished", "in_doubt", reverts, "committed_unswept", cleanups)
	return nil
}

func (c *Coordinator) checkGlobalMetadata() error {
	raw, err := c.store.Get(c.codec.globalKey(), kv.ReadOptions{VerifyChecksums: true})
	if errors.Is(err, dberrors.ErrNotFound) {
		// First run: claim the key space.
		return c.store.Put(c.codec.globalKey(), encodeGlobalMetadata(metadataVersion), kv.WriteOptions{Sync: true})
	}
	if err != nil {
		return err
	}
	version, err := decodeGlobalMetadata(raw)
	if err != nil {
		return err
	}
	if version < minSupportedMetadataVersion || version > metadataVersion {
		return dberrors.Corruptionf("unsupported global metadata version %d", version)
	}
	return nil
}

// StartRecoveryAndCleanupTasks starts the two background sequences and
// dispatches everything Initialize queued: the revert sequence first,
// since recovered scopes hold locks that block new work, then the
// cleanup sequence, which only reclaims space. Call exactly once,
// after Initialize succeeds.
func (c *Coordinator) StartRecoveryAndCleanupTasks(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return fmt.Errorf("%w: coordinator not initialized", dberrors.ErrInvalidArgument)
	}
	if c.started {
		return fmt.Errorf("%w: background tasks already started", dberrors.ErrInvalidArgument)
	}

	c.revertSeq.Start(ctx)
	c.cleanupSeq.Start(ctx)
	for _, r := range c.pendingReverts {
		r := r
		c.revertSeq.Submit(func() error { return c.runRevert(r.id, r.locks) })
	}
	for _, p := range c.pendingCleanups {
		p := p
		c.cleanupSeq.Submit(func() error { return c.runCleanup(p.id, p.mode) })
	}
	c.pendingReverts = nil
	c.pendingCleanups = nil
	c.started = true
	return nil
}

// CreateScope allocates the next scope id and binds a Scope to the
// given already-acquired locks plus a set of ranges to delete
// unconditionally on commit. Nothing is written until the scope's
// buffer first spills or it commits.
func (c *Coordinator) CreateScope(locks []*lockmgr.Lock, emptyRanges []KeyRange) (*Scope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, fmt.Errorf("%w: recovery has not finished", dberrors.ErrInvalidArgument)
	}
	if len(locks) == 0 {
		return nil, fmt.Errorf("%w: a scope needs at least one lock", dberrors.ErrInvalidArgument)
	}

	s := newScope(c, c.ids.Next(), locks, emptyRanges)
	c.live.Store(s.id, s)
	c.mcol.IncCounter("scopes_created", 1)
	return s, nil
}

// Commit runs the scope's atomic commit write and releases its locks.
// If the scope left an undo log on disk a cleanup task is queued to
// remove it. On failure the scope stays open with its locks held and
// its on-disk state unchanged (still in doubt); the caller decides
// whether to retry or revert — commits are not auto-retried here.
func (c *Coordinator) Commit(s *Scope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mode, err := s.commit()
	if err != nil {
		c.mcol.IncCounter("commit_failures", 1)
		return err
	}

	c.live.Delete(s.id)
	for _, l := range s.locks {
		l.Release()
	}
	if mode == ModeUndoLogOnDisk {
		c.enqueueCleanupLocked(s.id, CleanupExecuteTasks)
	}
	c.mcol.IncCounter("commits", 1)
	return nil
}

// Revert abandons an uncommitted scope. A scope that never flushed is
// released immediately; otherwise a revert task replays its undo log
// off-sequence, with lock ownership handed to the task.
func (c *Coordinator) Revert(s *Scope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	s.phase = phaseAborted
	c.live.Delete(s.id)
	c.mcol.IncCounter("reverts", 1)

	if !s.flushed {
		for _, l := range s.locks {
			l.Release()
		}
		return nil
	}

	id, locks := s.id, s.locks
	if c.started {
		c.revertSeq.Submit(func() error { return c.runRevert(id, locks) })
	} else {
		c.pendingReverts = append(c.pendingReverts, recoveredScope{id: id, locks: locks})
	}
	return nil
}

// enqueueCleanupLocked queues a cleanup task, or parks it until
// StartRecoveryAndCleanupTasks runs. Caller holds c.mu.
func (c *Coordinator) enqueueCleanupLocked(id types.ScopeID, mode CleanupMode) {
	if c.started {
		c.cleanupSeq.Submit(func() error { return c.runCleanup(id, mode) })
		return
	}
	c.pendingCleanups = append(c.pendingCleanups, pendingCleanup{id: id, mode: mode})
}

func (c *Coordinator) enqueueCleanup(id types.ScopeID, mode CleanupMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueCleanupLocked(id, mode)
}

// Drain waits until every queued revert, then every queued cleanup
// (including the ones reverts post), has run.
func (c *Coordinator) Drain() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return
	}
	<-c.revertSeq.Barrier()
	<-c.cleanupSeq.Barrier()
}

// Close drains and stops both background sequences. Undispatched
// pending queues are dropped; a later Initialize will rediscover them
// from disk.
func (c *Coordinator) Close() {
	c.mu.Lock()
	started := c.started
	c.started = false
	c.mu.Unlock()
	if !started {
		return
	}
	<-c.revertSeq.Barrier()
	<-c.cleanupSeq.Barrier()
	c.revertSeq.Stop()
	c.cleanupSeq.Stop()
}

// Metrics exposes the coordinator's collector.
func (c *Coordinator) Metrics() metrics.Collector {
	return c.mcol
}

func (c *Coordinator) taskFailed(err error) {
	c.mcol.IncCounter("task_failures", 1)
	if c.onTaskFailure != nil {
		c.onTaskFailure(err)
	}
}
