package scopes

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"scopedb/pkg/dberrors"
	"scopedb/pkg/kv"
	"scopedb/pkg/lockmgr"
	"scopedb/pkg/types"
)

// Mode reports what a commit left behind on disk.
type Mode uint8

const (
	// ModeNoUndoLog: the scope never flushed, so the commit batch was
	// its only write and nothing remains to clean up.
	ModeNoUndoLog Mode = iota + 1

	// ModeUndoLogOnDisk: undo entries were persisted before the commit
	// point; a cleanup task must remove them and the metadata record.
	ModeUndoLogOnDisk
)

// KeyRange is the half-open interval [Begin, End).
type KeyRange struct {
	Begin []byte
	End   []byte
}

type scopePhase uint8

const (
	phaseOpen scopePhase = iota
	phaseCommitted
	phaseAborted
)

// Scope is one open atomic unit of writes. It owns its locks from
// creation until the coordinator releases them after Commit or a
// revert finishes. A Scope is a single-goroutine object.
type Scope struct {
	id          types.ScopeID
	c           *Coordinator
	locks       []*lockmgr.Lock
	lockReqs    []lockmgr.Request
	emptyRanges []KeyRange

	dataBuf   kv.Batch
	undoBuf   kv.Batch
	undoSeq   uint64
	undoCount int

	// flushed means the scope's in-doubt metadata record and some undo
	// entries have reached the store; from here on a crash leaves the
	// scope subject to revert.
	flushed bool
	phase   scopePhase
}

func (s *Scope) ID() types.ScopeID {
	return s.id
}

// Put stages a write. The prior value of key is captured into the
// undo log first, so the write stays reversible until commit.
func (s *Scope) Put(key types.Key, value types.Value) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.captureUndo(key); err != nil {
		return err
	}
	s.dataBuf.Put(copyBytes(key), copyBytes(value))
	return s.maybeFlush()
}

// Delete stages a deletion, capturing the prior value like Put.
func (s *Scope) Delete(key types.Key) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.captureUndo(key); err != nil {
		return err
	}
	s.dataBuf.Delete(copyBytes(key))
	return s.maybeFlush()
}

func (s *Scope) checkOpen() error {
	if s.phase != phaseOpen {
		return fmt.Errorf("%w: scope %d is no longer open", dberrors.ErrInvalidArgument, s.id)
	}
	return nil
}

// captureUndo records the pre-write state of key. Sequence numbers
// count down from MaxUint64 so that ascending key order replays the
// log newest-first; replaying everything therefore lands each key on
// its pre-scope value without deduplication.
func (s *Scope) captureUndo(key types.Key) error {
	if s.c.maxUndoEntries > 0 && s.undoCount >= s.c.maxUndoEntries {
		return fmt.Errorf("%w: scope %d exceeded %d entries", dberrors.ErrUndoLimit, s.id, s.c.maxUndoEntries)
	}

	entry := undoEntry{op: undoDelete, key: copyBytes(key)}
	prior, err := s.c.store.Get(key, kv.ReadOptions{})
	switch {
	case err == nil:
		entry.op = undoPut
		entry.value = prior
	case errors.Is(err, dberrors.ErrNotFound):
	default:
		return err
	}

	seq := s.undoSeq
	s.undoSeq--
	s.undoBuf.Put(s.c.codec.undoKey(s.id, seq), encodeUndoEntry(entry))
	s.undoCount++
	return nil
}

func (s *Scope) maybeFlush() error {
	if s.dataBuf.ApproximateSize()+s.undoBuf.ApproximateSize() < s.c.flushThresholdBytes {
		return nil
	}
	return s.flush()
}

// flush spills the buffered writes. The first flush also writes the
// in-doubt metadata record in the same batch, so the undo log is
// never on disk without the record that points recovery at it.
func (s *Scope) flush() error {
	b := &kv.Batch{}
	if !s.flushed {
		b.Put(s.c.codec.scopeKey(s.id), encodeScopeMetadata(scopeMetadata{
			state: stateInDoubt,
			locks: s.lockReqs,
		}))
	}
	b.Append(&s.undoBuf)
	b.Append(&s.dataBuf)

	if err := s.c.store.Write(b, kv.WriteOptions{}); err != nil {
		return err
	}
	s.flushed = true
	s.undoBuf.Reset()
	s.dataBuf.Reset()
	return nil
}

// commit performs the remaining buffered writes, the unconditional
// deletion of the declared empty ranges, and the commit point, all in
// one synced batch. For a flushed scope the commit point rewrites the
// metadata record as committed; for an unflushed scope there is no
// record to clear and the batch is the scope's only durable trace.
// On error the scope stays open and nothing has changed on disk.
func (s *Scope) commit() (Mode, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	b := &kv.Batch{}
	mode := ModeNoUndoLog
	if s.flushed {
		// Undo entries for this last batch ride along; if the batch
		// lands they are dead weight for cleanup, if it does not they
		// were never needed.
		b.Append(&s.undoBuf)
		mode = ModeUndoLogOnDisk
	}
	b.Append(&s.dataBuf)
	if err := s.appendEmptyRangeDeletes(b); err != nil {
		return 0, err
	}
	if s.flushed {
		b.Put(s.c.codec.scopeKey(s.id), encodeScopeMetadata(scopeMetadata{state: stateCommitted}))
	}

	if err := s.c.store.Write(b, kv.WriteOptions{Sync: true}); err != nil {
		return 0, err
	}
	s.phase = phaseCommitted
	s.undoBuf.Reset()
	s.dataBuf.Reset()
	return mode, nil
}

// appendEmptyRangeDeletes sweeps any residue out of the ranges the
// caller declared empty. The ranges are expected to hold nothing; keys
// found here are deleted without undo capture, which is the caller's
// contract when declaring a range empty.
func (s *Scope) appendEmptyRangeDeletes(b *kv.Batch) error {
	if len(s.emptyRanges) == 0 {
		return nil
	}
	it, err := s.c.store.NewIterator(kv.ReadOptions{})
	if err != nil {
		return err
	}
	defer it.Close()

	for _, r := range s.emptyRanges {
		for ok := it.SeekGE(r.Begin); ok; ok = it.Next() {
			if bytes.Compare(it.Key(), r.End) >= 0 {
				break
			}
			b.Delete(copyBytes(it.Key()))
		}
		if err := it.Error(); err != nil {
			return err
		}
	}
	return nil
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func newScope(c *Coordinator, id types.ScopeID, locks []*lockmgr.Lock, emptyRanges []KeyRange) *Scope {
	reqs := make([]lockmgr.Request, len(locks))
	for i, l := range locks {
		reqs[i] = l.Request()
	}
	ranges := make([]KeyRange, len(emptyRanges))
	for i, r := range emptyRanges {
		ranges[i] = KeyRange{Begin: copyBytes(r.Begin), End: copyBytes(r.End)}
	}
	return &Scope{
		id:          id,
		c:           c,
		locks:       locks,
		lockReqs:    reqs,
		emptyRanges: ranges,
		undoSeq:     math.MaxUint64,
	}
}
