package scopes

import (
	"fmt"
	"log/slog"

	"scopedb/pkg/kv"
	"scopedb/pkg/lockmgr"
	"scopedb/pkg/types"
)

// runRevert is the body of a revert task: replay the scope's undo log
// and drop its record, queue the final ignore-mode cleanup sweep, and
// only then release the locks the task inherited. Releasing last keeps
// the reverted ranges invisible to new scopes until every key is back
// at its pre-scope value.
func (c *Coordinator) runRevert(id types.ScopeID, locks []*lockmgr.Lock) error {
	if err := c.revertScope(id); err != nil {
		return fmt.Errorf("revert scope %d: %w", id, err)
	}
	// Submitted directly: revert tasks never hold c.mu, and the
	// cleanup sequence drains independently of it.
	c.cleanupSeq.Submit(func() error { return c.runCleanup(id, CleanupIgnoreTasks) })
	for _, l := range locks {
		l.Release()
	}
	c.mcol.IncCounter("reverts_completed", 1)
	return nil
}

// revertScope walks the scope's undo entries in key order. Undo
// sequence numbers descend from the top, so an ascending scan visits
// each key's entries newest-first and the last entry applied for a key
// is its pre-scope state; no per-key dedup is needed. Entries are
// applied and deleted in bounded batches; the final batch also drops
// the scope record and is the only synced one. Until that batch lands
// a crash just replays the (shrinking) undo log again.
func (c *Coordinator) revertScope(id types.ScopeID) error {
	it, err := c.store.NewIterator(kv.ReadOptions{VerifyChecksums: true})
	if err != nil {
		return err
	}
	defer it.Close()

	prefix := c.codec.undoPrefix(id)
	var batch kv.Batch
	entries := 0
	for ok := it.SeekGE(prefix); ok; ok = it.Next() {
		key := it.Key()
		if len(key) < len(prefix) || string(key[:len(prefix)]) != string(prefix) {
			break
		}
		if _, _, err := c.codec.parseUndoKey(key); err != nil {
			return err
		}
		entry, err := decodeUndoEntry(it.Value())
		if err != nil {
			return fmt.Errorf("undo entry %q: %w", key, err)
		}
		switch entry.op {
		case undoPut:
			batch.Put(entry.key, entry.value)
		case undoDelete:
			batch.Delete(entry.key)
		}
		batch.Delete(copyBytes(key))
		entries++

		if batch.ApproximateSize() >= c.cleanupBatchMaxBytes {
			if err := c.store.Write(&batch, kv.WriteOptions{Sync: false}); err != nil {
				return err
			}
			batch.Reset()
		}
	}
	if err := it.Error(); err != nil {
		return err
	}

	batch.Delete(c.codec.scopeKey(id))
	if err := c.store.Write(&batch, kv.WriteOptions{Sync: true}); err != nil {
		return err
	}
	slog.Debug("scope reverted", "scope", id, "undo_entries", entries)
	return nil
}
