package scopes

import (
	"fmt"
	"log/slog"

	"scopedb/pkg/kv"
	"scopedb/pkg/types"
)

// CleanupMode selects how much of a finished scope's residue to remove.
type CleanupMode uint8

const (
	// CleanupExecuteTasks removes the scope's on-disk undo log and then
	// its record. Used after a successful commit.
	CleanupExecuteTasks CleanupMode = 1
	// CleanupIgnoreTasks removes only the record. Used after a revert,
	// which has already consumed the undo log, and during recovery for
	// records flagged accordingly.
	CleanupIgnoreTasks CleanupMode = 2
)

// runCleanup removes a scope's leftovers. It is idempotent: re-running
// it after a crash (or a duplicate dispatch) sees fewer or no keys and
// deletes whatever remains. Undo entries go in bounded unsynced
// batches; the final batch drops the record and syncs, making the
// scope fully disappear.
func (c *Coordinator) runCleanup(id types.ScopeID, mode CleanupMode) error {
	var batch kv.Batch
	removed := 0

	if mode == CleanupExecuteTasks {
		it, err := c.store.NewIterator(kv.ReadOptions{})
		if err != nil {
			return fmt.Errorf("cleanup scope %d: %w", id, err)
		}
		prefix := c.codec.undoPrefix(id)
		for ok := it.SeekGE(prefix); ok; ok = it.Next() {
			key := it.Key()
			if len(key) < len(prefix) || string(key[:len(prefix)]) != string(prefix) {
				break
			}
			batch.Delete(copyBytes(key))
			removed++
			if batch.ApproximateSize() >= c.cleanupBatchMaxBytes {
				if err := c.store.Write(&batch, kv.WriteOptions{Sync: false}); err != nil {
					it.Close()
					return fmt.Errorf("cleanup scope %d: %w", id, err)
				}
				batch.Reset()
			}
		}
		err = it.Error()
		it.Close()
		if err != nil {
			return fmt.Errorf("cleanup scope %d: %w", id, err)
		}
	}

	batch.Delete(c.codec.scopeKey(id))
	if err := c.store.Write(&batch, kv.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("cleanup scope %d: %w", id, err)
	}
	c.mcol.IncCounter("cleanups", 1)
	slog.Debug("scope cleaned up", "scope", id, "mode", mode, "undo_entries_removed", removed)
	return nil
}
