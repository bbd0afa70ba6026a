package scopes

import (
	"encoding/binary"

	"scopedb/pkg/dberrors"
	"scopedb/pkg/types"
)

// On-disk key layout, under the caller-supplied metadata prefix:
//
//	prefix | 0x00                              global metadata
//	prefix | 0x01 | scope_id (8, big-endian)   scope metadata
//	prefix | 0x02 | scope_id | seq (8, BE)     undo log entry
//
// Big-endian numeric suffixes keep the tables contiguous and range
// scans ordered.
const (
	keyTableGlobal byte = 0x00
	keyTableScope  byte = 0x01
	keyTableUndo   byte = 0x02
)

type keyCodec struct {
	prefix []byte
}

func newKeyCodec(prefix []byte) keyCodec {
	p := make([]byte, len(prefix))
	copy(p, prefix)
	return keyCodec{prefix: p}
}

func (c keyCodec) tableKey(table byte, extra int) []byte {
	key := make([]byte, 0, len(c.prefix)+1+extra)
	key = append(key, c.prefix...)
	return append(key, table)
}

func (c keyCodec) globalKey() []byte {
	return c.tableKey(keyTableGlobal, 0)
}

func (c keyCodec) scopePrefix() []byte {
	return c.tableKey(keyTableScope, 0)
}

func (c keyCodec) scopeKey(id types.ScopeID) []byte {
	key := c.tableKey(keyTableScope, 8)
	return binary.BigEndian.AppendUint64(key, uint64(id))
}

func (c keyCodec) undoPrefix(id types.ScopeID) []byte {
	key := c.tableKey(keyTableUndo, 8)
	return binary.BigEndian.AppendUint64(key, uint64(id))
}

func (c keyCodec) undoKey(id types.ScopeID, seq uint64) []byte {
	key := c.tableKey(keyTableUndo, 16)
	key = binary.BigEndian.AppendUint64(key, uint64(id))
	return binary.BigEndian.AppendUint64(key, seq)
}

// parseScopeKey extracts the scope id from a scope metadata key.
func (c keyCodec) parseScopeKey(key []byte) (types.ScopeID, error) {
	if len(key) != len(c.prefix)+1+8 {
		return 0, dberrors.Corruptionf("malformed scope metadata key of length %d", len(key))
	}
	return types.ScopeID(binary.BigEndian.Uint64(key[len(c.prefix)+1:])), nil
}

// parseUndoKey extracts scope id and sequence from an undo log key.
func (c keyCodec) parseUndoKey(key []byte) (types.ScopeID, uint64, error) {
	if len(key) != len(c.prefix)+1+16 {
		return 0, 0, dberrors.Corruptionf("malformed undo log key of length %d", len(key))
	}
	rest := key[len(c.prefix)+1:]
	id := types.ScopeID(binary.BigEndian.Uint64(rest[:8]))
	seq := binary.BigEndian.Uint64(rest[8:])
	return id, seq, nil
}
