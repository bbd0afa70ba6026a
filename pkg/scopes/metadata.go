package scopes

import (
	"encoding/binary"

	"scopedb/pkg/dberrors"
	"scopedb/pkg/lockmgr"
	"scopedb/pkg/types"
)

const (
	metadataVersion             uint32 = 1
	minSupportedMetadataVersion uint32 = 1
)

// scopeState is the explicit commit-point tag. The on-disk record
// never encodes "committed" as an empty lock list; the state byte
// decides, and only in-doubt records carry locks.
type scopeState byte

const (
	stateInDoubt   scopeState = 1
	stateCommitted scopeState = 2
)

const flagIgnoreCleanupTasks byte = 1 << 0

// scopeMetadata is the per-scope on-disk record. Locks are only
// present while the scope is in doubt; they are what recovery
// re-acquires before reverting.
type scopeMetadata struct {
	state              scopeState
	ignoreCleanupTasks bool
	locks              []lockmgr.Request
}

func encodeGlobalMetadata(version uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, version)
}

func decodeGlobalMetadata(buf []byte) (uint32, error) {
	if len(buf) != 4 {
		return 0, dberrors.Corruptionf("global metadata value has length %d, want 4", len(buf))
	}
	return binary.BigEndian.Uint32(buf), nil
}

func appendLenPrefixed(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func encodeScopeMetadata(m scopeMetadata) []byte {
	buf := []byte{byte(metadataVersion), byte(m.state)}
	var flags byte
	if m.ignoreCleanupTasks {
		flags |= flagIgnoreCleanupTasks
	}
	buf = append(buf, flags)

	if m.state == stateInDoubt {
		buf = binary.AppendUvarint(buf, uint64(len(m.locks)))
		for _, l := range m.locks {
			buf = append(buf, l.Level)
			buf = appendLenPrefixed(buf, l.Range.Begin)
			buf = appendLenPrefixed(buf, l.Range.End)
		}
	}
	return buf
}

// reader walks an encoded value; any overrun marks it corrupt.
type reader struct {
	buf     []byte
	corrupt bool
}

func (r *reader) byte() byte {
	if len(r.buf) < 1 {
		r.corrupt = true
		return 0
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b
}

func (r *reader) uvarint() uint64 {
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.corrupt = true
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) bytes() []byte {
	n := r.uvarint()
	if r.corrupt || uint64(len(r.buf)) < n {
		r.corrupt = true
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[:n])
	r.buf = r.buf[n:]
	return out
}

func decodeScopeMetadata(buf []byte) (scopeMetadata, error) {
	r := &reader{buf: buf}
	version := uint32(r.byte())
	state := scopeState(r.byte())
	flags := r.byte()
	if r.corrupt {
		return scopeMetadata{}, dberrors.Corruptionf("truncated scope metadata value")
	}
	if version < minSupportedMetadataVersion || version > metadataVersion {
		return scopeMetadata{}, dberrors.Corruptionf("unsupported scope metadata version %d", version)
	}

	m := scopeMetadata{
		state:              state,
		ignoreCleanupTasks: flags&flagIgnoreCleanupTasks != 0,
	}
	switch state {
	case stateCommitted:
	case stateInDoubt:
		count := r.uvarint()
		for i := uint64(0); i < count && !r.corrupt; i++ {
			req := lockmgr.Request{
				Level: types.LockLevel(r.byte()),
				Type:  lockmgr.TypeExclusive,
			}
			req.Range.Begin = r.bytes()
			req.Range.End = r.bytes()
			m.locks = append(m.locks, req)
		}
	default:
		return scopeMetadata{}, dberrors.Corruptionf("unknown scope state %d", state)
	}
	if r.corrupt || len(r.buf) != 0 {
		return scopeMetadata{}, dberrors.Corruptionf("malformed scope metadata value")
	}
	return m, nil
}

// undoOp tags an undo log entry: put restores a prior value, delete
// records that the key did not exist before the scope.
type undoOp byte

const (
	undoPut    undoOp = 1
	undoDelete undoOp = 2
)

type undoEntry struct {
	op    undoOp
	key   []byte
	value []byte
}

func encodeUndoEntry(e undoEntry) []byte {
	buf := []byte{byte(e.op)}
	buf = appendLenPrefixed(buf, e.key)
	if e.op == undoPut {
		buf = append(buf, e.value...)
	}
	return buf
}

func decodeUndoEntry(buf []byte) (undoEntry, error) {
	r := &reader{buf: buf}
	e := undoEntry{op: undoOp(r.byte())}
	e.key = r.bytes()
	if r.corrupt {
		return undoEntry{}, dberrors.Corruptionf("truncated undo log entry")
	}
	switch e.op {
	case undoPut:
		e.value = make([]byte, len(r.buf))
		copy(e.value, r.buf)
	case undoDelete:
		if len(r.buf) != 0 {
			return undoEntry{}, dberrors.Corruptionf("undo delete entry carries a value")
		}
	default:
		return undoEntry{}, dberrors.Corruptionf("unknown undo op %d", e.op)
	}
	return e, nil
}
