package kv

import "scopedb/pkg/types"

type OpKind uint8

const (
	OpPut OpKind = iota + 1
	OpDelete
)

// Op is one entry of a Batch.
type Op struct {
	Kind  OpKind
	Key   types.Key
	Value types.Value
}

// Batch is an ordered list of writes applied atomically by
// Store.Write. Keys and values are not copied; callers must not
// mutate them until the batch is written.
type Batch struct {
	ops  []Op
	size int
}

const opOverhead = 16

func (b *Batch) Put(key types.Key, value types.Value) {
	b.ops = append(b.ops, Op{Kind: OpPut, Key: key, Value: value})
	b.size += len(key) + len(value) + opOverhead
}

func (b *Batch) Delete(key types.Key) {
	b.ops = append(b.ops, Op{Kind: OpDelete, Key: key})
	b.size += len(key) + opOverhead
}

// Append moves the other batch's ops onto b in order.
func (b *Batch) Append(other *Batch) {
	b.ops = append(b.ops, other.ops...)
	b.size += other.size
}

func (b *Batch) Count() int {
	return len(b.ops)
}

// ApproximateSize is the buffered byte footprint of the batch,
// used to cap flush and cleanup passes.
func (b *Batch) ApproximateSize() int {
	return b.size
}

func (b *Batch) Reset() {
	b.ops = b.ops[:0]
	b.size = 0
}

// Ops exposes the entries for Store implementations.
func (b *Batch) Ops() []Op {
	return b.ops
}
