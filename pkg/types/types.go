package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// ScopeID identifies one scope. IDs are strictly increasing within a
// process lifetime; a persisted ID may be reused numerically across
// restarts only after its on-disk record has been deleted.
type ScopeID = int64

// LockLevel partitions the lock keyspace. Locks at different levels
// never conflict with each other.
type LockLevel = uint8
