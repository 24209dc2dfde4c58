package storage

import "errors"

// Sentinel errors returned by the storage core. ErrDuplicateKey is the one
// control-flow signal among these, for a primary-index caller that rejects
// duplicates; this package never returns it (BTree.Insert overwrites an
// existing key). Every other error is fail-closed and propagates to the
// caller untouched.
var (
	ErrCorruptPage         = errors.New("storage: corrupt page")
	ErrCorruptWAL          = errors.New("storage: corrupt WAL header")
	ErrCorruptFreeList     = errors.New("storage: corrupt free list")
	ErrDuplicateKey        = errors.New("storage: duplicate key")
	ErrNoSpace             = errors.New("storage: insufficient page space")
	ErrKeyNotFound         = errors.New("storage: key not found")
	ErrClosed              = errors.New("storage: handle is closed")
	ErrInvariantViolation  = errors.New("storage: B+ tree invariant violation")
	ErrInvalidPageID       = errors.New("storage: invalid page id")
	ErrSlotOutOfRange      = errors.New("storage: slot index out of range")
)
