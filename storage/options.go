package storage

import "github.com/rs/zerolog"

// Options configures a Pager.Open call: a plain struct plus a constructor
// with sensible defaults, no external config file format (that belongs to
// the upstream document-engine layer, out of this module's scope).
type Options struct {
	// CacheSize bounds how many pages the pager keeps resident.
	CacheSize int

	// EnableWAL turns on write-ahead logging and crash recovery. Disabling
	// it is only useful for throwaway/scratch databases; durability and
	// the WAL-ahead ordering require it.
	EnableWAL bool

	// Logger receives structured diagnostics: a failed write-through of a
	// dirty page on eviction, a WAL scan stopping at a torn tail, and a
	// PageWrite record skipped during recovery. Defaults to a discard
	// logger.
	Logger zerolog.Logger

	// SyncOnCommit controls whether a flush (Flush, Close, and the flush
	// step of Checkpoint) fsyncs the data file after rewriting the header,
	// on top of the WAL fsync that always happens ahead of it. The
	// WAL-ahead record is already durable at that point, so recovery can
	// always redo a page the data file lost; turning this off only trades a
	// slower recovery-on-next-open for a faster flush, it never risks
	// losing a committed write. Checkpoint always fsyncs the data file
	// before it truncates the WAL. Defaults to true.
	SyncOnCommit bool
}

// DefaultOptions returns a 1000-page cache with WAL enabled, a data-file
// fsync on every commit, and logging disabled.
func DefaultOptions() Options {
	return Options{
		CacheSize:    1000,
		EnableWAL:    true,
		Logger:       NewDiscardLogger(),
		SyncOnCommit: true,
	}
}
