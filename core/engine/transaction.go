package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// fileAttributes is shared by every live transaction targeting the same
// file. The file mutex serializes commit flushes; size is the last durable
// size and is the rollback point when a flush fails partway.
type fileAttributes struct {
	name string

	mu   sync.Mutex
	size int64

	// refs counts the live transactions holding this entry. The engine
	// drops the entry from its file map when the count reaches zero.
	refs int
}

// transaction holds the buffered state of one open transaction. The mutex is
// held by pointer so that a goroutine blocked on it stays safe even after
// the transaction has been removed from the engine's map.
type transaction struct {
	mu   *sync.Mutex
	file *fileAttributes

	// buffers and maxSeqNum are guarded by mu.
	buffers   map[int64][]byte
	maxSeqNum int64

	// lastActive is the unix-nano timestamp of the most recent client
	// activity, read by the timeout watcher without taking mu.
	lastActive atomic.Int64
}

func (t *transaction) touch() {
	t.lastActive.Store(time.Now().UnixNano())
}

func (t *transaction) last() time.Time {
	return time.Unix(0, t.lastActive.Load())
}
