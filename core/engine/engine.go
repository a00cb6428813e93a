// Package engine implements the transactional append state machine behind
// the wire protocol: NEW_TXN, WRITE, COMMIT, ABORT, and READ.
package engine

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sushant-115/gojofs/core/journal"
	"github.com/sushant-115/gojofs/core/storage"
	"github.com/sushant-115/gojofs/core/wire"
)

// DefaultTransactionTimeout is how long a transaction may sit idle before
// the timeout watcher discards it.
const DefaultTransactionTimeout = 15 * time.Second

// Config carries the engine's tunables.
type Config struct {
	// Directory is the data directory, trailing separator included.
	Directory string

	// TransactionTimeout overrides DefaultTransactionTimeout when positive.
	TransactionTimeout time.Duration
}

// Response is the engine's answer to one request. The server encodes it onto
// the wire with the fixed-width response header.
type Response struct {
	Cmd     string
	TxnID   int64
	SeqNum  int64
	ErrCode int
	Payload []byte
}

// Engine owns every live transaction. Its mutex guards the transaction map,
// the file map, and the commit set; per-transaction and per-file mutexes are
// taken only after it has been released.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	journal *journal.Journal
	metrics *engineMetrics

	mu      sync.Mutex
	txns    map[int64]*transaction
	files   map[string]*fileAttributes
	commits map[int64]struct{}

	done chan struct{}
}

// New builds an Engine over the given data directory and journal.
func New(cfg Config, logger *zap.Logger, jrnl *journal.Journal, meter metric.Meter) (*Engine, error) {
	if cfg.TransactionTimeout <= 0 {
		cfg.TransactionTimeout = DefaultTransactionTimeout
	}
	m, err := newEngineMetrics(meter)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger,
		journal: jrnl,
		metrics: m,
		txns:    make(map[int64]*transaction),
		files:   make(map[string]*fileAttributes),
		commits: make(map[int64]struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Restore re-registers transactions that recovery found open. Each gets a
// fresh lifecycle record and a fresh timeout window.
func (e *Engine) Restore(liveTxns map[int64]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for txnID, fileName := range liveTxns {
		e.addTransactionLocked(txnID, fileName)
	}
}

// Close stops the timeout watchers. Live transactions are left to the next
// startup's recovery.
func (e *Engine) Close() {
	close(e.done)
}

// Process runs one request through the state machine. The returned flag
// reports whether the conversation stays open: it is false after every ERROR
// response and after a successful ABORT.
func (e *Engine) Process(cmd string, txnID, seqNum int64, payload []byte) (Response, bool) {
	switch cmd {
	case wire.CmdRead:
		return e.read(txnID, seqNum, payload)
	case wire.CmdNewTxn:
		return e.newTxn(txnID, seqNum, payload)
	case wire.CmdWrite:
		return e.write(txnID, seqNum, payload)
	case wire.CmdCommit:
		return e.commit(txnID, seqNum)
	case wire.CmdAbort:
		return e.abort(txnID, seqNum)
	default:
		return e.errorResponse(txnID, seqNum, wire.CodeInvalidCommand)
	}
}

// read returns the file's contents as they exist at call time. It favors
// availability over consistency: a concurrent commit may be appending, and
// only the bytes present when the size is taken are returned.
func (e *Engine) read(txnID, seqNum int64, payload []byte) (Response, bool) {
	fileName := string(payload)

	f, err := storage.Open(e.cfg.Directory+fileName, storage.ReadIntent)
	if err != nil {
		return e.errorResponse(txnID, seqNum, wire.CodeErrorOpeningFile)
	}
	defer f.Close()

	data, err := f.ReadAll()
	if err != nil {
		return e.errorResponse(txnID, seqNum, wire.CodeErrorReadingFile)
	}
	return Response{Cmd: wire.CmdAck, TxnID: txnID, SeqNum: seqNum, Payload: data}, true
}

func (e *Engine) newTxn(txnID, seqNum int64, payload []byte) (Response, bool) {
	if seqNum != wire.InitialSeqNum {
		return e.errorResponse(txnID, seqNum, wire.CodeInvalidSequenceNumber)
	}
	fileName := string(payload)

	e.mu.Lock()
	id := e.nextTxnIDLocked()
	e.addTransactionLocked(id, fileName)
	e.mu.Unlock()

	e.logger.Debug("transaction opened",
		zap.Int64("txn_id", id),
		zap.String("file", fileName),
	)
	return e.ack(id, wire.InitialSeqNum)
}

func (e *Engine) write(txnID, seqNum int64, payload []byte) (Response, bool) {
	e.mu.Lock()
	if e.isCommittedLocked(txnID) {
		e.mu.Unlock()
		return e.errorResponse(txnID, seqNum, wire.CodeInvalidOperation)
	}
	txn, ok := e.txns[txnID]
	if !ok {
		e.mu.Unlock()
		return e.errorResponse(txnID, seqNum, wire.CodeInvalidTransactionID)
	}
	txnMu := txn.mu
	e.mu.Unlock()

	txnMu.Lock()
	defer txnMu.Unlock()

	// Another connection may have committed or aborted this transaction
	// while the transaction mutex was being acquired.
	if resp, ok, ended := e.recheckEnded(txnID, seqNum); ended {
		return resp, ok
	}

	txn.touch()

	if _, dup := txn.buffers[seqNum]; dup {
		return e.errorResponse(txnID, seqNum, wire.CodeRepeatedSequenceNumber)
	}
	if seqNum > txn.maxSeqNum {
		txn.maxSeqNum = seqNum
	}
	txn.buffers[seqNum] = payload
	return e.ack(txnID, seqNum)
}

func (e *Engine) commit(txnID, seqNum int64) (Response, bool) {
	e.mu.Lock()
	// The client may be retransmitting a COMMIT whose ACK was lost, so a
	// committed transaction gets its ACK again.
	if e.isCommittedLocked(txnID) {
		e.mu.Unlock()
		return e.ack(txnID, seqNum)
	}
	txn, ok := e.txns[txnID]
	if !ok {
		e.mu.Unlock()
		return e.errorResponse(txnID, seqNum, wire.CodeInvalidTransactionID)
	}
	txnMu := txn.mu
	e.mu.Unlock()

	txnMu.Lock()
	defer txnMu.Unlock()

	if resp, ok, ended := e.recheckEnded(txnID, seqNum); ended {
		return resp, ok
	}

	txn.touch()

	if seqNum < txn.maxSeqNum {
		return e.errorResponse(txnID, seqNum, wire.CodeCommitWithInvalidSequenceNumber)
	}
	txn.maxSeqNum = seqNum

	for s := wire.InitialSeqNum + 1; s <= txn.maxSeqNum; s++ {
		if _, ok := txn.buffers[s]; !ok {
			return Response{Cmd: wire.CmdAskResend, TxnID: txnID, SeqNum: s}, true
		}
	}

	fa := txn.file
	path := e.cfg.Directory + fa.name

	fa.mu.Lock()
	f, err := storage.Open(path, storage.AppendIntent)
	if err != nil {
		fa.mu.Unlock()
		e.logger.Error("commit failed to open data file",
			zap.Int64("txn_id", txnID),
			zap.String("file", fa.name),
			zap.Error(err),
		)
		return e.errorResponse(txnID, seqNum, wire.CodeErrorOpeningFile)
	}

	var appended int64
	var writeErr error
	for s := wire.InitialSeqNum + 1; s <= txn.maxSeqNum; s++ {
		if writeErr = f.Append(txn.buffers[s]); writeErr != nil {
			break
		}
		appended += int64(len(txn.buffers[s]))
	}
	if writeErr != nil {
		f.Close()
		if err := storage.Truncate(path, fa.size); err != nil {
			e.logger.Error("failed to roll back partial commit",
				zap.Int64("txn_id", txnID),
				zap.String("file", fa.name),
				zap.Error(err),
			)
		}
		fa.mu.Unlock()
		e.logger.Error("commit failed to append data",
			zap.Int64("txn_id", txnID),
			zap.String("file", fa.name),
			zap.Error(writeErr),
		)
		return e.errorResponse(txnID, seqNum, wire.CodeErrorWritingFile)
	}

	e.mu.Lock()
	e.commits[txnID] = struct{}{}
	e.mu.Unlock()

	e.journal.Record(journal.CommitLog, txnID, fa.name)

	if size, err := f.Size(); err == nil {
		fa.size = size
	}
	f.Close()
	fa.mu.Unlock()

	e.metrics.add(e.metrics.committed, 1)
	e.metrics.add(e.metrics.bytesCommitted, appended)

	e.mu.Lock()
	e.removeTransactionLocked(txnID)
	e.mu.Unlock()

	e.logger.Debug("transaction committed",
		zap.Int64("txn_id", txnID),
		zap.String("file", fa.name),
		zap.Int64("bytes", appended),
	)
	return e.ack(txnID, seqNum)
}

func (e *Engine) abort(txnID, seqNum int64) (Response, bool) {
	e.mu.Lock()
	if e.isCommittedLocked(txnID) {
		e.mu.Unlock()
		return e.errorResponse(txnID, seqNum, wire.CodeInvalidOperation)
	}
	txn, ok := e.txns[txnID]
	if !ok {
		e.mu.Unlock()
		return e.errorResponse(txnID, seqNum, wire.CodeInvalidTransactionID)
	}
	txnMu := txn.mu
	e.mu.Unlock()

	txnMu.Lock()

	e.mu.Lock()
	if e.isCommittedLocked(txnID) {
		e.mu.Unlock()
		txnMu.Unlock()
		return e.errorResponse(txnID, seqNum, wire.CodeTransactionAlreadyCommitted)
	}
	if _, ok := e.txns[txnID]; !ok {
		e.mu.Unlock()
		txnMu.Unlock()
		return e.errorResponse(txnID, seqNum, wire.CodeTransactionAborted)
	}

	// Releasing the transaction mutex here is safe: a WRITE or COMMIT that
	// grabs it next must acquire the engine mutex before touching the
	// transaction, and the engine mutex is held until the removal below is
	// done.
	txnMu.Unlock()

	e.journal.Record(journal.AbortLog, txnID, txn.file.name)
	e.removeTransactionLocked(txnID)
	e.mu.Unlock()

	e.metrics.add(e.metrics.aborted, 1)
	e.logger.Debug("transaction aborted",
		zap.Int64("txn_id", txnID),
		zap.String("file", txn.file.name),
	)

	resp, _ := e.ack(txnID, seqNum)
	return resp, false
}

// recheckEnded re-validates a transaction after its mutex has been acquired.
// ended reports whether the caller must return resp immediately.
func (e *Engine) recheckEnded(txnID, seqNum int64) (resp Response, open, ended bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isCommittedLocked(txnID) {
		resp, open = e.errorResponse(txnID, seqNum, wire.CodeTransactionAlreadyCommitted)
		return resp, open, true
	}
	if _, ok := e.txns[txnID]; !ok {
		resp, open = e.errorResponse(txnID, seqNum, wire.CodeTransactionAborted)
		return resp, open, true
	}
	return Response{}, false, false
}

func (e *Engine) isCommittedLocked(txnID int64) bool {
	_, ok := e.commits[txnID]
	return ok
}

// nextTxnIDLocked rejection-samples ids until one misses the live map.
func (e *Engine) nextTxnIDLocked() int64 {
	for {
		id := rand.Int63n(math.MaxInt32)
		if _, taken := e.txns[id]; !taken {
			return id
		}
	}
}

func (e *Engine) addTransactionLocked(txnID int64, fileName string) {
	fa, ok := e.files[fileName]
	if !ok {
		fa = &fileAttributes{name: fileName, size: storage.SizeOf(e.cfg.Directory + fileName)}
		e.files[fileName] = fa
	}
	fa.refs++

	txn := &transaction{
		mu:        &sync.Mutex{},
		file:      fa,
		buffers:   make(map[int64][]byte),
		maxSeqNum: wire.InitialSeqNum + 1,
	}
	txn.touch()
	e.txns[txnID] = txn

	e.journal.Record(journal.TransactionLog, txnID, fileName)

	go e.watchTransaction(txnID, fileName, txn)

	e.metrics.add(e.metrics.started, 1)
	e.metrics.live.Add(context.Background(), 1)
}

func (e *Engine) removeTransactionLocked(txnID int64) {
	txn, ok := e.txns[txnID]
	if !ok {
		return
	}
	delete(e.txns, txnID)

	txn.file.refs--
	if txn.file.refs == 0 {
		delete(e.files, txn.file.name)
	}

	e.metrics.live.Add(context.Background(), -1)
}

// watchTransaction sleeps until the transaction's deadline, then rechecks:
// if the client was active in the meantime the deadline moves forward and
// the watcher sleeps again, otherwise the transaction is discarded.
func (e *Engine) watchTransaction(txnID int64, fileName string, txn *transaction) {
	deadline := txn.last().Add(e.cfg.TransactionTimeout)
	for {
		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-timer.C:
		case <-e.done:
			timer.Stop()
			return
		}

		e.mu.Lock()
		if _, live := e.txns[txnID]; !live {
			e.mu.Unlock()
			return
		}
		last := txn.last()
		if !time.Now().Before(last.Add(e.cfg.TransactionTimeout)) {
			e.removeTransactionLocked(txnID)
			e.journal.Record(journal.TimeoutLog, txnID, fileName)
			e.mu.Unlock()

			e.metrics.add(e.metrics.timedOut, 1)
			e.logger.Info("transaction timed out",
				zap.Int64("txn_id", txnID),
				zap.String("file", fileName),
			)
			return
		}
		deadline = last.Add(e.cfg.TransactionTimeout)
		e.mu.Unlock()
	}
}

func (e *Engine) ack(txnID, seqNum int64) (Response, bool) {
	return Response{Cmd: wire.CmdAck, TxnID: txnID, SeqNum: seqNum}, true
}

func (e *Engine) errorResponse(txnID, seqNum int64, code int) (Response, bool) {
	e.metrics.add(e.metrics.protocolErrors, 1)
	msg := wire.ErrorMessage(code)
	return Response{
		Cmd:     wire.CmdError,
		TxnID:   txnID,
		SeqNum:  seqNum,
		ErrCode: code,
		Payload: []byte(msg),
	}, false
}
