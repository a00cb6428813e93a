// Package journal maintains the four append-only lifecycle logs that make
// transaction outcomes durable, and reconciles them into a consistent data
// directory on startup.
package journal

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sushant-115/gojofs/core/storage"
)

// Lifecycle log names. Each transaction writes one line to TransactionLog
// when it opens and one line to exactly one of the other three when it ends.
const (
	TransactionLog = ".transactionlog.txt"
	TimeoutLog     = ".timeoutlog.txt"
	CommitLog      = ".commitlog.txt"
	AbortLog       = ".abortlog.txt"
)

// scanOrder is the fixed order Recover consumes the logs in. TransactionLog
// must come first so that later logs prune the live set.
var scanOrder = [...]string{TransactionLog, TimeoutLog, CommitLog, AbortLog}

// Journal appends lifecycle records for the files under a single data
// directory.
type Journal struct {
	dir    string
	logger *zap.Logger
}

// New returns a Journal for the given data directory. The directory path
// must carry its trailing separator.
func New(dir string, logger *zap.Logger) *Journal {
	return &Journal{dir: dir, logger: logger}
}

// Record appends "txnID fileName size" to the named lifecycle log, where
// size is the data file's on-disk size at the time of the call. Append
// failures are logged and swallowed; a lost record degrades recovery but
// must not fail the operation that produced it.
func (j *Journal) Record(logName string, txnID int64, fileName string) {
	f, err := storage.Open(j.dir+logName, storage.AppendIntent)
	if err != nil {
		j.logger.Warn("failed to open lifecycle log",
			zap.String("log", logName),
			zap.Int64("txn_id", txnID),
			zap.Error(err),
		)
		return
	}
	defer f.Close()

	entry := fmt.Sprintf("%d %s %d\n", txnID, fileName, storage.SizeOf(j.dir+fileName))
	if err := f.Append([]byte(entry)); err != nil {
		j.logger.Warn("failed to append lifecycle record",
			zap.String("log", logName),
			zap.Int64("txn_id", txnID),
			zap.Error(err),
		)
	}
}

// Recover scans the four lifecycle logs in fixed order and deletes each one
// after its scan. It returns the maximum recorded size per data file and the
// set of transactions that opened but never ended. A transaction id seen for
// the first time joins the live set; seeing it again means a later log
// recorded its end, so it is removed.
func (j *Journal) Recover() (fileSizes map[string]int64, liveTxns map[int64]string, err error) {
	fileSizes = make(map[string]int64)
	liveTxns = make(map[int64]string)

	for _, logName := range scanOrder {
		path := j.dir + logName

		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, nil, fmt.Errorf("read lifecycle log %s: %w", logName, err)
		}

		tokens := strings.Fields(string(data))
		for i := 0; i+2 < len(tokens); i += 3 {
			txnID, err := strconv.ParseInt(tokens[i], 10, 64)
			if err != nil {
				j.logger.Warn("skipping unparsable lifecycle record",
					zap.String("log", logName),
					zap.String("token", tokens[i]),
				)
				continue
			}
			fileName := tokens[i+1]
			size, err := strconv.ParseInt(tokens[i+2], 10, 64)
			if err != nil {
				j.logger.Warn("skipping unparsable lifecycle record",
					zap.String("log", logName),
					zap.String("token", tokens[i+2]),
				)
				continue
			}

			if prev, seen := fileSizes[fileName]; !seen || size > prev {
				fileSizes[fileName] = size
			}

			if _, live := liveTxns[txnID]; live {
				delete(liveTxns, txnID)
			} else {
				liveTxns[txnID] = fileName
			}
		}

		if err := storage.Remove(path); err != nil {
			return nil, nil, fmt.Errorf("delete lifecycle log %s: %w", logName, err)
		}
	}

	return fileSizes, liveTxns, nil
}

// TruncateFiles rolls every data file back to its maximum recorded size.
// Bytes beyond that size belong to a commit that was appending when the
// process died but never reached the commit log, so they are discarded. A
// file whose recorded size is zero is removed outright.
func (j *Journal) TruncateFiles(fileSizes map[string]int64) error {
	for fileName, size := range fileSizes {
		path := j.dir + fileName
		if !storage.Exists(path) {
			continue
		}
		if size > 0 {
			if storage.SizeOf(path) > size {
				if err := storage.Truncate(path, size); err != nil {
					return fmt.Errorf("roll back %s: %w", fileName, err)
				}
			}
		} else {
			if err := storage.Remove(path); err != nil {
				return fmt.Errorf("remove %s: %w", fileName, err)
			}
		}
	}
	return nil
}
