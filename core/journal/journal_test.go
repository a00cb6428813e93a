package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Test Helpers ---

// setupJournal creates a Journal over a temporary data directory.
func setupJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	dir := t.TempDir() + string(os.PathSeparator)
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return New(dir, logger), dir
}

// --- Test Cases ---

// TestRecord_AppendsSizeAtLogTime verifies the record layout and that the
// size column captures the data file's size at the moment of the call.
func TestRecord_AppendsSizeAtLogTime(t *testing.T) {
	j, dir := setupJournal(t)

	require.NoError(t, os.WriteFile(dir+"a.txt", []byte("12345"), 0o666))
	j.Record(TransactionLog, 42, "a.txt")

	require.NoError(t, os.WriteFile(dir+"a.txt", []byte("1234567890"), 0o666))
	j.Record(CommitLog, 42, "a.txt")

	openLog, err := os.ReadFile(dir + TransactionLog)
	require.NoError(t, err)
	require.Equal(t, "42 a.txt 5\n", string(openLog))

	commitLog, err := os.ReadFile(dir + CommitLog)
	require.NoError(t, err)
	require.Equal(t, "42 a.txt 10\n", string(commitLog))
}

// TestRecord_MissingFileSizeZero records size 0 for a data file that does not
// exist yet, which is the normal case for a freshly opened transaction.
func TestRecord_MissingFileSizeZero(t *testing.T) {
	j, dir := setupJournal(t)

	j.Record(TransactionLog, 7, "new.txt")

	openLog, err := os.ReadFile(dir + TransactionLog)
	require.NoError(t, err)
	require.Equal(t, "7 new.txt 0\n", string(openLog))
}

// TestRecover_PairsEndRecords checks the first-seen-adds, seen-again-removes
// rule: a transaction with both an open record and an end record is not live,
// one with only an open record is.
func TestRecover_PairsEndRecords(t *testing.T) {
	j, dir := setupJournal(t)

	j.Record(TransactionLog, 1, "a.txt")
	j.Record(TransactionLog, 2, "b.txt")
	j.Record(TransactionLog, 3, "c.txt")
	j.Record(CommitLog, 1, "a.txt")
	j.Record(AbortLog, 3, "c.txt")

	_, liveTxns, err := j.Recover()
	require.NoError(t, err)
	require.Equal(t, map[int64]string{2: "b.txt"}, liveTxns)

	for _, logName := range []string{TransactionLog, TimeoutLog, CommitLog, AbortLog} {
		_, err := os.Stat(dir + logName)
		require.True(t, os.IsNotExist(err), "lifecycle log %s should be deleted after recovery", logName)
	}
}

// TestRecover_MaxSizePerFile keeps the largest size recorded for each file
// across all four logs.
func TestRecover_MaxSizePerFile(t *testing.T) {
	j, dir := setupJournal(t)

	require.NoError(t, os.WriteFile(dir+"a.txt", []byte("123"), 0o666))
	j.Record(TransactionLog, 1, "a.txt")

	require.NoError(t, os.WriteFile(dir+"a.txt", []byte("123456789"), 0o666))
	j.Record(CommitLog, 1, "a.txt")

	j.Record(TransactionLog, 2, "b.txt")

	fileSizes, _, err := j.Recover()
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"a.txt": 9, "b.txt": 0}, fileSizes)
}

// TestRecover_NoLogs succeeds on a pristine directory and returns empty maps.
func TestRecover_NoLogs(t *testing.T) {
	j, _ := setupJournal(t)

	fileSizes, liveTxns, err := j.Recover()
	require.NoError(t, err)
	require.Empty(t, fileSizes)
	require.Empty(t, liveTxns)
}

// TestTruncateFiles_RollsBackOversized truncates a data file that grew past
// its recorded maximum, which happens when a commit was mid-append at crash
// time.
func TestTruncateFiles_RollsBackOversized(t *testing.T) {
	j, dir := setupJournal(t)

	require.NoError(t, os.WriteFile(dir+"a.txt", []byte("committed+tail"), 0o666))
	require.NoError(t, j.TruncateFiles(map[string]int64{"a.txt": 9}))

	data, err := os.ReadFile(dir + "a.txt")
	require.NoError(t, err)
	require.Equal(t, "committed", string(data))
}

// TestTruncateFiles_KeepsSmaller leaves a file alone when it is already at or
// below the recorded size.
func TestTruncateFiles_KeepsSmaller(t *testing.T) {
	j, dir := setupJournal(t)

	require.NoError(t, os.WriteFile(dir+"a.txt", []byte("abc"), 0o666))
	require.NoError(t, j.TruncateFiles(map[string]int64{"a.txt": 10}))

	data, err := os.ReadFile(dir + "a.txt")
	require.NoError(t, err)
	require.Equal(t, "abc", string(data))
}

// TestTruncateFiles_RemovesZeroSize deletes files whose recorded maximum is
// zero: no commit ever made their contents durable.
func TestTruncateFiles_RemovesZeroSize(t *testing.T) {
	j, dir := setupJournal(t)

	require.NoError(t, os.WriteFile(dir+"a.txt", []byte("uncommitted"), 0o666))
	require.NoError(t, j.TruncateFiles(map[string]int64{"a.txt": 0, "missing.txt": 0}))

	_, err := os.Stat(dir + "a.txt")
	require.True(t, os.IsNotExist(err))
}

// TestRecover_IgnoresPartialRecord drops a trailing record that is missing
// its size column instead of failing recovery.
func TestRecover_IgnoresPartialRecord(t *testing.T) {
	j, dir := setupJournal(t)

	require.NoError(t, os.WriteFile(dir+TransactionLog, []byte("1 a.txt 0\n2 b.txt"), 0o666))

	fileSizes, liveTxns, err := j.Recover()
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"a.txt": 0}, fileSizes)
	require.Equal(t, map[int64]string{1: "a.txt"}, liveTxns)
	require.NotContains(t, liveTxns, int64(2))

	_, statErr := os.Stat(filepath.Join(dir, TransactionLog))
	require.True(t, os.IsNotExist(statErr))
}
