package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// --- Test Helpers ---

// tempFilePath returns a path inside a fresh temporary directory without
// creating the file itself.
func tempFilePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "data.txt")
}

// --- Test Cases ---

// TestOpen_AppendCreatesFile verifies that an append handle creates the file
// on first open and that appends accumulate in order.
func TestOpen_AppendCreatesFile(t *testing.T) {
	path := tempFilePath(t)

	f, err := Open(path, AppendIntent)
	require.NoError(t, err)

	require.NoError(t, f.Append([]byte("first ")))
	require.NoError(t, f.Append([]byte("second")))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "first second", string(data))
}

// TestOpen_ReadMissingFile confirms the read path reports ErrOpenFailed for
// an absent file instead of creating it.
func TestOpen_ReadMissingFile(t *testing.T) {
	path := tempFilePath(t)

	_, err := Open(path, ReadIntent)
	require.ErrorIs(t, err, ErrOpenFailed)
	require.False(t, Exists(path))
}

// TestReadAll returns the full contents of a file written earlier.
func TestReadAll(t *testing.T) {
	path := tempFilePath(t)
	require.NoError(t, os.WriteFile(path, []byte("payload bytes"), 0o666))

	f, err := Open(path, ReadIntent)
	require.NoError(t, err)
	defer f.Close()

	data, err := f.ReadAll()
	require.NoError(t, err)
	require.Equal(t, "payload bytes", string(data))
}

// TestIntentMismatch rejects appends on read handles and reads on append
// handles.
func TestIntentMismatch(t *testing.T) {
	path := tempFilePath(t)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o666))

	rf, err := Open(path, ReadIntent)
	require.NoError(t, err)
	defer rf.Close()
	require.ErrorIs(t, rf.Append([]byte("y")), ErrWriteFailed)

	wf, err := Open(path, AppendIntent)
	require.NoError(t, err)
	defer wf.Close()
	_, err = wf.ReadAll()
	require.ErrorIs(t, err, ErrReadFailed)
}

// TestSizeOf covers the stat helpers: size of an existing file, zero for a
// missing one, and existence checks.
func TestSizeOf(t *testing.T) {
	path := tempFilePath(t)
	require.Equal(t, int64(0), SizeOf(path))
	require.False(t, Exists(path))

	require.NoError(t, os.WriteFile(path, []byte("12345"), 0o666))
	require.Equal(t, int64(5), SizeOf(path))
	require.True(t, Exists(path))
}

// TestTruncateAndRemove rolls a file back to a smaller size and then deletes
// it.
func TestTruncateAndRemove(t *testing.T) {
	path := tempFilePath(t)
	require.NoError(t, os.WriteFile(path, []byte("abcdefgh"), 0o666))

	require.NoError(t, Truncate(path, 3))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "abc", string(data))

	require.NoError(t, Remove(path))
	require.False(t, Exists(path))
}

// TestSize reports the live size of an open append handle.
func TestSize(t *testing.T) {
	path := tempFilePath(t)

	f, err := Open(path, AppendIntent)
	require.NoError(t, err)
	defer f.Close()

	size, err := f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(0), size)

	require.NoError(t, f.Append([]byte("grow")))
	size, err = f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(4), size)
}
