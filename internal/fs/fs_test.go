package fs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeString(s string) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.json")

	require.NoError(t, WriteFile(Default, path, writeString("one")))
	require.NoError(t, WriteFile(Default, path, writeString("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestWriteFileKeepsOldContentOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.jsonl")
	require.NoError(t, WriteFile(Default, path, writeString("old")))

	for name, fault := range map[string]Fault{
		"write":  {FailAfterBytes: 0},
		"sync":   {FailAfterBytes: -1, FailOnSync: true},
		"rename": {FailAfterBytes: -1, FailOnRename: true},
	} {
		t.Run(name, func(t *testing.T) {
			ffs := NewFaultyFS(nil)
			ffs.AddRule("catalog.jsonl", fault)

			err := WriteFile(ffs, path, writeString("new"))
			require.ErrorIs(t, err, ErrInjected)

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, "old", string(data))

			entries, err := os.ReadDir(filepath.Dir(path))
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestWriteFileCallbackError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	err := WriteFile(Default, path, func(io.Writer) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "catalog.jsonl")
	for _, line := range []string{"a\n", "b\n"} {
		f, err := Append(Default, path)
		require.NoError(t, err)
		_, err = f.Write([]byte(line))
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(data))
}

func TestFaultyFSPassesThrough(t *testing.T) {
	ffs := NewFaultyFS(nil)
	ffs.AddRule("other", Fault{FailAfterBytes: 0})

	path := filepath.Join(t.TempDir(), "ok.txt")
	require.NoError(t, WriteFile(ffs, path, writeString("fine")))

	info, err := ffs.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Size())
	require.NoError(t, ffs.Remove(path))
}
