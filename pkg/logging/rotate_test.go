package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingFile_Write(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metrics.log")

	rf, err := NewRotatingFile(path, WithMaxSize(100), WithMaxBackups(2))
	require.NoError(t, err)
	defer rf.Close()

	data := []byte("tick ok\n")
	n, err := rf.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestRotatingFile_KeepsMaxBackups(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metrics.log")

	rf, err := NewRotatingFile(path, WithMaxSize(20), WithMaxBackups(2))
	require.NoError(t, err)
	defer rf.Close()

	for i := range 4 {
		_, err = rf.Write(bytes.Repeat([]byte{byte('a' + i)}, 15))
		require.NoError(t, err)
	}

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("d"), 15), current)

	newest, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("c"), 15), newest)

	_, err = os.Stat(path + ".2")
	require.NoError(t, err)

	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestRotatingFile_NoBackups(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metrics.log")

	rf, err := NewRotatingFile(path, WithMaxSize(10), WithMaxBackups(0))
	require.NoError(t, err)
	defer rf.Close()

	_, err = rf.Write([]byte("12345678"))
	require.NoError(t, err)
	_, err = rf.Write([]byte("abcdefgh"))
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(content))

	_, err = os.Stat(path + ".1")
	assert.True(t, os.IsNotExist(err))
}

func TestRotatingFile_CreatesDirectoryAndAppends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "metrics.log")

	rf, err := NewRotatingFile(path)
	require.NoError(t, err)
	_, err = rf.Write([]byte("first\n"))
	require.NoError(t, err)
	require.NoError(t, rf.Close())
	require.NoError(t, rf.Close())

	_, err = rf.Write([]byte("late"))
	require.Error(t, err)

	rf, err = NewRotatingFile(path)
	require.NoError(t, err)
	defer rf.Close()
	_, err = rf.Write([]byte("second\n"))
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(content))
	assert.Equal(t, path, rf.Path())
}
