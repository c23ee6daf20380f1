package persist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuplicateKeyTakesLast(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.conf")

	f := &File{}
	f.Set("crc_errors", "1")
	f.Set("crc_errors", "2")
	require.NoError(t, f.WriteTo(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	v, ok := loaded.Get("crc_errors")
	require.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestUnknownLinesPreservedAcrossRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.conf")

	f := &File{}
	f.lines = append(f.lines,
		line{raw: "# a comment"},
		line{raw: ""},
		line{name: "crc_errors", value: "7"},
	)
	require.NoError(t, f.WriteTo(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.lines, 3)
	assert.Equal(t, "# a comment", loaded.lines[0].raw)
	v, ok := loaded.Get("crc_errors")
	require.True(t, ok)
	assert.Equal(t, "7", v)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	require.NoError(t, err)
	_, ok := f.Get("crc_errors")
	assert.False(t, ok)
}

func TestCRCCounterIncrementAndFlush(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rs485.conf")

	c, err := LoadCRCCounter(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.Count())

	c.Increment()
	c.Increment()
	require.NoError(t, c.Flush())

	reloaded, err := LoadCRCCounter(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), reloaded.Count())
}
