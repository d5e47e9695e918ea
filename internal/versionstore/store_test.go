package versionstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auto-dns/fblaster/internal/compose"
)

func TestLoadAbsentReturnsNoneWithoutError(t *testing.T) {
	dir := t.TempDir()
	entries, ok, err := Load(dir)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, entries)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	refs := []compose.ImageRef{
		{Registry: "reg:7420", Image: "dog-image", Tag: "10.0.1"},
		{Registry: "reg:7420", Image: "cat-image", Tag: "10.0.0"},
	}

	require.NoError(t, Save(dir, refs))

	entries, ok, err := Load(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, entries, 2)

	got := map[string]string{}
	for _, e := range entries {
		got[e.Registry+"|"+e.Image] = e.Tag
	}
	assert.Equal(t, "10.0.1", got["reg:7420|dog-image"])
	assert.Equal(t, "10.0.0", got["reg:7420|cat-image"])
}

func TestLoadRejectsMalformedEntry(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeFile(dir, fileName, "- registry: reg:7420\n  image: dog-image\n"))

	_, _, err := Load(dir)
	require.Error(t, err)
	var ferr *FileError
	require.ErrorAs(t, err, &ferr)
}

func TestReconcileNeverIntroducesNewImages(t *testing.T) {
	initial := []compose.ImageRef{
		{Registry: "reg:7420", Image: "cat-image", Tag: "10.0.0"},
	}
	loaded := []Entry{
		{Registry: "reg:7420", Image: "cat-image", Tag: "10.0.2"},
		{Registry: "reg:7420", Image: "unrelated-image", Tag: "1.0.0"},
	}

	reconciled := Reconcile(initial, loaded)
	require.Len(t, reconciled, 1)
	assert.Equal(t, "10.0.2", reconciled[0].Tag)
}

func TestReconcileFallsBackWhenNoMatch(t *testing.T) {
	initial := []compose.ImageRef{
		{Registry: "reg:7420", Image: "cat-image", Tag: "10.0.0"},
	}
	reconciled := Reconcile(initial, nil)
	require.Len(t, reconciled, 1)
	assert.Equal(t, "10.0.0", reconciled[0].Tag)
}

func writeFile(dir, name, contents string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644)
}
