package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/offlineweb/pkg/cache"
)

func seed(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	good, err := cache.EncodeURL("http://example.com/good?q=1")
	require.NoError(t, err)
	bad, err := cache.EncodeURL("http://example.com/bad")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, good.Host), 0o755))
	require.NoError(t, os.WriteFile(good.BodyPath(root), []byte("body"), 0o644))
	require.NoError(t, os.WriteFile(good.HeaderPath(root), []byte(`{"content-type":"text/plain"}`), 0o644))
	require.NoError(t, os.WriteFile(bad.HeaderPath(root), []byte(`{}`), 0o644))
	return root
}

func TestList(t *testing.T) {
	root := seed(t)
	var out bytes.Buffer
	require.Equal(t, 0, run([]string{"list", "-response-cache", root}, &out))
	assert.Contains(t, out.String(), "/good?q=1")
	assert.Contains(t, out.String(), "example.com")

	out.Reset()
	require.Equal(t, 0, run([]string{"list", "-response-cache", root, "-incomplete", "-json"}, &out))
	var entries []cache.Entry
	require.NoError(t, json.Unmarshal(out.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "/bad", entries[0].RequestURI())
	assert.False(t, entries[0].HasBody)
}

func TestPrune(t *testing.T) {
	root := seed(t)
	var out bytes.Buffer
	require.Equal(t, 0, run([]string{"prune", "-response-cache", root, "-dry-run"}, &out))
	assert.Contains(t, out.String(), "incomplete example.com/bad")

	require.Equal(t, 0, run([]string{"prune", "-response-cache", root}, &out))
	inv, err := cache.New(root, nil).Scan()
	require.NoError(t, err)
	require.Len(t, inv.Entries, 1)
	assert.True(t, inv.Entries[0].Complete())
}

func TestUsage(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, 2, run(nil, &out))
	assert.Equal(t, 2, run([]string{"explode"}, &out))
	assert.Equal(t, 2, run([]string{"list", "-bogus"}, &out))
}
