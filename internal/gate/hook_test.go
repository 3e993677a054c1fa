package gate

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTcpdumpHookWritesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	h, err := OpenTcpdumpHook("tcpdump", 0, path)
	require.NoError(t, err)

	view := &IGateView{Module: "dst", Index: 0}
	h.Process(view, 32)
	h.Process(view, 7)
	require.NoError(t, h.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, 32)
	assert.Equal(t, uint64(32), binary.LittleEndian.Uint64(data[8:16]))
	assert.Equal(t, uint64(7), binary.LittleEndian.Uint64(data[24:32]))
}

func TestTcpdumpHookCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	h, err := OpenTcpdumpHook("tcpdump", 0, path)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	// A closed hook swallows writes rather than crashing the worker.
	h.Process(&IGateView{Module: "dst", Index: 0}, 1)
}

func TestOpenTcpdumpHookMissingPath(t *testing.T) {
	_, err := OpenTcpdumpHook("tcpdump", 0, filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
