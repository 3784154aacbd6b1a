package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSocketBindsAndListens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.socket")
	f, err := CreateSocket(path)
	require.NoError(t, err)
	defer f.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestCreateSocketReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.socket")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0644))

	f, err := CreateSocket(path)
	require.NoError(t, err)
	defer f.Close()
}
