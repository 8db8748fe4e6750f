package zab

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test040_epoch_store_roundtrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileAcceptedEpochStore(dir)
	require.NoError(t, err)
	defer s.Close()

	// a fresh store reads back epoch 0.
	e, err := s.GetAcceptedEpoch()
	require.NoError(t, err)
	require.Equal(t, int64(0), e)

	require.NoError(t, s.SetAcceptedEpoch(5))
	require.NoError(t, s.SetCurrentEpoch(5))

	e, err = s.GetAcceptedEpoch()
	require.NoError(t, err)
	require.Equal(t, int64(5), e)
	e, err = s.GetCurrentEpoch()
	require.NoError(t, err)
	require.Equal(t, int64(5), e)

	// survives a reopen.
	s2, err := NewFileAcceptedEpochStore(dir)
	require.NoError(t, err)
	defer s2.Close()
	e, err = s2.GetAcceptedEpoch()
	require.NoError(t, err)
	require.Equal(t, int64(5), e)
}

func Test041_epoch_store_detects_corruption(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileAcceptedEpochStore(dir)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.SetAcceptedEpoch(9))

	// flip the recorded epoch without updating the sum.
	path := filepath.Join(dir, "acceptedEpoch")
	by, err := os.ReadFile(path)
	require.NoError(t, err)
	by[0] = '8'
	require.NoError(t, os.WriteFile(path, by, 0644))

	_, err = s.GetAcceptedEpoch()
	require.Error(t, err)
	require.Contains(t, err.Error(), "corrupt")
}
