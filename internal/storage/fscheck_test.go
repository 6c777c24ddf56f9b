package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedFS(name string) func(string) (string, error) {
	return func(string) (string, error) { return name, nil }
}

func TestCheckFilesystem(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "journal.db")

	cases := []struct {
		name    string
		fs      string
		wantErr bool
	}{
		{name: "local ext4 magic", fs: "0xef53"},
		{name: "local apfs", fs: "apfs"},
		{name: "nfs", fs: "nfs", wantErr: true},
		{name: "smb uppercase", fs: "SMBFS", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := checkFilesystem(dbPath, fixedFS(tc.fs))
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrNetworkFilesystem))
				assert.Contains(t, err.Error(), "state.path")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCheckFilesystemInspectsNearestExistingParent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	err := checkFilesystem(filepath.Join(root, "a", "b", "journal.db"), func(p string) (string, error) {
		inspected = p
		return "apfs", nil
	})
	require.NoError(t, err)
	assert.Equal(t, root, inspected)
}

func TestCheckFilesystemMemory(t *testing.T) {
	t.Parallel()
	assert.NoError(t, checkFilesystem(":memory:", fixedFS("nfs")))
}

func TestCheckLocalFilesystemTempDir(t *testing.T) {
	t.Parallel()
	assert.NoError(t, CheckLocalFilesystem(filepath.Join(t.TempDir(), "journal.db")))
}
