//go:build !darwin && !linux

package storage

// Filesystem type detection is not implemented here; every path is treated as local.
func detectFilesystemType(string) (string, error) {
	return "local", nil
}
