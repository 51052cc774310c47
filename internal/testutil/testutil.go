// Package testutil provides an in-memory hypervisor backend and network stack
// for vzcli tests. Both count the calls made to them.
package testutil

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// WriteFile writes data to path, creating parent directories.
func WriteFile(t *testing.T, path string, data []byte) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// CreateTestDisk creates a sparse file of sizeMB mebibytes at path.
// The file is created as a sparse file, so it doesn't actually allocate all the space.
func CreateTestDisk(t *testing.T, path string, sizeMB int64) {
	t.Helper()

	WriteFile(t, path, nil)
	if err := os.Truncate(path, sizeMB*1024*1024); err != nil {
		t.Fatalf("failed to truncate test disk to %d MiB: %v", sizeMB, err)
	}
}

// ListDir returns the sorted names in dir.
func ListDir(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read %s: %v", dir, err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	sort.Strings(names)
	return names
}
