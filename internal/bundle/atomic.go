package bundle

import (
	"os"
	"path/filepath"

	"gitlab.com/tozd/go/errors"
)

// writeFileAtomic replaces path with data. The file is written to a temp file
// in the same directory, fsynced and renamed, then the directory is fsynced.
// On failure the previous content (if any) is untouched and no temp file
// remains.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return errors.Errorf("write temp file: %w", err)
	}
	if err := f.Chmod(perm); err != nil {
		return errors.Errorf("chmod temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return errors.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return errors.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Errorf("rename temp file: %w", err)
	}
	return syncDir(dir)
}

// commitFile fsyncs tmp, renames it to path and fsyncs the directory.
func commitFile(tmp, path string) error {
	if err := syncFile(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Errorf("rename %s: %w", filepath.Base(tmp), err)
	}
	return syncDir(filepath.Dir(path))
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return errors.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return errors.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Errorf("open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Errorf("sync dir: %w", err)
	}
	return nil
}
