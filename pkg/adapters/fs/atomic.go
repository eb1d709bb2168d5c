package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aretw0/fragmenta/pkg/core"
)

// TempFilePrefix marks staged files. Bucket scans and the spool watcher
// skip them.
const TempFilePrefix = "fragmenta-tmp-"

// stageFile writes data to a synced temp file beside filename and returns
// its name. The caller commits it and removes the name afterwards.
func stageFile(filename string, data []byte, perm os.FileMode) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(filename), TempFilePrefix+"*")
	if err != nil {
		return "", fmt.Errorf("failed to stage %s: %w", filepath.Base(filename), err)
	}
	name := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(name, perm)
	}
	if err != nil {
		os.Remove(name)
		return "", fmt.Errorf("failed to stage %s: %w", filepath.Base(filename), err)
	}
	return name, nil
}

// writeFileAtomic replaces filename in one rename, so a concurrent reader
// sees either the previous bucket or the new one.
func writeFileAtomic(filename string, data []byte, perm os.FileMode) error {
	tmp, err := stageFile(filename, data, perm)
	if err != nil {
		return err
	}
	defer os.Remove(tmp) // no-op once renamed

	if err := os.Rename(tmp, filename); err != nil {
		return fmt.Errorf("failed to commit %s: %w", filename, err)
	}
	return nil
}

// createFileAtomic publishes filename only if it does not exist yet,
// across processes: the staged file is hard-linked into place, and the
// link fails on an existing name. It returns core.ErrDuplicate then.
func createFileAtomic(filename string, data []byte, perm os.FileMode) error {
	tmp, err := stageFile(filename, data, perm)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, filename); err != nil {
		if errors.Is(err, os.ErrExist) {
			return core.ErrDuplicate
		}
		return fmt.Errorf("failed to create %s: %w", filename, err)
	}
	return nil
}
