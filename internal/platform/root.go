package platform

import (
	"errors"
	"os"
	"path/filepath"
)

// StreamFileName is the stream definition looked up by FindRoot.
const StreamFileName = "fragmenta.yaml"

// ErrRootNotFound is returned when no directory up to the filesystem root
// holds a stream file.
var ErrRootNotFound = errors.New("root not found")

// FindRoot walks upwards from startDir and returns the absolute path of
// the first directory containing fragmenta.yaml.
func FindRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if hasFile(dir, StreamFileName) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrRootNotFound
		}
		dir = parent
	}
}

func hasFile(dir, name string) bool {
	info, err := os.Stat(filepath.Join(dir, name))
	return err == nil && !info.IsDir()
}
