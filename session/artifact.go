package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// artifact is the file holding the submitted source text for the duration of one run.
// It is deleted exactly once.
type artifact struct {
	path   string
	remove func(string) error

	once sync.Once
	err  error
}

func writeArtifact(dir, name, source string, remove func(string) error) (*artifact, error) {
	path := filepath.Join(dir, name)
	// O_EXCL: a name collision must never clobber another session's artifact
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating artifact: %w", err)
	}
	a := &artifact{path: path, remove: remove}
	_, err = f.WriteString(source)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		a.Remove()
		return nil, fmt.Errorf("writing artifact %q: %w", path, err)
	}
	return a, nil
}

// Remove deletes the artifact. Only the first call touches the filesystem, later calls return its result.
func (a *artifact) Remove() error {
	a.once.Do(func() {
		a.err = a.remove(a.path)
	})
	return a.err
}
