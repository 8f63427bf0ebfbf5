// Package jobs runs long computations out of the request path and exposes their
// completion as a cheap, non-blocking check.
//
// A Signal is the only thing the rest of the core sees of a background job. It
// comes in two flavours that behave identically to callers: a Future resolved
// by a worker goroutine, and an Artifact that watches for a result file dropped
// on a filesystem by a worker or a detached process.
package jobs

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/hack-pad/hackpadfs"
)

// Signal is a one-shot completion signal.
//
// Done never blocks. Take may only be called after Done returned true; it
// returns the result or the error the computation failed with.
type Signal[T any] interface {
	Done() bool
	Take() (T, error)
}

// Future is a Signal resolved in-process.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve completes the future. Only the first call has an effect.
func (f *Future[T]) Resolve(value T, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

func (f *Future[T]) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Future[T]) Take() (T, error) {
	<-f.done
	return f.value, f.err
}

// Artifact is a Signal that polls a filesystem for a result file.
//
// The producer writes Path when it succeeds or FailPath(Path) when it fails.
// Both are written atomically (temp file + rename), so an existing file is
// always complete.
type Artifact[T any] struct {
	FS     hackpadfs.FS
	Path   string
	Decode func([]byte) (T, error)
}

// FailPath is where a producer records the failure of the artifact at path.
func FailPath(path string) string {
	return path + ".failed"
}

func (a *Artifact[T]) Done() bool {
	return exists(a.FS, a.Path) || exists(a.FS, FailPath(a.Path))
}

func (a *Artifact[T]) Take() (T, error) {
	var zero T
	if msg, err := hackpadfs.ReadFile(a.FS, FailPath(a.Path)); err == nil {
		return zero, errors.New(strings.TrimSpace(string(msg)))
	}
	data, err := hackpadfs.ReadFile(a.FS, a.Path)
	if err != nil {
		return zero, fmt.Errorf("failed to read artifact %s: %w", a.Path, err)
	}
	value, err := a.Decode(data)
	if err != nil {
		return zero, fmt.Errorf("failed to decode artifact %s: %w", a.Path, err)
	}
	return value, nil
}

// Dispose removes the artifact and its failure marker.
func (a *Artifact[T]) Dispose() error {
	for _, p := range []string{a.Path, FailPath(a.Path)} {
		if err := hackpadfs.Remove(a.FS, p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove artifact %s: %w", p, err)
		}
	}
	return nil
}

// WriteArtifact stores data at path so that readers never observe a partial file.
func WriteArtifact(fsys hackpadfs.FS, path string, data []byte) error {
	tmp := path + ".tmp"
	if err := hackpadfs.WriteFullFile(fsys, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := hackpadfs.Rename(fsys, tmp, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}

// WriteFailure records cause as the failure of the artifact at path.
func WriteFailure(fsys hackpadfs.FS, path string, cause error) error {
	return WriteArtifact(fsys, FailPath(path), []byte(cause.Error()))
}

func exists(fsys hackpadfs.FS, path string) bool {
	_, err := hackpadfs.Stat(fsys, path)
	return err == nil
}
