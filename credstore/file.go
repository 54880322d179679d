package credstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// FileBackend stores each key as its own file under Dir. Writes go through a
// temporary file and a rename so readers never observe a partial token.
type FileBackend struct {
	Dir string
}

// NewFileBackend returns a FileBackend rooted at dir.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{Dir: dir}
}

func (f *FileBackend) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, ".") || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("invalid credential key %q", key)
	}
	return filepath.Join(f.Dir, key), nil
}

func (f *FileBackend) Get(_ context.Context, key string) (string, error) {
	p, err := f.path(key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (f *FileBackend) Set(_ context.Context, key, value string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	tmp, err := os.CreateTemp(f.Dir, "."+key+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary credential file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write credential: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close credential file: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

func (f *FileBackend) Delete(_ context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// FileBus turns file system notifications on a FileBackend directory into
// changes. Other processes writing the same directory are the publishers, so
// Publish does nothing.
type FileBus struct {
	Dir string
}

// NewFileBus returns a FileBus watching dir.
func NewFileBus(dir string) *FileBus {
	return &FileBus{Dir: dir}
}

func (b *FileBus) Publish(context.Context, Change) error { return nil }

func (b *FileBus) Subscribe(_ context.Context, fn func(Change)) (func(), error) {
	if err := os.MkdirAll(b.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create watched directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(b.Dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", b.Dir, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if change, ok := b.changeFor(event); ok {
					fn(change)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Str("dir", b.Dir).Msg("Credential watcher error")
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			watcher.Close()
			<-done
		})
	}, nil
}

// changeFor reads the current content of the file behind event. Temporary
// files (dot-prefixed) are ignored.
func (b *FileBus) changeFor(event fsnotify.Event) (Change, bool) {
	key := filepath.Base(event.Name)
	if strings.HasPrefix(key, ".") {
		return Change{}, false
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return Change{}, false
	}

	data, err := os.ReadFile(event.Name)
	if errors.Is(err, os.ErrNotExist) {
		return Change{Key: key, Deleted: true}, true
	}
	if err != nil {
		log.Warn().Err(err).Str("file", event.Name).Msg("Failed to read changed credential file")
		return Change{}, false
	}
	return Change{Key: key, Value: strings.TrimSpace(string(data))}, true
}
