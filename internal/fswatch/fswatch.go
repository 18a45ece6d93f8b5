package fswatch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 100 * time.Millisecond

// Watcher reports write and create events for a single file. The parent
// directory is watched so that editors replacing the file by rename and log
// rotation are both seen.
type Watcher struct {
	path    string
	fs      *fsnotify.Watcher
	changes chan struct{}
	errs    chan error
}

func New(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch directory: %w", err)
	}
	w := &Watcher{
		path:    path,
		fs:      fw,
		changes: make(chan struct{}, 1),
		errs:    make(chan error, 1),
	}
	go w.loop()
	return w, nil
}

// Changes is signalled at least once after every batch of modifications.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

func (w *Watcher) Errors() <-chan error {
	return w.errs
}

func (w *Watcher) Close() error {
	return w.fs.Close()
}

func (w *Watcher) loop() {
	defer close(w.changes)
	name := filepath.Base(w.path)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

// WatchFile calls onChange after path settles for debounce, until ctx is done.
func WatchFile(ctx context.Context, path string, debounce time.Duration, onChange func(), onError func(error)) error {
	w, err := New(path)
	if err != nil {
		return err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	go func() {
		defer w.Close()
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-w.Changes():
				if !ok {
					return
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, onChange)
			case err := <-w.Errors():
				if onError != nil {
					onError(err)
				}
			}
		}
	}()
	return nil
}
