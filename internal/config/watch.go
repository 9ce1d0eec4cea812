// SPDX-License-Identifier:Apache-2.0

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

const (
	watchErrInitBackoff = time.Second
	watchErrMaxBackoff  = 30 * time.Second
)

// fsWatcher is the subset of *fsnotify.Watcher the config watcher uses.
type fsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type notifyWatcher struct {
	*fsnotify.Watcher
}

func (w notifyWatcher) Events() <-chan fsnotify.Event { return w.Watcher.Events }
func (w notifyWatcher) Errors() <-chan error          { return w.Watcher.Errors }

// Watch calls onChange with the new configuration each time the file at
// path changes and still parses, until ctx is done. Invalid revisions
// are logged and skipped.
func Watch(ctx context.Context, l log.Logger, path string, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating config watcher")
	}
	return watch(ctx, l, notifyWatcher{w}, path, onChange)
}

func watch(ctx context.Context, l log.Logger, w fsWatcher, path string, onChange func(*Config)) error {
	defer w.Close()

	path = filepath.Clean(path)
	// Watch the directory: editors and configmap mounts replace the file
	// rather than writing it in place.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return errors.Wrapf(err, "watching %q", path)
	}

	backoff := watchErrInitBackoff
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			backoff = watchErrInitBackoff
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				level.Error(l).Log("op", "reloadConfig", "path", path, "error", err, "msg", "ignoring invalid config")
				continue
			}
			level.Info(l).Log("op", "reloadConfig", "path", path, "virtualNetworks", len(cfg.VirtualNetworks), "msg", "config reloaded")
			onChange(cfg)

		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			level.Warn(l).Log("op", "watchConfig", "error", err, "backoff", backoff, "msg", "config watcher error")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > watchErrMaxBackoff {
				backoff = watchErrMaxBackoff
			}
		}
	}
}
