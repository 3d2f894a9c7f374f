package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounce = 50 * time.Millisecond

// watchDir returns a watcher on dir, or nil when fsnotify is unavailable.
// Callers fall back to polling.
func watchDir(dir string) *fsnotify.Watcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("jobs: fsnotify unavailable, polling", "error", err)
		return nil
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		slog.Debug("jobs: cannot watch job dir, polling", "dir", dir, "error", err)
		return nil
	}
	return w
}

// changes merges debounced fsnotify events and a polling ticker into one
// channel. It stops when ctx is done.
func (r *Runner) changes(ctx context.Context, dir string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	notify := func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	poll := r.pollInterval * 10
	if poll < time.Second {
		poll = time.Second
	}

	go func() {
		w := watchDir(dir)
		var events <-chan fsnotify.Event
		var errs <-chan error
		if w != nil {
			defer w.Close()
			events, errs = w.Events, w.Errors
		}

		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		timer := time.NewTimer(0)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				timer.Reset(debounce)
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				slog.Debug("jobs: watcher error", "error", err)
			case <-timer.C:
				notify()
			case <-ticker.C:
				notify()
			}
		}
	}()
	return ch
}

// Wait blocks until the job reaches a terminal state or ctx is done.
func (r *Runner) Wait(ctx context.Context, id string) (*Info, error) {
	info, err := r.JobStatus(id)
	if err != nil {
		return nil, err
	}
	if info.Status.Terminal() {
		return info, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := r.changes(ctx, r.jobDir(id))

	for {
		select {
		case <-ctx.Done():
			return info, ctx.Err()
		case <-ch:
		}
		info, err = r.JobStatus(id)
		if err != nil {
			return nil, err
		}
		if info.Status.Terminal() {
			return info, nil
		}
	}
}

// FollowLogs copies the job's output to w as it grows until the job
// finishes and its log is drained, or ctx is done.
func (r *Runner) FollowLogs(ctx context.Context, id string, w io.Writer) error {
	if _, err := readMeta(r.jobDir(id)); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := r.changes(ctx, r.jobDir(id))

	var offset int64
	for {
		n, err := copyFrom(r.LogPath(id), offset, w)
		if err != nil {
			return err
		}
		offset += n

		info, err := r.JobStatus(id)
		if err != nil {
			return err
		}
		if info.Status.Terminal() {
			_, err := copyFrom(r.LogPath(id), offset, w)
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// copyFrom writes the bytes of path after offset to w.
func copyFrom(path string, offset int64, w io.Writer) (int64, error) {
	f, err := os.Open(path) //nolint:gosec // path is derived from the job id
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek log: %w", err)
	}
	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("copy log: %w", err)
	}
	return n, nil
}
