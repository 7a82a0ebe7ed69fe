package manifest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/patchward/internal/logger"
)

// Follower tails a manifest file and delivers new records as they are
// appended by running agents. Used by the CLI's follow mode.
type Follower struct {
	path    string
	watcher *fsnotify.Watcher
	offset  int64
}

// NewFollower creates a follower positioned at the current end of the
// manifest, so only records appended after this call are delivered.
func NewFollower(path string) (*Follower, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest watcher: %w", err)
	}

	// Watch the directory: the manifest file itself may not exist yet.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch manifest directory: %w", err)
	}

	f := &Follower{path: path, watcher: watcher}
	if info, err := os.Stat(path); err == nil {
		f.offset = info.Size()
	}
	return f, nil
}

// Close stops the follower.
func (f *Follower) Close() error {
	return f.watcher.Close()
}

// Follow blocks, invoking fn for each appended record until the context is
// cancelled or the watcher fails.
func (f *Follower) Follow(ctx context.Context, fn func(*Record)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-f.watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != f.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := f.drain(fn); err != nil {
				logger.Warn("manifest follower: %v", err)
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("manifest watcher error: %w", err)
		}
	}
}

// drain reads records appended since the last offset.
func (f *Follower) drain(fn func(*Record)) error {
	file, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return err
	}

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// A partial line stays unconsumed until the trailing
			// newline arrives.
			break
		}
		f.offset += int64(len(line))

		var rec Record
		if jsonErr := json.Unmarshal(line, &rec); jsonErr != nil {
			logger.Warn("manifest follower: skipping corrupt record: %v", jsonErr)
			continue
		}
		fn(&rec)
	}
	return nil
}
