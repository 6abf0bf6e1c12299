package kiwibnc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/irc.v3"
)

func escapeFilename(unsafe string) string {
	if unsafe == "." {
		return "-"
	} else if unsafe == ".." {
		return "--"
	}
	return strings.NewReplacer("/", "-", "\\", "-").Replace(unsafe)
}

// fsMessageStore is an on-disk store, one log file per (user, network,
// entity, date), with human-readable `[HH:MM:SS] <line>` entries.
type fsMessageStore struct {
	root string

	mu    sync.Mutex
	files map[string]*os.File
}

func newFSMessageStore(root string) (*fsMessageStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create message store directory: %v", err)
	}
	return &fsMessageStore{root: root, files: make(map[string]*os.File)}, nil
}

func (ms *fsMessageStore) logPath(userID, networkID int64, entity string, t time.Time) string {
	filename := t.Format("2006-01-02") + ".log"
	return filepath.Join(ms.root,
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(networkID, 10),
		escapeFilename(entity),
		filename)
}

func (ms *fsMessageStore) openFile(path string) (*os.File, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if f, ok := ms.files[path]; ok {
		return f, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	ms.files[path] = f
	return f, nil
}

func (ms *fsMessageStore) Append(userID, networkID int64, entity string, msg *irc.Message) error {
	now := time.Now()
	path := ms.logPath(userID, networkID, entity, now)
	f, err := ms.openFile(path)
	if err != nil {
		return fmt.Errorf("failed to open message log: %v", err)
	}

	line := fmt.Sprintf("[%s] %v\n", now.Format("15:04:05"), msg)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to write message log: %v", err)
	}
	return nil
}

func (ms *fsMessageStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var firstErr error
	for path, f := range ms.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(ms.files, path)
	}
	return firstErr
}
