package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore wraps a MemoryStore (for the queryable index and hash
// chain) with a durable, daily-rotated JSON-lines append log under
// dir/audit-YYYY-MM-DD.log. Writes are buffered and flushed either
// every flushEvery interval or once bufferSize entries accumulate, whichever
// comes first.
type FileStore struct {
	*MemoryStore

	dir         string
	bufferSize  int
	flushEvery  time.Duration

	mu        sync.Mutex
	file      *os.File
	writer    *bufio.Writer
	fileDate  string
	pending   int
	closeOnce sync.Once
	stopFlush chan struct{}
}

// NewFileStore opens (creating if needed) dir for daily-rotated audit
// logs and starts a background flush ticker. bufferSize <= 0 defaults
// to 100 entries; flushEvery <= 0 defaults to 5s.
func NewFileStore(dir string, bufferSize int, flushEvery time.Duration) (*FileStore, error) {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushEvery <= 0 {
		flushEvery = 5 * time.Second
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}

	fs := &FileStore{
		MemoryStore: NewMemoryStore(nil),
		dir:         dir,
		bufferSize:  bufferSize,
		flushEvery:  flushEvery,
		stopFlush:   make(chan struct{}),
	}
	go fs.flushLoop()
	return fs, nil
}

// Record appends e to the in-memory hash chain and the current day's
// log file, flushing immediately if the buffer threshold is reached.
func (fs *FileStore) Record(e *Entry) (*Entry, error) {
	stored, err := fs.MemoryStore.Record(e)
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureFileLocked(stored.Timestamp); err != nil {
		return stored, fmt.Errorf("audit: %w", err)
	}
	line, err := json.Marshal(stored)
	if err != nil {
		return stored, err
	}
	if _, err := fs.writer.Write(append(line, '\n')); err != nil {
		return stored, err
	}
	fs.pending++
	if fs.pending >= fs.bufferSize {
		err = fs.flushLocked()
	}
	return stored, err
}

func (fs *FileStore) ensureFileLocked(t time.Time) error {
	date := t.UTC().Format("2006-01-02")
	if fs.file != nil && fs.fileDate == date {
		return nil
	}
	if fs.file != nil {
		if err := fs.flushLocked(); err != nil {
			return err
		}
		if err := fs.file.Close(); err != nil {
			return err
		}
	}
	path := filepath.Join(fs.dir, "audit-"+date+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	fs.file = f
	fs.writer = bufio.NewWriter(f)
	fs.fileDate = date
	return nil
}

func (fs *FileStore) flushLocked() error {
	if fs.writer == nil {
		return nil
	}
	if err := fs.writer.Flush(); err != nil {
		return err
	}
	fs.pending = 0
	return fs.file.Sync()
}

// Flush forces any buffered entries to disk.
func (fs *FileStore) Flush() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.flushLocked()
}

func (fs *FileStore) flushLoop() {
	ticker := time.NewTicker(fs.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fs.mu.Lock()
			_ = fs.flushLocked()
			fs.mu.Unlock()
		case <-fs.stopFlush:
			return
		}
	}
}

// Close flushes remaining entries and stops the background flusher.
func (fs *FileStore) Close() error {
	var err error
	fs.closeOnce.Do(func() {
		close(fs.stopFlush)
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if fs.writer != nil {
			err = fs.flushLocked()
		}
		if fs.file != nil {
			if cerr := fs.file.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
