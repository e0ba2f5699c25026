package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// File is a Store persisted as one JSON object per file. Reads are served
// from memory; every write replaces the file atomically (temp file, fsync,
// rename). One process-wide lock serializes writers.
type File struct {
	mu     sync.RWMutex
	path   string
	data   map[string]json.RawMessage
	closed bool
}

// FileOption configures OpenFile.
type FileOption func(*fileOptions)

type fileOptions struct {
	onCorrupt CorruptFunc
	now       func() time.Time
}

// WithOnCorrupt registers a callback for quarantined files.
func WithOnCorrupt(fn CorruptFunc) FileOption {
	return func(o *fileOptions) { o.onCorrupt = fn }
}

// withClock overrides the quarantine timestamp source.
func withClock(now func() time.Time) FileOption {
	return func(o *fileOptions) { o.now = now }
}

// OpenFile loads path into memory. A missing file is an empty store. A file
// that does not parse is renamed <path>.corrupt.<timestamp> and the store
// starts empty; only I/O failures are returned as errors.
func OpenFile(path string, opts ...FileOption) (*File, error) {
	o := fileOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	f := &File{path: path, data: make(map[string]json.RawMessage)}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("kv: read %s: %w", path, err)
	}

	if len(raw) == 0 {
		return f, nil
	}
	perr := json.Unmarshal(raw, &f.data)
	if perr == nil && f.data == nil {
		perr = errors.New("top-level value is not an object")
	}
	if perr != nil {
		f.data = make(map[string]json.RawMessage)
		quarantine := fmt.Sprintf("%s.corrupt.%s", path, o.now().UTC().Format("20060102T150405"))
		if err := os.Rename(path, quarantine); err != nil {
			return nil, fmt.Errorf("kv: quarantine %s: %w", path, err)
		}
		slog.Error("kv store corrupt, quarantined",
			"path", path,
			"quarantine", quarantine,
			"error", perr,
		)
		if o.onCorrupt != nil {
			o.onCorrupt(path, quarantine, perr)
		}
	}
	return f, nil
}

// Path returns the backing file.
func (f *File) Path() string { return f.path }

func (f *File) Get(key string, v any) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false, ErrClosed
	}
	raw, ok := f.data[key]
	if !ok {
		return false, nil
	}
	return true, decode(key, raw, v)
}

func (f *File) Put(key string, v any) error {
	raw, err := encode(key, v)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	prev, had := f.data[key]
	f.data[key] = raw
	if err := f.flushLocked(); err != nil {
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	prev, had := f.data[key]
	if !had {
		return nil
	}
	delete(f.data, key)
	if err := f.flushLocked(); err != nil {
		f.data[key] = prev
		return err
	}
	return nil
}

func (f *File) Keys() ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *File) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// flushLocked writes the whole map next to the target and renames it into
// place. Caller holds f.mu.
func (f *File) flushLocked() error {
	out, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return fmt.Errorf("kv: marshal %s: %w", f.path, err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("kv: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("kv: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("kv: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("kv: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("kv: close temp: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return fmt.Errorf("kv: replace %s: %w", f.path, err)
	}
	return nil
}
