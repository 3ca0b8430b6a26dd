package store

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// MemFS is an in-memory file store used by the tests; behavior mirrors
// OSFS, including the directory rejection.
type MemFS struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
}

// NewMemFS returns an empty in-memory store.
func NewMemFS() *MemFS {
	return &MemFS{files: map[string][]byte{}, dirs: map[string]bool{}}
}

// WriteFile seeds a file. Parent directories need not exist; no directory
// entries are created.
func (m *MemFS) WriteFile(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = append([]byte(nil), data...)
}

// Mkdir records a directory so Open can reject it.
func (m *MemFS) Mkdir(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[strings.TrimSuffix(path, "/")] = true
}

// ReadFile returns the current contents of path.
func (m *MemFS) ReadFile(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Open implements FS.
func (m *MemFS) Open(path string, mode Mode) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dirs[strings.TrimSuffix(path, "/")] {
		return nil, fmt.Errorf("open %s: is a directory", path)
	}

	switch mode {
	case Read:
		data, ok := m.files[path]
		if !ok {
			return nil, fmt.Errorf("open %s: file does not exist", path)
		}
		return &memFile{fs: m, path: path, data: append([]byte(nil), data...)}, nil
	case Write:
		m.files[path] = nil
		return &memFile{fs: m, path: path, writable: true}, nil
	}
	return nil, fmt.Errorf("open %s: unknown mode %d", path, mode)
}

type memFile struct {
	fs       *MemFS
	path     string
	data     []byte
	pos      int64
	writable bool
	closed   bool
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.pos >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	if !f.writable {
		return 0, fmt.Errorf("write %s: file opened read-only", f.path)
	}
	end := f.pos + int64(len(p))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[f.pos:], p)
	f.pos = end
	return len(p), nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		base = int64(len(f.data))
	default:
		return 0, fmt.Errorf("seek %s: invalid whence %d", f.path, whence)
	}
	pos := base + offset
	if pos < 0 {
		return 0, fmt.Errorf("seek %s: negative position", f.path)
	}
	f.pos = pos
	return pos, nil
}

func (f *memFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return f.Sync()
}

func (f *memFile) Position() int64 { return f.pos }
func (f *memFile) Size() int64     { return int64(len(f.data)) }

func (f *memFile) Sync() error {
	if f.writable {
		f.fs.mu.Lock()
		f.fs.files[f.path] = append([]byte(nil), f.data...)
		f.fs.mu.Unlock()
	}
	return nil
}
