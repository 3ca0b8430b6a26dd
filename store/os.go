package store

import (
	"fmt"
	"os"
)

// OSFS is the operating-system-backed file store.
type OSFS struct{}

// Open opens path according to mode. Directories are rejected in both
// modes; a transfer session has no business with them.
func (OSFS) Open(path string, mode Mode) (File, error) {
	switch mode {
	case Read:
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("open %s: is a directory", path)
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		return &osFile{f: f, size: info.Size()}, nil

	case Write:
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return nil, fmt.Errorf("open %s: is a directory", path)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		return &osFile{f: f, tracked: true}, nil
	}
	return nil, fmt.Errorf("open %s: unknown mode %d", path, mode)
}

type osFile struct {
	f       *os.File
	size    int64
	pos     int64
	tracked bool // size follows writes
}

func (o *osFile) Read(p []byte) (int, error) {
	n, err := o.f.Read(p)
	o.pos += int64(n)
	return n, err
}

func (o *osFile) Write(p []byte) (int, error) {
	n, err := o.f.Write(p)
	o.pos += int64(n)
	if o.tracked && o.pos > o.size {
		o.size = o.pos
	}
	return n, err
}

func (o *osFile) Seek(offset int64, whence int) (int64, error) {
	pos, err := o.f.Seek(offset, whence)
	if err == nil {
		o.pos = pos
	}
	return pos, err
}

func (o *osFile) Close() error    { return o.f.Close() }
func (o *osFile) Position() int64 { return o.pos }
func (o *osFile) Size() int64     { return o.size }
func (o *osFile) Sync() error     { return o.f.Sync() }
