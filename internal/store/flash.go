package store

import (
	"fmt"
	"os"
)

// Flash abstracts the raw page primitives beneath the record store. The
// store depends on offsets only; erase semantics (all bytes 0xFF) match
// NOR flash so the same discipline works on a real part.
type Flash interface {
	ReadAt(p []byte, off int64) error
	WriteAt(p []byte, off int64) error
	EraseRegion(off, size int64) error
	Size() int64
}

// FileFlash is a file-backed flash region for Linux-class deployments
type FileFlash struct {
	f    *os.File
	size int64
}

// OpenFileFlash opens (creating if absent) a fixed-size backing file
func OpenFileFlash(path string, size int64) (*FileFlash, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open flash file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat flash file: %w", err)
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("size flash file: %w", err)
		}
	}

	return &FileFlash{f: f, size: size}, nil
}

// ReadAt fills p from the region at off
func (ff *FileFlash) ReadAt(p []byte, off int64) error {
	if off+int64(len(p)) > ff.size {
		return fmt.Errorf("read beyond flash region: off %d len %d", off, len(p))
	}
	if _, err := ff.f.ReadAt(p, off); err != nil {
		return fmt.Errorf("flash read: %w", err)
	}
	return nil
}

// WriteAt programs p at off and syncs the file, so a torn write after a
// power cut looks the same as on a real part: a prefix made it, the rest
// did not.
func (ff *FileFlash) WriteAt(p []byte, off int64) error {
	if off+int64(len(p)) > ff.size {
		return fmt.Errorf("write beyond flash region: off %d len %d", off, len(p))
	}
	if _, err := ff.f.WriteAt(p, off); err != nil {
		return fmt.Errorf("flash write: %w", err)
	}
	if err := ff.f.Sync(); err != nil {
		return fmt.Errorf("flash sync: %w", err)
	}
	return nil
}

// EraseRegion resets the region to the erased state (0xFF)
func (ff *FileFlash) EraseRegion(off, size int64) error {
	blank := make([]byte, size)
	for i := range blank {
		blank[i] = 0xFF
	}
	return ff.WriteAt(blank, off)
}

// Size returns the region size in bytes
func (ff *FileFlash) Size() int64 {
	return ff.size
}

// Close closes the backing file
func (ff *FileFlash) Close() error {
	return ff.f.Close()
}
