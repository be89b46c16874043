package buffer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// DefaultSpoolMemoryLimit is the in-memory size above which a spool moves to disk.
const DefaultSpoolMemoryLimit = 8 * 1024 * 1024

// SpoolConfig represents spool configuration.
type SpoolConfig struct {
	MemoryLimit int64  `yaml:"memory_limit"`
	Dir         string `yaml:"dir"` // empty means os.TempDir()
}

// Spool accumulates the content of a file being written. It starts in memory
// and spills to a temporary file once MemoryLimit is exceeded. A Spool
// supports sequential and positional writes.
type Spool struct {
	mu     sync.Mutex
	config SpoolConfig
	mem    []byte
	file   *os.File
	size   int64
	closed bool
}

// NewSpool creates an empty spool.
func NewSpool(config *SpoolConfig) *Spool {
	cfg := SpoolConfig{MemoryLimit: DefaultSpoolMemoryLimit}
	if config != nil {
		cfg = *config
		if cfg.MemoryLimit <= 0 {
			cfg.MemoryLimit = DefaultSpoolMemoryLimit
		}
	}
	return &Spool{config: cfg}
}

// Write appends p.
func (s *Spool) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAt(p, s.size)
}

// WriteAt writes p at off, zero-filling any gap past the current end.
func (s *Spool) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAt(p, off)
}

func (s *Spool) writeAt(p []byte, off int64) (int, error) {
	if s.closed {
		return 0, os.ErrClosed
	}
	end := off + int64(len(p))
	if s.file == nil && end > s.config.MemoryLimit {
		if err := s.spill(); err != nil {
			return 0, err
		}
	}

	if s.file != nil {
		n, err := s.file.WriteAt(p, off)
		if end := off + int64(n); end > s.size {
			s.size = end
		}
		return n, err
	}

	if end > int64(len(s.mem)) {
		grown := make([]byte, end, max(end, 2*int64(cap(s.mem))))
		copy(grown, s.mem)
		s.mem = grown
	}
	copy(s.mem[off:], p)
	if end > s.size {
		s.size = end
	}
	return len(p), nil
}

// spill moves the in-memory content into a temporary file.
func (s *Spool) spill() error {
	f, err := os.CreateTemp(s.config.Dir, "boxfs-spool-*")
	if err != nil {
		return fmt.Errorf("failed to create spool file: %w", err)
	}
	if _, err := f.Write(s.mem[:s.size]); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("failed to spill spool to disk: %w", err)
	}
	s.file = f
	s.mem = nil
	return nil
}

// Truncate changes the spool size.
func (s *Spool) Truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("negative size %d", size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}

	if s.file != nil {
		if err := s.file.Truncate(size); err != nil {
			return err
		}
	} else if size <= int64(len(s.mem)) {
		clear(s.mem[size:])
		s.mem = s.mem[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, s.mem)
		s.mem = grown
	}
	s.size = size
	return nil
}

// Size returns the number of bytes held.
func (s *Spool) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// OnDisk reports whether the spool has spilled to a temporary file.
func (s *Spool) OnDisk() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file != nil
}

// Reader returns a reader over the current content. The reader is only valid
// until the next write or Close.
func (s *Spool) Reader() (io.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, os.ErrClosed
	}
	if s.file != nil {
		return io.NewSectionReader(s.file, 0, s.size), nil
	}
	return bytes.NewReader(s.mem[:s.size]), nil
}

// Close releases memory and removes the temporary file, if any.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.mem = nil
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	if rmErr := os.Remove(name); rmErr != nil && err == nil {
		err = rmErr
	}
	s.file = nil
	return err
}
