package fileio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// FileEntry declares one payload file: its path and final byte length.
type FileEntry struct {
	Path   string
	Length int64
}

// OpenMode selects how the backend opens a file.
type OpenMode int

const (
	// ReadOnly opens an existing file for reading.
	ReadOnly OpenMode = iota
	// ReadWrite opens an existing file for reading and writing.
	ReadWrite
	// Create creates (or truncates) a file for reading and writing.
	Create
)

// FS is the filesystem collaborator. The default implementation is OSFS;
// tests substitute an in-memory one.
type FS interface {
	Open(path string, mode OpenMode) (Handle, error)
	Exists(path string) bool
	Size(path string) (int64, error)
}

// Handle is an open file.
type Handle interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

type interval struct {
	begin, end int64
	path       string
}

// Storage maps a single contiguous byte space onto an ordered list of files.
// Zero-length files are created empty and never appear in the index.
type Storage struct {
	ranges      []interval
	begins      []int64
	totalLength int64
	fs          FS
	handles     map[string]Handle
	writable    map[string]bool
	tops        map[string]int64
}

// New opens (creating where missing) every file and builds the interval
// index. Files larger than their declared length are truncated; the size each
// existing file had before truncation is remembered for preallocation checks.
func New(files []FileEntry, fs FS) (*Storage, error) {
	s := &Storage{
		fs:       fs,
		handles:  make(map[string]Handle),
		writable: make(map[string]bool),
		tops:     make(map[string]int64),
	}

	var total int64
	for _, f := range files {
		if f.Length != 0 {
			s.ranges = append(s.ranges, interval{begin: total, end: total + f.Length, path: f.Path})
			total += f.Length
		} else if !fs.Exists(f.Path) {
			h, err := fs.Open(f.Path, Create)
			if err != nil {
				return nil, fmt.Errorf("create %s: %w", f.Path, err)
			}
			if err := h.Close(); err != nil {
				return nil, err
			}
		}
	}

	s.begins = make([]int64, len(s.ranges))
	for i, r := range s.ranges {
		s.begins[i] = r.begin
	}
	s.totalLength = total

	for _, f := range files {
		if f.Length == 0 {
			continue
		}

		if fs.Exists(f.Path) {
			size, err := fs.Size(f.Path)
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", f.Path, err)
			}

			if size != f.Length {
				h, err := fs.Open(f.Path, ReadWrite)
				if err != nil {
					return nil, fmt.Errorf("open %s: %w", f.Path, err)
				}
				s.handles[f.Path] = h
				s.writable[f.Path] = true
				if size > f.Length {
					if err := h.Truncate(f.Length); err != nil {
						return nil, fmt.Errorf("truncate %s: %w", f.Path, err)
					}
				}
			} else {
				h, err := fs.Open(f.Path, ReadOnly)
				if err != nil {
					return nil, fmt.Errorf("open %s: %w", f.Path, err)
				}
				s.handles[f.Path] = h
			}
			// The file existed with this size even if just truncated.
			s.tops[f.Path] = size
		} else {
			h, err := fs.Open(f.Path, Create)
			if err != nil {
				return nil, fmt.Errorf("create %s: %w", f.Path, err)
			}
			s.handles[f.Path] = h
			s.writable[f.Path] = true
		}
	}

	return s, nil
}

// TotalLength returns the size of the byte space.
func (s *Storage) TotalLength() int64 { return s.totalLength }

// WasPreallocated reports whether every file overlapping [pos, pos+length)
// already covered its part of the range when the storage was opened.
func (s *Storage) WasPreallocated(pos, length int64) bool {
	for _, iv := range s.intervals(pos, length) {
		if s.tops[iv.path] < iv.end {
			return false
		}
	}
	return true
}

// intervals resolves [pos, pos+amount) to per-file (begin, end) ranges, in
// order. Offsets are relative to each file.
func (s *Storage) intervals(pos, amount int64) []interval {
	var r []interval
	stop := pos + amount

	p := sort.Search(len(s.begins), func(i int) bool { return s.begins[i] > pos }) - 1
	if p < 0 {
		p = 0
	}
	for ; p < len(s.ranges) && s.ranges[p].begin < stop; p++ {
		iv := s.ranges[p]
		r = append(r, interval{
			begin: max(pos, iv.begin) - iv.begin,
			end:   min(iv.end, stop) - iv.begin,
			path:  iv.path,
		})
	}

	return r
}

// Read returns the amount bytes at pos. Regions no file has grown to cover
// yet read as zero bytes.
func (s *Storage) Read(pos, amount int64) ([]byte, error) {
	out := make([]byte, amount)
	off := int64(0)

	for _, iv := range s.intervals(pos, amount) {
		h := s.handles[iv.path]
		n := iv.end - iv.begin
		if _, err := h.ReadAt(out[off:off+n], iv.begin); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read %s: %w", iv.path, err)
		}
		off += n
	}

	return out, nil
}

// Write stores b at pos, upgrading read-only handles to read-write on first
// touch.
func (s *Storage) Write(pos int64, b []byte) error {
	total := int64(0)

	for _, iv := range s.intervals(pos, int64(len(b))) {
		if !s.writable[iv.path] {
			if err := s.handles[iv.path].Close(); err != nil {
				return fmt.Errorf("close %s: %w", iv.path, err)
			}
			h, err := s.fs.Open(iv.path, ReadWrite)
			if err != nil {
				return fmt.Errorf("reopen %s: %w", iv.path, err)
			}
			s.handles[iv.path] = h
			s.writable[iv.path] = true
		}

		n := iv.end - iv.begin
		if _, err := s.handles[iv.path].WriteAt(b[total:total+n], iv.begin); err != nil {
			return fmt.Errorf("write %s: %w", iv.path, err)
		}
		total += n
	}

	return nil
}

// SetReadonly flushes and downgrades every write handle.
func (s *Storage) SetReadonly() error {
	for path, w := range s.writable {
		if !w {
			continue
		}

		old := s.handles[path]
		if err := old.Sync(); err != nil {
			return fmt.Errorf("flush %s: %w", path, err)
		}
		if err := old.Close(); err != nil {
			return fmt.Errorf("close %s: %w", path, err)
		}

		h, err := s.fs.Open(path, ReadOnly)
		if err != nil {
			return fmt.Errorf("reopen %s: %w", path, err)
		}
		s.handles[path] = h
		s.writable[path] = false
	}

	return nil
}

// Close releases every handle.
func (s *Storage) Close() error {
	var firstErr error
	for _, h := range s.handles {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OSFS is the production FS over the real filesystem. Parent directories are
// created as needed.
type OSFS struct{}

func (OSFS) Open(path string, mode OpenMode) (Handle, error) {
	if mode == Create {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	switch mode {
	case ReadOnly:
		return os.Open(path)
	case ReadWrite:
		return os.OpenFile(path, os.O_RDWR, 0o644)
	default:
		return os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	}
}

func (OSFS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (OSFS) Size(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
