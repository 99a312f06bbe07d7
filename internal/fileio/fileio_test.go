package fileio

import (
	"bytes"
	"io"
	"sort"
	"testing"
)

// memFS is an in-memory FS for tests.
type memFS struct {
	files map[string]*[]byte
}

func newMemFS(seed map[string]string) *memFS {
	fs := &memFS{files: make(map[string]*[]byte)}
	for path, content := range seed {
		b := []byte(content)
		fs.files[path] = &b
	}
	return fs
}

type memHandle struct {
	data *[]byte
}

func (fs *memFS) Open(path string, mode OpenMode) (Handle, error) {
	data, ok := fs.files[path]
	if !ok || mode == Create {
		b := []byte{}
		data = &b
		fs.files[path] = data
	}
	return &memHandle{data: data}, nil
}

func (fs *memFS) Exists(path string) bool {
	_, ok := fs.files[path]
	return ok
}

func (fs *memFS) Size(path string) (int64, error) {
	return int64(len(*fs.files[path])), nil
}

func (h *memHandle) ReadAt(p []byte, off int64) (int, error) {
	data := *h.data
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (h *memHandle) WriteAt(p []byte, off int64) (int, error) {
	data := *h.data
	if need := off + int64(len(p)); need > int64(len(data)) {
		grown := make([]byte, need)
		copy(grown, data)
		data = grown
	}
	copy(data[off:], p)
	*h.data = data
	return len(p), nil
}

func (h *memHandle) Truncate(size int64) error {
	data := *h.data
	if size < int64(len(data)) {
		*h.data = data[:size]
	}
	return nil
}

func (h *memHandle) Sync() error { return nil }

func (h *memHandle) Close() error { return nil }

func mustNew(t *testing.T, files []FileEntry, fs FS) *Storage {
	t.Helper()
	s, err := New(files, fs)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func read(t *testing.T, s *Storage, pos, n int64) []byte {
	t.Helper()
	b, err := s.Read(pos, n)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func write(t *testing.T, s *Storage, pos int64, b string) {
	t.Helper()
	if err := s.Write(pos, []byte(b)); err != nil {
		t.Fatal(err)
	}
}

func TestSimple(t *testing.T) {
	fs := newMemFS(nil)
	s := mustNew(t, []FileEntry{{"a", 5}}, fs)

	write(t, s, 0, "abc")
	if got := read(t, s, 0, 3); string(got) != "abc" {
		t.Fatalf("read = %q", got)
	}
	write(t, s, 2, "abc")
	if got := read(t, s, 2, 3); string(got) != "abc" {
		t.Fatalf("read = %q", got)
	}
	write(t, s, 1, "abc")
	if got := read(t, s, 0, 5); string(got) != "aabcc" {
		t.Fatalf("read = %q", got)
	}
}

func TestMultipleFiles(t *testing.T) {
	fs := newMemFS(nil)
	s := mustNew(t, []FileEntry{{"a", 5}, {"2", 4}, {"c", 3}}, fs)

	paths := make([]string, 0, len(fs.files))
	for p := range fs.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	want := []string{"2", "a", "c"}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("files = %v, want %v", paths, want)
		}
	}

	write(t, s, 3, "abc")
	if got := read(t, s, 3, 3); string(got) != "abc" {
		t.Fatalf("read = %q", got)
	}
	write(t, s, 5, "ab")
	if got := read(t, s, 4, 3); string(got) != "bab" {
		t.Fatalf("read = %q", got)
	}
	write(t, s, 3, "pqrstuvw")
	if got := read(t, s, 3, 8); string(got) != "pqrstuvw" {
		t.Fatalf("read = %q", got)
	}
	write(t, s, 3, "abcdef")
	if got := read(t, s, 3, 7); string(got) != "abcdefv" {
		t.Fatalf("read = %q", got)
	}
}

func TestZeroLengthFileCreated(t *testing.T) {
	fs := newMemFS(nil)
	mustNew(t, []FileEntry{{"a", 0}}, fs)

	if !fs.Exists("a") {
		t.Fatal("zero-length file must be created")
	}
	if n, _ := fs.Size("a"); n != 0 {
		t.Fatalf("size = %d, want 0", n)
	}
}

func TestWriteSpanningZeroLengthFile(t *testing.T) {
	fs := newMemFS(nil)
	s := mustNew(t, []FileEntry{{"a", 3}, {"b", 0}, {"c", 3}}, fs)

	write(t, s, 2, "abc")
	if got := read(t, s, 2, 3); string(got) != "abc" {
		t.Fatalf("read = %q", got)
	}
	if n, _ := fs.Size("b"); n != 0 {
		t.Fatalf("zero-length file grew to %d", n)
	}
}

func TestResume(t *testing.T) {
	fs := newMemFS(map[string]string{"a": "abc"})
	s := mustNew(t, []FileEntry{{"a", 4}}, fs)

	if got := read(t, s, 0, 3); string(got) != "abc" {
		t.Fatalf("read = %q", got)
	}
}

func TestMixedResume(t *testing.T) {
	fs := newMemFS(map[string]string{"b": "abc"})
	s := mustNew(t, []FileEntry{{"a", 3}, {"b", 4}}, fs)

	if got := read(t, s, 3, 3); string(got) != "abc" {
		t.Fatalf("read = %q", got)
	}
}

func TestTruncatesOversizedFile(t *testing.T) {
	fs := newMemFS(map[string]string{"a": "abcdefgh"})
	s := mustNew(t, []FileEntry{{"a", 4}}, fs)

	if n, _ := fs.Size("a"); n != 4 {
		t.Fatalf("size after truncate = %d, want 4", n)
	}
	// The pre-truncation size still counts for preallocation.
	if !s.WasPreallocated(0, 4) {
		t.Fatal("truncated file should read as preallocated")
	}
}

func TestWasPreallocated(t *testing.T) {
	fs := newMemFS(map[string]string{"a": "abcd"})
	s := mustNew(t, []FileEntry{{"a", 4}, {"b", 4}}, fs)

	if !s.WasPreallocated(0, 4) {
		t.Fatal("fully existing file should be preallocated")
	}
	if s.WasPreallocated(2, 4) {
		t.Fatal("range spilling into missing file must not be preallocated")
	}
	if s.WasPreallocated(4, 2) {
		t.Fatal("missing file must not be preallocated")
	}
}

func TestReadOfUnwrittenRangeIsZero(t *testing.T) {
	fs := newMemFS(nil)
	s := mustNew(t, []FileEntry{{"a", 4}}, fs)

	if got := read(t, s, 0, 4); !bytes.Equal(got, make([]byte, 4)) {
		t.Fatalf("read = %v, want zeros", got)
	}
}
