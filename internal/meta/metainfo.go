package meta

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	bencode "github.com/jackpal/bencode-go"

	"github.com/prxssh/warren/internal/fileio"
)

// File is one payload file of a multi-file torrent, path segments unsplit.
type File struct {
	Path   []string
	Length int64
}

// Info is the decoded info dictionary.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      [][sha1.Size]byte
	Length      int64
	Files       []*File
}

// Metainfo is a decoded .torrent file.
type Metainfo struct {
	Announce string
	InfoHash [sha1.Size]byte
	Info     Info
}

var ErrBadMetainfo = errors.New("meta: malformed torrent file")

// Load reads and parses a .torrent file.
func Load(path string) (*Metainfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}

// Parse decodes a .torrent stream. The info hash is computed by
// re-marshaling the info dictionary, which bencode-go emits with sorted keys
// — canonical form, matching any well-formed torrent.
func Parse(r io.Reader) (*Metainfo, error) {
	raw, err := bencode.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("meta: %w", err)
	}

	top, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrBadMetainfo
	}

	m := &Metainfo{}
	m.Announce, _ = top["announce"].(string)

	infoRaw, ok := top["info"].(map[string]any)
	if !ok {
		return nil, ErrBadMetainfo
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, infoRaw); err != nil {
		return nil, fmt.Errorf("meta: hash info: %w", err)
	}
	m.InfoHash = sha1.Sum(buf.Bytes())

	m.Info.Name, _ = infoRaw["name"].(string)

	pieceLength, ok := infoRaw["piece length"].(int64)
	if !ok || pieceLength <= 0 {
		return nil, ErrBadMetainfo
	}
	m.Info.PieceLength = pieceLength

	pieces, ok := infoRaw["pieces"].(string)
	if !ok || len(pieces)%sha1.Size != 0 || len(pieces) == 0 {
		return nil, ErrBadMetainfo
	}
	for i := 0; i < len(pieces); i += sha1.Size {
		var h [sha1.Size]byte
		copy(h[:], pieces[i:i+sha1.Size])
		m.Info.Pieces = append(m.Info.Pieces, h)
	}

	if length, ok := infoRaw["length"].(int64); ok {
		m.Info.Length = length
		return m, nil
	}

	filesRaw, ok := infoRaw["files"].([]any)
	if !ok || len(filesRaw) == 0 {
		return nil, ErrBadMetainfo
	}
	for _, fr := range filesRaw {
		fd, ok := fr.(map[string]any)
		if !ok {
			return nil, ErrBadMetainfo
		}
		length, ok := fd["length"].(int64)
		if !ok || length < 0 {
			return nil, ErrBadMetainfo
		}
		pathRaw, ok := fd["path"].([]any)
		if !ok || len(pathRaw) == 0 {
			return nil, ErrBadMetainfo
		}
		var segs []string
		for _, p := range pathRaw {
			seg, ok := p.(string)
			if !ok {
				return nil, ErrBadMetainfo
			}
			segs = append(segs, seg)
		}
		m.Info.Files = append(m.Info.Files, &File{Path: segs, Length: length})
	}

	return m, nil
}

// TotalLength returns the payload size across all files.
func (m *Metainfo) TotalLength() int64 {
	if m.Info.Files == nil {
		return m.Info.Length
	}

	var total int64
	for _, f := range m.Info.Files {
		total += f.Length
	}
	return total
}

// NumPieces returns the piece count.
func (m *Metainfo) NumPieces() int { return len(m.Info.Pieces) }

// FileEntries lays the payload files out under baseDir, in torrent order.
func (m *Metainfo) FileEntries(baseDir string) []fileio.FileEntry {
	if m.Info.Files == nil {
		return []fileio.FileEntry{{
			Path:   filepath.Join(baseDir, m.Info.Name),
			Length: m.Info.Length,
		}}
	}

	entries := make([]fileio.FileEntry, 0, len(m.Info.Files))
	for _, f := range m.Info.Files {
		parts := append([]string{baseDir, m.Info.Name}, f.Path...)
		entries = append(entries, fileio.FileEntry{
			Path:   filepath.Join(parts...),
			Length: f.Length,
		})
	}
	return entries
}
