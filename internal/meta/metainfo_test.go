package meta

import (
	"bytes"
	"crypto/sha1"
	"strings"
	"testing"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, v))
	return bytes.NewReader(buf.Bytes())
}

func piecesBlob(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		h := sha1.Sum([]byte{byte(i)})
		sb.Write(h[:])
	}
	return sb.String()
}

func TestParseSingleFile(t *testing.T) {
	info := map[string]any{
		"name":         "payload.bin",
		"piece length": int64(32768),
		"pieces":       piecesBlob(3),
		"length":       int64(70000),
	}
	m, err := Parse(encode(t, map[string]any{
		"announce": "http://tracker.example/announce",
		"info":     info,
	}))
	require.NoError(t, err)

	assert.Equal(t, "http://tracker.example/announce", m.Announce)
	assert.Equal(t, "payload.bin", m.Info.Name)
	assert.Equal(t, int64(32768), m.Info.PieceLength)
	assert.Equal(t, 3, m.NumPieces())
	assert.Equal(t, int64(70000), m.TotalLength())
	assert.Nil(t, m.Info.Files)

	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, info))
	assert.Equal(t, sha1.Sum(buf.Bytes()), m.InfoHash)

	entries := m.FileEntries("/tmp/dl")
	require.Len(t, entries, 1)
	assert.Equal(t, "/tmp/dl/payload.bin", entries[0].Path)
	assert.Equal(t, int64(70000), entries[0].Length)
}

func TestParseMultiFile(t *testing.T) {
	m, err := Parse(encode(t, map[string]any{
		"announce": "http://tracker.example/announce",
		"info": map[string]any{
			"name":         "bundle",
			"piece length": int64(16384),
			"pieces":       piecesBlob(2),
			"files": []any{
				map[string]any{"length": int64(10000), "path": []any{"a.bin"}},
				map[string]any{"length": int64(5000), "path": []any{"sub", "b.bin"}},
			},
		},
	}))
	require.NoError(t, err)

	assert.Equal(t, int64(15000), m.TotalLength())
	require.Len(t, m.Info.Files, 2)

	entries := m.FileEntries("/dl")
	require.Len(t, entries, 2)
	assert.Equal(t, "/dl/bundle/a.bin", entries[0].Path)
	assert.Equal(t, "/dl/bundle/sub/b.bin", entries[1].Path)
	assert.Equal(t, int64(5000), entries[1].Length)
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		doc  map[string]any
	}{
		{"no info", map[string]any{"announce": "x"}},
		{"no piece length", map[string]any{
			"info": map[string]any{
				"name": "x", "pieces": piecesBlob(1), "length": int64(1),
			},
		}},
		{"ragged pieces", map[string]any{
			"info": map[string]any{
				"name": "x", "piece length": int64(16384),
				"pieces": "short", "length": int64(1),
			},
		}},
		{"neither length nor files", map[string]any{
			"info": map[string]any{
				"name": "x", "piece length": int64(16384),
				"pieces": piecesBlob(1),
			},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(encode(t, tt.doc))
			assert.Error(t, err)
		})
	}
}
