package wire

import (
	"bytes"
	"testing"
)

func TestUint32RoundTrip(t *testing.T) {
	for _, n := range []uint32{0, 1, 255, 256, 50000, 1 << 24, 1<<32 - 1} {
		b := Uint32Bytes(n)
		if len(b) != 4 {
			t.Fatalf("Uint32Bytes(%d) produced %d bytes", n, len(b))
		}
		if got := ToUint32(b); got != n {
			t.Fatalf("ToUint32(Uint32Bytes(%d)) = %d", n, got)
		}
	}
}

func TestPayloadLayouts(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"choke", Choke(), []byte{0}},
		{"unchoke", Unchoke(), []byte{1}},
		{"interested", Interested(), []byte{2}},
		{"not interested", NotInterested(), []byte{3}},
		{"have", Have(2), []byte{4, 0, 0, 0, 2}},
		{"bitfield", BitfieldMsg([]byte{0xC0}), []byte{5, 0xC0}},
		{"request", Request(1, 5, 6), []byte{6, 0, 0, 0, 1, 0, 0, 0, 5, 0, 0, 0, 6}},
		{"piece", Piece(1, 2, []byte("abc")), append([]byte{7, 0, 0, 0, 1, 0, 0, 0, 2}, "abc"...)},
		{"cancel", Cancel(2, 3, 4), []byte{8, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !bytes.Equal(tt.got, tt.want) {
				t.Errorf("payload = %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestParseHave(t *testing.T) {
	if idx, ok := ParseHave(Have(7)); !ok || idx != 7 {
		t.Fatalf("ParseHave = %d, %v", idx, ok)
	}
	if _, ok := ParseHave([]byte{4}); ok {
		t.Fatal("short HAVE must not parse")
	}
	if _, ok := ParseHave(append(Have(7), 0)); ok {
		t.Fatal("long HAVE must not parse")
	}
}

func TestParseIndexTriple(t *testing.T) {
	idx, begin, length, ok := ParseIndexTriple(Request(1, 2, 3))
	if !ok || idx != 1 || begin != 2 || length != 3 {
		t.Fatalf("ParseIndexTriple = %d,%d,%d,%v", idx, begin, length, ok)
	}

	if _, _, _, ok := ParseIndexTriple(Request(1, 2, 3)[:12]); ok {
		t.Fatal("12-byte REQUEST must not parse")
	}
	if _, _, _, ok := ParseIndexTriple(append(Request(1, 2, 3), 0)); ok {
		t.Fatal("14-byte REQUEST must not parse")
	}
}

func TestParsePiece(t *testing.T) {
	idx, begin, block, ok := ParsePiece(Piece(3, 16384, []byte("xy")))
	if !ok || idx != 3 || begin != 16384 || string(block) != "xy" {
		t.Fatalf("ParsePiece = %d,%d,%q,%v", idx, begin, block, ok)
	}

	if _, _, _, ok := ParsePiece(Piece(3, 0, nil)); ok {
		t.Fatal("empty-block PIECE must not parse")
	}
}
