package sender

import (
	"bytes"
	"testing"
)

func TestSliceConcatenation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		inputLen   int
		chunkSize  int
		wantPieces int
	}{
		{"exact multiple", 1024, 256, 4},
		{"remainder", 1000, 256, 4},
		{"chunk larger than input", 100, 256, 1},
		{"single byte chunks", 5, 1, 5},
		{"unset chunk size", 1000, 0, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			input := make([]byte, tc.inputLen)
			for i := range input {
				input[i] = byte(i)
			}

			var pieces int
			var concat []byte
			for piece := range Slice(input, tc.chunkSize) {
				if tc.chunkSize > 0 && len(piece) > tc.chunkSize {
					t.Errorf("piece %d has %d bytes, want <= %d", pieces, len(piece), tc.chunkSize)
				}
				pieces++
				concat = append(concat, piece...)
			}

			if pieces != tc.wantPieces {
				t.Errorf("pieces: got %d, want %d", pieces, tc.wantPieces)
			}
			if !bytes.Equal(concat, input) {
				t.Error("concatenated pieces do not equal input")
			}
		})
	}
}

func TestSliceEmptyInput(t *testing.T) {
	t.Parallel()

	for piece := range Slice(nil, 16) {
		t.Fatalf("unexpected piece of %d bytes for empty input", len(piece))
	}
	for piece := range Slice([]byte{}, 0) {
		t.Fatalf("unexpected piece of %d bytes for empty input", len(piece))
	}
}

func TestSliceRestartable(t *testing.T) {
	t.Parallel()

	input := []byte("hello world")
	seq := Slice(input, 4)

	count := func() int {
		n := 0
		for range seq {
			n++
		}
		return n
	}
	if first, second := count(), count(); first != second {
		t.Errorf("second iteration yielded %d pieces, first yielded %d", second, first)
	}
}

func TestSliceEarlyBreak(t *testing.T) {
	t.Parallel()

	n := 0
	for range Slice(make([]byte, 100), 10) {
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Errorf("got %d pieces before break, want 3", n)
	}
}

func TestSliceNegativeChunkSizePanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("expected panic for negative chunk size")
		}
	}()
	Slice([]byte("data"), -1)
}
