// Package sender implements the producer side of the streaming-upload
// coordinator: slicing captured frames into transmit-sized pieces, gating
// transmission on the channel's outstanding-unsent bytes, and driving the
// session lifecycle against the ingest server.
package sender

import (
	"fmt"
	"iter"
)

// Slice splits frame into consecutive pieces of at most chunkSize bytes,
// in order, whose concatenation equals frame exactly. The sequence is lazy
// and restartable; pieces alias frame rather than copying it. A chunkSize
// of 0 means "unset" and yields the single unsliced frame; a zero-length
// frame yields nothing. A negative chunkSize is a programmer error.
func Slice(frame []byte, chunkSize int) iter.Seq[[]byte] {
	if chunkSize < 0 {
		panic(fmt.Sprintf("sender: negative chunk size %d", chunkSize))
	}
	return func(yield func([]byte) bool) {
		if len(frame) == 0 {
			return
		}
		if chunkSize == 0 {
			yield(frame)
			return
		}
		for off := 0; off < len(frame); off += chunkSize {
			end := min(off+chunkSize, len(frame))
			if !yield(frame[off:end]) {
				return
			}
		}
	}
}
