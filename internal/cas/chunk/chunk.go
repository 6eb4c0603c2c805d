// Package chunk implements content-defined chunking over a rolling hash, so
// large artifacts shift-resistantly split into cacheable pieces: inserting
// a single byte near the start of a multi-gigabyte artifact only changes
// the chunk boundaries near the edit, not the whole file's chunk layout.
//
// Grounded on distri's squashfs block-splitting (internal/squashfs/writer.go
// splits file data into fixed-size blocks for compression), generalized
// from fixed-size blocks to content-defined boundaries so re-uploading an
// artifact that only changed in one place reuses every unaffected chunk.
// The rolling-hash scan works directly on the input slice; the separate
// Buffer helper hands out a github.com/orcaman/writerseeker in-memory
// seekable buffer for callers that need one.
package chunk

import (
	"io"

	"github.com/orcaman/writerseeker"
)

const (
	// windowSize is the Rabin rolling-hash window, in bytes.
	windowSize = 64
	// Average target chunk size is 2^averageBits bytes (64KiB).
	averageBits = 16
	minChunk    = 16 * 1024
	maxChunk    = 4 * 1024 * 1024

	polynomial uint64 = 0xbfe6b8a5bf378d83
)

// Chunk is one content-defined slice of a larger artifact.
type Chunk struct {
	Data   []byte
	Offset int64
}

// Split reads all of r and returns its content-defined chunks.
func Split(r io.Reader) ([]Chunk, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return SplitBytes(data), nil
}

// SplitBytes is Split without the io.Reader indirection, useful when the
// caller already holds the artifact in memory.
func SplitBytes(data []byte) []Chunk {
	if len(data) == 0 {
		return nil
	}

	var chunks []Chunk
	start := 0
	var h rollingHash
	h.reset()

	for i := 0; i < len(data); i++ {
		h.roll(data[i])
		size := i - start + 1
		if size < minChunk {
			continue
		}
		boundary := h.value&((1<<averageBits)-1) == 0
		if boundary || size >= maxChunk {
			chunks = append(chunks, Chunk{Data: data[start : i+1], Offset: int64(start)})
			start = i + 1
			h.reset()
		}
	}
	if start < len(data) {
		chunks = append(chunks, Chunk{Data: data[start:], Offset: int64(start)})
	}
	return chunks
}

// rollingHash implements a Rabin-style polynomial rolling hash over the
// trailing windowSize bytes.
type rollingHash struct {
	value uint64
	window [windowSize]byte
	pos    int
	filled int
}

func (h *rollingHash) reset() {
	*h = rollingHash{}
}

var polyPowWindow = pow(polynomial, windowSize)

func (h *rollingHash) roll(b byte) {
	out := h.window[h.pos]
	h.window[h.pos] = b
	h.pos = (h.pos + 1) % windowSize
	if h.filled < windowSize {
		h.filled++
	}
	h.value = h.value*polynomial + uint64(b) - uint64(out)*polyPowWindow
}

func pow(base uint64, exp int) uint64 {
	result := uint64(1)
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Buffer returns a fresh in-memory seekable buffer used to stage chunk
// bytes before they are handed to the CAS store, avoiding an extra copy
// through a temp file for small artifacts.
func Buffer() *writerseeker.WriterSeeker {
	return &writerseeker.WriterSeeker{}
}
