package pipeline

import (
	"strconv"
	"strings"
)

// rechunkMs is the outbound chunk duration for PCM formats. Provider chunk
// sizes vary wildly; re-slicing keeps client playback buffers predictable.
const rechunkMs = 300

// rechunker re-slices a PCM byte stream into fixed-duration pieces. For
// compressed formats, where byte offsets are not frame boundaries, it passes
// provider chunks through untouched.
type rechunker struct {
	size int
	buf  []byte
}

// newRechunker derives the piece size from the synthesis format. Formats
// named "pcm_<rate>" are 16-bit mono at that rate; anything else disables
// re-slicing.
func newRechunker(format string) *rechunker {
	rate, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return &rechunker{}
	}
	hz, err := strconv.Atoi(rate)
	if err != nil || hz <= 0 {
		return &rechunker{}
	}
	size := hz * 2 * rechunkMs / 1000
	// Keep sample alignment.
	size -= size % 2
	return &rechunker{size: size}
}

// push appends data and returns every complete piece now available.
func (r *rechunker) push(data []byte) [][]byte {
	if r.size == 0 {
		if len(data) == 0 {
			return nil
		}
		return [][]byte{data}
	}
	r.buf = append(r.buf, data...)
	var out [][]byte
	for len(r.buf) >= r.size {
		piece := make([]byte, r.size)
		copy(piece, r.buf[:r.size])
		out = append(out, piece)
		r.buf = r.buf[r.size:]
	}
	return out
}

// flush returns whatever is buffered, which may be shorter than one piece.
func (r *rechunker) flush() []byte {
	if len(r.buf) == 0 {
		return nil
	}
	tail := r.buf
	r.buf = nil
	return tail
}
