package lichess

import "bytes"

// LineBuffer reassembles newline delimited records from arbitrary chunks.
// A record split across chunks is held until its newline arrives.
type LineBuffer struct {
	pending []byte
}

// Feed appends chunk and returns every complete, non-blank line, trimmed.
func (b *LineBuffer) Feed(chunk []byte) [][]byte {
	b.pending = append(b.pending, chunk...)
	var out [][]byte
	for {
		i := bytes.IndexByte(b.pending, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(b.pending[:i])
		if len(line) > 0 {
			out = append(out, append([]byte(nil), line...))
		}
		b.pending = b.pending[i+1:]
	}
	if len(b.pending) == 0 {
		b.pending = nil
	}
	return out
}

// Flush returns whatever is left once the stream ends.
func (b *LineBuffer) Flush() []byte {
	line := bytes.TrimSpace(b.pending)
	b.pending = nil
	if len(line) == 0 {
		return nil
	}
	return append([]byte(nil), line...)
}

// Buffered is the size of the incomplete tail.
func (b *LineBuffer) Buffered() int { return len(b.pending) }
