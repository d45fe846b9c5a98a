package archive

import (
	"bytes"

	"github.com/basekick-labs/keepsake/internal/backuperr"
)

// LineSplitter reassembles newline-terminated lines from arbitrarily split
// fragments. Only complete lines are returned; the remainder is held until the
// next fragment or Flush.
type LineSplitter struct {
	buf []byte
	max int
}

// NewLineSplitter creates a splitter that fails once a pending line grows past max bytes.
func NewLineSplitter(max int) *LineSplitter {
	return &LineSplitter{max: max}
}

// Push appends frag and returns every line it completed, without terminators.
func (s *LineSplitter) Push(frag []byte) ([][]byte, error) {
	s.buf = append(s.buf, frag...)

	var lines [][]byte
	start := 0
	for {
		i := bytes.IndexByte(s.buf[start:], '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(s.buf[start:start+i], []byte{'\r'})
		lines = append(lines, bytes.Clone(line))
		start += i + 1
	}
	if start > 0 {
		n := copy(s.buf, s.buf[start:])
		s.buf = s.buf[:n]
	}
	if s.max > 0 && len(s.buf) > s.max {
		return lines, backuperr.New(backuperr.KindCorruptedArchive, "archive line exceeds %d bytes", s.max)
	}
	return lines, nil
}

// Flush returns whatever partial line is still buffered.
func (s *LineSplitter) Flush() []byte {
	rest := bytes.TrimSuffix(s.buf, []byte{'\r'})
	s.buf = nil
	if len(rest) == 0 {
		return nil
	}
	return bytes.Clone(rest)
}
