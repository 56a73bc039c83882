package process

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/sentinelsec/sentinel/internal/infra/protocol"
)

const streamBufferSize = 64 << 10

// lineStream reads newline-delimited records from a worker's stdout with a
// hard per-line byte ceiling. An oversized line is consumed and discarded in
// full so the stream stays aligned on record boundaries.
type lineStream struct {
	r     *bufio.Reader
	limit int
	buf   []byte
}

func newLineStream(r io.Reader, limit int) *lineStream {
	return &lineStream{
		r:     bufio.NewReaderSize(r, streamBufferSize),
		limit: limit,
	}
}

// next returns the next complete line without its trailing newline. Blank
// lines are skipped. When a line exceeds the limit the remainder is drained
// and protocol.ErrOversizedLine returned; the next call resumes at the
// following line. io.EOF signals a cleanly exhausted stream; a final unterminated
// line is still returned before EOF.
func (ls *lineStream) next() ([]byte, error) {
	for {
		line, err := ls.readLine()
		if err != nil {
			return nil, err
		}
		if len(line) > 0 {
			return line, nil
		}
	}
}

func (ls *lineStream) readLine() ([]byte, error) {
	ls.buf = ls.buf[:0]
	for {
		chunk, err := ls.r.ReadSlice('\n')
		ls.buf = append(ls.buf, chunk...)

		switch {
		case err == nil:
			line := bytes.TrimRight(ls.buf, "\r\n")
			if len(line) > ls.limit {
				return nil, protocol.ErrOversizedLine
			}
			return line, nil

		case errors.Is(err, bufio.ErrBufferFull):
			if len(ls.buf) > ls.limit {
				if derr := ls.discardRestOfLine(); derr != nil {
					return nil, derr
				}
				return nil, protocol.ErrOversizedLine
			}

		case errors.Is(err, io.EOF):
			if line := bytes.TrimRight(ls.buf, "\r\n"); len(line) > 0 {
				if len(line) > ls.limit {
					return nil, protocol.ErrOversizedLine
				}
				return line, nil
			}
			return nil, io.EOF

		default:
			return nil, err
		}
	}
}

// discardRestOfLine consumes input up to and including the next newline.
func (ls *lineStream) discardRestOfLine() error {
	for {
		_, err := ls.r.ReadSlice('\n')
		switch {
		case err == nil:
			return nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return io.EOF
		default:
			return err
		}
	}
}
