package smtp

import (
	"bufio"
	"bytes"
	"io"
)

var dotcrlf = []byte(".\r\n")

// DataReader is an io.Reader that reads message data from an SMTP DATA
// command, undoing dot stuffing and returning io.EOF when the terminating
// CRLF "." CRLF sequence is seen. Use NewDataReader.
//
// The reader is binary-safe: bare carriage returns and bare newlines in the
// data pass through unchanged, and can never be mistaken for the terminator,
// which requires a full CRLF on both sides of the dot. Undoing the stuffing
// of a leading dot is the only transformation applied.
type DataReader struct {
	r           *bufio.Reader
	plast, last byte
	buf         []byte // Remaining data from previous read.
	err         error  // Read error, for after buf is exhausted.
}

// NewDataReader returns an initialized DataReader.
func NewDataReader(r *bufio.Reader) *DataReader {
	return &DataReader{
		r: r,
		// Initial state is start-of-line, so a message consisting of only the
		// terminating dot is valid.
		plast: '\r',
		last:  '\n',
	}
}

// Read implements io.Reader.
func (r *DataReader) Read(p []byte) (int, error) {
	wrote := 0
	for len(p) > 0 {
		// Read until newline, as long as it fits the bufio buffer. Lines longer
		// than the buffer come through in multiple chunks, only the first chunk
		// of a line is checked for the terminator and dot stuffing.
		if len(r.buf) == 0 {
			if r.err != nil {
				break
			}
			r.buf, r.err = r.r.ReadSlice('\n')
			if r.err == bufio.ErrBufferFull {
				r.err = nil
			} else if r.err == io.EOF {
				// The stream ended before the terminator, the message cannot be
				// complete.
				r.err = io.ErrUnexpectedEOF
			}
		}
		if len(r.buf) > 0 {
			if r.plast == '\r' && r.last == '\n' {
				if bytes.Equal(r.buf, dotcrlf) {
					r.buf = nil
					r.err = io.EOF
					break
				} else if r.buf[0] == '.' {
					// Undo dot stuffing.
					r.buf = r.buf[1:]
				}
			}
			n := len(r.buf)
			if n > len(p) {
				n = len(p)
			}
			copy(p, r.buf[:n])
			if n == 1 {
				r.plast, r.last = r.last, r.buf[0]
			} else {
				r.plast, r.last = r.buf[n-2], r.buf[n-1]
			}
			p = p[n:]
			r.buf = r.buf[n:]
			wrote += n
		}
	}
	return wrote, r.err
}
