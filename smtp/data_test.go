package smtp

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDataReader(t *testing.T) {
	// Smaller bufio buffer size, for checking behaviour when lines don't fit the buffer.
	check := func(data, want string) {
		t.Helper()

		s := &strings.Builder{}
		dr := NewDataReader(bufio.NewReaderSize(strings.NewReader(data), 16))
		if _, err := io.Copy(s, dr); err != nil {
			t.Fatalf("read: %s", err)
		}
		if got := s.String(); got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}

	check(".\r\n", "")
	check("a\r\n.\r\n", "a\r\n")
	check("..leading\r\n.\r\n", ".leading\r\n")
	check("...x\r\n.\r\n", "..x\r\n")
	// A dot line inside data that is properly stuffed never terminates early.
	check("first\r\n..\r\nlast\r\n.\r\n", "first\r\n.\r\nlast\r\n")
	// Bare newlines and carriage returns are content, not line endings.
	check("binary\n.\nmore\r\n.\r\n", "binary\n.\nmore\r\n")
	check("a\rb\r\n.\r\n", "a\rb\r\n")
	// Lines longer than the bufio buffer.
	long := strings.Repeat("x", 50)
	check(long+"\r\n.\r\n", long+"\r\n")
	check("."+long+"\r\n.\r\n", long+"\r\n")

	// Terminator never arrives.
	dr := NewDataReader(bufio.NewReader(strings.NewReader("no terminator\r\n")))
	if _, err := io.Copy(io.Discard, dr); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("got err %v, expected ErrUnexpectedEOF", err)
	}

	// Reading byte by byte.
	dr = NewDataReader(bufio.NewReader(strings.NewReader("..a\r\n.\r\n")))
	var out []byte
	buf := make([]byte, 1)
	for {
		n, err := dr.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read: %s", err)
		}
	}
	if string(out) != ".a\r\n" {
		t.Fatalf("got %q, want %q", out, ".a\r\n")
	}
}
