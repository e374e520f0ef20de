package veldio

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/veldmail/veld/mlog"
)

func TestBufpool(t *testing.T) {
	log := mlog.New("veldio", nil)
	bp := NewBufpool(1, 16)

	read := func(s string, expLine string, expErr error) {
		t.Helper()
		r := bufio.NewReader(strings.NewReader(s))
		line, err := bp.Readline(log, r)
		if expErr != nil {
			if err == nil || !errors.Is(err, expErr) {
				t.Fatalf("got err %v, expected %v for %q", err, expErr, s)
			}
			return
		}
		if err != nil {
			t.Fatalf("readline %q: %v", s, err)
		}
		if line != expLine {
			t.Fatalf("got line %q, expected %q", line, expLine)
		}
	}

	read("ehlo\r\n", "ehlo", nil)
	read("ehlo\n", "ehlo", nil)
	read("\r\n", "", nil)
	read("x", "", io.ErrUnexpectedEOF)
	read(strings.Repeat("a", 17)+"\r\n", "", ErrLineTooLong)
	// The full buffer size may be used, including the CR.
	read(strings.Repeat("a", 15)+"\r\n", strings.Repeat("a", 15), nil)
}

func TestLimitReader(t *testing.T) {
	r := &LimitReader{R: strings.NewReader("abcdef"), Limit: 3}
	buf := make([]byte, 16)
	if _, err := r.Read(buf); err != ErrLimit {
		t.Fatalf("got err %v, expected ErrLimit", err)
	}

	r = &LimitReader{R: strings.NewReader("abc"), Limit: 3}
	n, err := r.Read(buf)
	if err != nil || n != 3 {
		t.Fatalf("got %d %v, expected 3 bytes", n, err)
	}
}
