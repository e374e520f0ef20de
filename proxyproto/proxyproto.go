// Package proxyproto reads the optional PROXY protocol v1 preamble that a
// TCP-level proxy sends before the proxied protocol begins, carrying the
// original client address.
package proxyproto

import (
	"bytes"
	"net"
	"strconv"
	"strings"
)

// A v1 header is at most 107 bytes including CRLF.
const maxHeader = 107

// bufio.Reader is what we need, but accepting an interface keeps the package
// independent of the caller's buffering setup.
type peeker interface {
	Peek(n int) (buf []byte, err error)
	Discard(n int) (discarded int, err error)
}

// ReadRemote probes r for a PROXY v1 preamble and returns the original client
// IP when present. Probing peeks only: when the preamble is absent or
// malformed, nothing is consumed and all client bytes are read as regular
// protocol input; the caller falls back to the transport-level peer address.
// A valid preamble is consumed from r.
//
// ReadRemote blocks until the first bytes arrive, so only call it on
// listeners configured behind a proxy, with a read deadline set. An i/o error
// (including a deadline) is returned as err and is fatal to the connection.
func ReadRemote(r peeker) (ip net.IP, present bool, err error) {
	sig, err := r.Peek(6)
	if err != nil {
		return nil, false, err
	}
	if !bytes.Equal(sig, []byte("PROXY ")) {
		return nil, false, nil
	}

	// Peek one byte further each round until the CRLF is in view. Peeking the
	// maximum length at once would block on headers shorter than that: the
	// client doesn't speak until it has seen our greeting.
	end := -1
	for n := len(sig); end < 0; n++ {
		if n > maxHeader {
			return nil, false, nil
		}
		buf, err := r.Peek(n)
		if end = bytes.Index(buf, []byte("\r\n")); end >= 0 {
			break
		}
		if err != nil {
			return nil, false, err
		}
	}
	buf, err := r.Peek(end + 2)
	if err != nil {
		return nil, false, err
	}
	line := string(buf[:end])

	t := strings.Split(line, " ")
	// "PROXY UNKNOWN" may omit the addresses. The preamble is consumed, the
	// caller falls back to the peer address.
	if len(t) >= 2 && t[1] == "UNKNOWN" {
		if _, err := r.Discard(end + 2); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	if len(t) != 6 {
		return nil, false, nil
	}
	var v4 bool
	switch t[1] {
	case "TCP4":
		v4 = true
	case "TCP6":
	default:
		return nil, false, nil
	}
	src := net.ParseIP(t[2])
	dst := net.ParseIP(t[3])
	if src == nil || dst == nil || v4 != (src.To4() != nil) || v4 != (dst.To4() != nil) {
		return nil, false, nil
	}
	for _, p := range t[4:6] {
		port, err := strconv.Atoi(p)
		if err != nil || port < 0 || port > 65535 || (p != "0" && strings.HasPrefix(p, "0")) {
			return nil, false, nil
		}
	}
	if _, err := r.Discard(end + 2); err != nil {
		return nil, false, err
	}
	return src, true, nil
}
