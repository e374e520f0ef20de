package proxyproto

import (
	"bufio"
	"strings"
	"testing"
)

func TestReadRemote(t *testing.T) {
	test := func(input, expIP string, expPresent bool, expRest string) {
		t.Helper()
		br := bufio.NewReader(strings.NewReader(input))
		ip, present, err := ReadRemote(br)
		if err != nil {
			t.Fatalf("read remote: %v", err)
		}
		if present != expPresent {
			t.Fatalf("present %v, expected %v for %q", present, expPresent, input)
		}
		if expIP != "" && (ip == nil || ip.String() != expIP) {
			t.Fatalf("ip %v, expected %v", ip, expIP)
		}
		// Bytes not part of a preamble must be replayed as protocol input.
		rest := make([]byte, len(input))
		n, _ := br.Read(rest)
		if got := string(rest[:n]); got != expRest {
			t.Fatalf("remaining %q, expected %q", got, expRest)
		}
	}

	test("PROXY TCP4 192.0.2.7 10.0.0.1 56324 587\r\nEHLO x\r\n", "192.0.2.7", true, "EHLO x\r\n")
	test("PROXY TCP6 2001:db8::1 2001:db8::2 4000 587\r\nEHLO x\r\n", "2001:db8::1", true, "EHLO x\r\n")
	// Unknown transport: preamble consumed, no address.
	test("PROXY UNKNOWN\r\nEHLO x\r\n", "", false, "EHLO x\r\n")
	// No preamble at all: nothing consumed.
	test("EHLO x\r\n", "", false, "EHLO x\r\n")
	// Malformed preambles: nothing consumed, falls back to the peer address.
	test("PROXY TCP4 bogus 10.0.0.1 56324 587\r\nEHLO x\r\n", "", false, "PROXY TCP4 bogus 10.0.0.1 56324 587\r\nEHLO x\r\n")
	test("PROXY TCP4 2001:db8::1 2001:db8::2 4000 587\r\nEHLO x\r\n", "", false, "PROXY TCP4 2001:db8::1 2001:db8::2 4000 587\r\nEHLO x\r\n")
	test("PROXY TCP4 192.0.2.7 10.0.0.1 56324\r\nEHLO x\r\n", "", false, "PROXY TCP4 192.0.2.7 10.0.0.1 56324\r\nEHLO x\r\n")
	test("PROXY TCP4 192.0.2.7 10.0.0.1 56324 99999\r\nEHLO x\r\n", "", false, "PROXY TCP4 192.0.2.7 10.0.0.1 56324 99999\r\nEHLO x\r\n")
	// Header too long without CRLF.
	long := "PROXY " + strings.Repeat("x", 120) + "\r\n"
	test(long, "", false, long)
}
