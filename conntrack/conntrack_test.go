package conntrack

import (
	"net"
	"testing"
)

func TestTracker(t *testing.T) {
	tr := &Tracker{MaxTotal: 3, MaxPerAddr: 2}

	if !tr.Add("a") || !tr.Add("a") {
		t.Fatal("expected two connections for same address to be admitted")
	}
	if tr.Add("a") {
		t.Fatal("expected third connection for same address to be refused")
	}
	if !tr.Add("b") {
		t.Fatal("expected connection for other address to be admitted")
	}
	// Global limit now reached.
	if tr.Add("c") {
		t.Fatal("expected connection beyond global limit to be refused")
	}

	// Admission resumes after a connection for the address closes.
	tr.Remove("a")
	if !tr.Add("a") {
		t.Fatal("expected admission after remove")
	}

	tr.Remove("a")
	tr.Remove("a")
	tr.Remove("b")
	if tr.Total() != 0 {
		t.Fatalf("total %d, expected 0", tr.Total())
	}
	if tr.Open("a") != 0 {
		t.Fatalf("open %d for removed address, expected 0", tr.Open("a"))
	}
}

func TestKey(t *testing.T) {
	test := func(s, exp string) {
		t.Helper()
		if got := Key(net.ParseIP(s)); got != exp {
			t.Fatalf("key for %s: got %q, expected %q", s, got, exp)
		}
	}

	test("10.0.0.1", "10.0.0.1")
	// IPv6 addresses differing only after the first four hextets share a key.
	test("2001:db8:1:2:aaaa::1", "2001:db8:1:2::/64")
	test("2001:db8:1:2:bbbb::2", "2001:db8:1:2::/64")
	test("2001:db8:1:3::1", "2001:db8:1:3::/64")
}
