package smtp

import (
	"errors"
	"testing"

	"github.com/veldmail/veld/dns"
)

func TestParseAddress(t *testing.T) {
	good := func(s string, exp Address) {
		t.Helper()
		a, err := ParseAddress(s)
		if err != nil {
			t.Fatalf("parse address %q: %v", s, err)
		}
		if a != exp {
			t.Fatalf("parse address %q: got %#v, expected %#v", s, a, exp)
		}
	}
	bad := func(s string) {
		t.Helper()
		if _, err := ParseAddress(s); !errors.Is(err, ErrBadAddress) {
			t.Fatalf("parse address %q: got err %v, expected ErrBadAddress", s, err)
		}
	}

	good("mel@veld.example", Address{"mel", dns.Domain{ASCII: "veld.example"}})
	good("first.last@veld.example", Address{"first.last", dns.Domain{ASCII: "veld.example"}})
	good("user+tag@veld.example", Address{"user+tag", dns.Domain{ASCII: "veld.example"}})
	bad("")
	bad("no-at-sign")
	bad("@veld.example")
	bad("user@")
	bad("user..dots@veld.example")
	bad(`"quoted"@veld.example`)
	bad("user@bad_domain.example")
}

func TestRedactIdentifier(t *testing.T) {
	test := func(s, exp string) {
		t.Helper()
		if got := RedactIdentifier(s); got != exp {
			t.Fatalf("redact %q: got %q, expected %q", s, got, exp)
		}
	}

	test("melissa@veld.example", "me...@veld.example")
	test("me@veld.example", "me@veld.example")
	test("m@veld.example", "m@veld.example")
	test("noatsign", "no...")
	test("", "")
}
