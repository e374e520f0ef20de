package dns

import (
	"testing"
)

func TestParseDomain(t *testing.T) {
	test := func(s string, exp Domain, expErr bool) {
		t.Helper()
		d, err := ParseDomain(s)
		if (err != nil) != expErr {
			t.Fatalf("parse domain %q: err %v, expected error %v", s, err, expErr)
		}
		if err == nil && d != exp {
			t.Fatalf("parse domain %q: got %#v, expected %#v", s, d, exp)
		}
	}

	test("veld.example", Domain{"veld.example", ""}, false)
	test("VELD.example", Domain{"veld.example", ""}, false)
	test("xn--74h.example", Domain{"xn--74h.example", "☺.example"}, false)
	test("☺.example", Domain{"xn--74h.example", "☺.example"}, false)
	test("veld.example.", Domain{}, true)
	test("", Domain{}, true)
	test("bad_label.example", Domain{}, true)
}
