package submitserver

import (
	"reflect"
	"testing"

	"github.com/veldmail/veld/dns"
	"github.com/veldmail/veld/smtp"
)

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

func TestParse(t *testing.T) {
	tcompare(t, newParser("<userc@d.bar.org>").xpath(), smtp.Address{Localpart: "userc", Domain: dns.Domain{ASCII: "d.bar.org"}})
	tcompare(t, newParser("<USERC@D.BAR.ORG>").xpath(), smtp.Address{Localpart: "USERC", Domain: dns.Domain{ASCII: "d.bar.org"}})
	tcompare(t, newParser("<>").xpath(), smtp.Address{})
	tcompare(t, newParser(`<"with space"@x.example>`).xpath(), smtp.Address{Localpart: "with space", Domain: dns.Domain{ASCII: "x.example"}})

	tcompare(t, newParser("20480").xnumber(20), int64(20480))
	tcompare(t, newParser("PLAIN").xsaslMech(), "PLAIN")
	tcompare(t, newParser("scram-sha-256").xsaslMech(), "scram-sha-256")

	// Syntax errors panic with code 501.
	bad := []string{
		"",
		"<user>",
		"<user@>",
		"<@d.example>",
		"<user@d.example",
		"user@d.example>",
		"<user@-bad.example>",
		"<user@d.example.>",
	}
	for _, s := range bad {
		func() {
			defer func() {
				x := recover()
				if x == nil {
					t.Fatalf("no error for path %q", s)
				}
				serr, ok := x.(smtpError)
				if !ok || serr.code != smtp.C501BadParamSyntax {
					t.Fatalf("got %v for path %q, expected code 501", x, s)
				}
			}()
			newParser(s).xpath()
		}()
	}
}
