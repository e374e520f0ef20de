package smtp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/veldmail/veld/dns"
)

var ErrBadAddress = errors.New("invalid email address")

// Localpart is a decoded local part of an email address, before the "@".
// For quoted strings, values do not hold the double quote or escaping
// backslashes. An empty string can be a valid localpart.
type Localpart string

// String returns a packed representation of a localpart, with proper
// escaping/quoting, for use on the SMTP wire.
func (lp Localpart) String() string {
	// First try as dot-string. If not possible we make a quoted-string.
	dotstr := true
	t := strings.Split(string(lp), ".")
	for _, e := range t {
		for _, c := range e {
			if c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c > 0x7f {
				continue
			}
			switch c {
			case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '/', '=', '?', '^', '_', '`', '{', '|', '}', '~':
				continue
			}
			dotstr = false
			break
		}
		dotstr = dotstr && len(e) > 0
	}
	dotstr = dotstr && len(t) > 0
	if dotstr {
		return string(lp)
	}

	// Make quoted-string.
	r := `"`
	for _, b := range lp {
		if b == '"' || b == '\\' {
			r += "\\" + string(b)
		} else {
			r += string(b)
		}
	}
	r += `"`
	return r
}

// Address is a parsed email address.
type Address struct {
	Localpart Localpart
	Domain    dns.Domain // Can be zero for a null reverse-path.
}

// IsZero returns if this is an empty Address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String returns the address with the ASCII representation of the domain.
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain.ASCII
}

// XString is like String, but with the unicode domain when utf8 is true.
func (a Address) XString(utf8 bool) string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain.XName(utf8)
}

// LogString returns the address for logging, with the unicode domain and, for
// a non-ASCII localpart, both representations.
func (a Address) LogString() string {
	if a.IsZero() {
		return ""
	}
	return a.XString(true)
}

// ParseAddress parses an email address of the form localpart@domain. The
// localpart must be a dot-string (no quoted strings), as used in
// configuration files and credential databases.
func ParseAddress(s string) (Address, error) {
	t := strings.SplitN(s, "@", 2)
	if len(t) != 2 || t[0] == "" || t[1] == "" {
		return Address{}, fmt.Errorf("%w: needs localpart and domain", ErrBadAddress)
	}
	for i, e := range strings.Split(t[0], ".") {
		if e == "" {
			return Address{}, fmt.Errorf("%w: empty dot-string label %d in localpart", ErrBadAddress, i)
		}
		for _, c := range e {
			if c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c > 0x7f {
				continue
			}
			switch c {
			case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '/', '=', '?', '^', '_', '`', '{', '|', '}', '~':
				continue
			}
			return Address{}, fmt.Errorf("%w: invalid character %q in localpart", ErrBadAddress, c)
		}
	}
	d, err := dns.ParseDomain(t[1])
	if err != nil {
		return Address{}, fmt.Errorf("%w: parsing domain: %v", ErrBadAddress, err)
	}
	return Address{Localpart(t[0]), d}, nil
}

// RedactIdentifier returns an account identifier with the localpart reduced
// to its first two characters, for logging authentication attempts without
// recording full identifiers.
func RedactIdentifier(s string) string {
	lp := s
	var dom string
	if i := strings.LastIndex(s, "@"); i >= 0 {
		lp, dom = s[:i], s[i:]
	}
	r := []rune(lp)
	if len(r) > 2 {
		lp = string(r[:2]) + "..."
	}
	return lp + dom
}
