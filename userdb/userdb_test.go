package userdb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/veldmail/veld/smtp"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func writeAccounts(t *testing.T, lines string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "accounts")
	err := os.WriteFile(p, []byte(lines), 0660)
	tcheck(t, err, "write accounts file")
	return p
}

func TestVerify(t *testing.T) {
	ctxbg := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("test1234"), MinHashCost)
	tcheck(t, err, "generate hash")
	weak, err := bcrypt.GenerateFromPassword([]byte("test1234"), bcrypt.MinCost)
	tcheck(t, err, "generate weak hash")

	p := writeAccounts(t, "# test accounts\n\nleaf@veld.example "+string(hash)+" other@veld.example\nold@veld.example "+string(weak)+"\n")
	db, err := Open(p)
	tcheck(t, err, "open")

	principal, err := db.Verify(ctxbg, "leaf@veld.example", "test1234")
	tcheck(t, err, "verify")
	if principal != "leaf@veld.example" {
		t.Fatalf("got principal %q, expected leaf@veld.example", principal)
	}

	// Domain is case-insensitive, localpart is not.
	_, err = db.Verify(ctxbg, "leaf@VELD.example", "test1234")
	tcheck(t, err, "verify with uppercase domain")
	if _, err := db.Verify(ctxbg, "LEAF@veld.example", "test1234"); !errors.Is(err, ErrUnknownCredentials) {
		t.Fatalf("got %v, expected ErrUnknownCredentials for uppercase localpart", err)
	}

	if _, err := db.Verify(ctxbg, "leaf@veld.example", "bogus"); !errors.Is(err, ErrUnknownCredentials) {
		t.Fatalf("got %v, expected ErrUnknownCredentials for bad password", err)
	}
	if _, err := db.Verify(ctxbg, "absent@veld.example", "test1234"); !errors.Is(err, ErrUnknownCredentials) {
		t.Fatalf("got %v, expected ErrUnknownCredentials for unknown account", err)
	}
	if _, err := db.Verify(ctxbg, "not an address", "test1234"); !errors.Is(err, ErrUnknownCredentials) {
		t.Fatalf("got %v, expected ErrUnknownCredentials for malformed username", err)
	}
	if _, err := db.Verify(ctxbg, "old@veld.example", "test1234"); !errors.Is(err, ErrCredentialsWeak) {
		t.Fatalf("got %v, expected ErrCredentialsWeak for low-cost hash", err)
	}
}

func TestOwns(t *testing.T) {
	ctxbg := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("test1234"), MinHashCost)
	tcheck(t, err, "generate hash")
	p := writeAccounts(t, "leaf@veld.example "+string(hash)+" other@veld.example\n")
	db, err := Open(p)
	tcheck(t, err, "open")

	xaddr := func(s string) smtp.Address {
		t.Helper()
		a, err := smtp.ParseAddress(s)
		tcheck(t, err, "parse address")
		return a
	}

	err = db.Owns(ctxbg, xaddr("leaf@veld.example"), "leaf@veld.example")
	tcheck(t, err, "owns primary address")
	err = db.Owns(ctxbg, xaddr("other@veld.example"), "leaf@veld.example")
	tcheck(t, err, "owns additional address")
	if err := db.Owns(ctxbg, xaddr("stranger@veld.example"), "leaf@veld.example"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("got %v, expected ErrNotOwner", err)
	}
	if err := db.Owns(ctxbg, xaddr("leaf@veld.example"), "absent@veld.example"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("got %v, expected ErrNotOwner for unknown principal", err)
	}
}

func TestBadFile(t *testing.T) {
	bad := []string{
		"leaf@veld.example\n",                 // Missing hash.
		"not-an-address $2a$10$x\n",           // Bad address.
		"leaf@veld.example plaintextsecret\n", // Not a bcrypt hash.
	}
	for _, lines := range bad {
		p := writeAccounts(t, lines)
		if _, err := Open(p); err == nil {
			t.Fatalf("open with %q: got nil, expected error", lines)
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("x"), bcrypt.MinCost)
	tcheck(t, err, "generate hash")
	p := writeAccounts(t, "leaf@veld.example "+string(hash)+"\nleaf@veld.example "+string(hash)+"\n")
	if _, err := Open(p); err == nil {
		t.Fatal("open with duplicate account: got nil, expected error")
	}
}
