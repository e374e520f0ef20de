package spool

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/veldmail/veld/smtp"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func xaddr(t *testing.T, s string) smtp.Address {
	t.Helper()
	a, err := smtp.ParseAddress(s)
	tcheck(t, err, "parse address")
	return a
}

func TestSpool(t *testing.T) {
	ctxbg := context.Background()

	s, err := Open(t.TempDir())
	tcheck(t, err, "open spool")

	from := xaddr(t, "leaf@veld.example")
	to := []smtp.Address{xaddr(t, "a@other.example"), xaddr(t, "b@other.example")}
	data := []byte("Subject: test\r\n\r\nhello\r\n")

	id0, err := s.Save(ctxbg, "leaf@veld.example", from, to, data)
	tcheck(t, err, "save message")
	id1, err := s.Save(ctxbg, "leaf@veld.example", from, to[:1], data)
	tcheck(t, err, "save second message")
	if id1 <= id0 {
		t.Fatalf("ids not in submission order: %q then %q", id0, id1)
	}

	got, err := os.ReadFile(s.MessagePath(id0))
	tcheck(t, err, "read message data")
	if string(got) != string(data) {
		t.Fatalf("got message data %q, expected %q", got, data)
	}

	l, err := s.List()
	tcheck(t, err, "list envelopes")
	if len(l) != 2 {
		t.Fatalf("got %d envelopes, expected 2", len(l))
	}
	env := l[0]
	if env.ID != id0 || env.Principal != "leaf@veld.example" || env.From != from || len(env.To) != 2 || env.Size != int64(len(data)) {
		t.Fatalf("unexpected envelope %#v", env)
	}

	err = s.Remove(id0)
	tcheck(t, err, "remove message")
	if _, err := os.ReadFile(s.MessagePath(id0)); err == nil {
		t.Fatal("message data still present after remove")
	}
	l, err = s.List()
	tcheck(t, err, "list after remove")
	if len(l) != 1 || l[0].ID != id1 {
		t.Fatalf("got %v, expected only %s left", l, id1)
	}
}

func TestLimits(t *testing.T) {
	ctxbg := context.Background()

	s, err := Open(t.TempDir())
	tcheck(t, err, "open spool")
	s.MaxMessageSize = 10
	s.MaxRecipients = 1

	from := xaddr(t, "leaf@veld.example")
	to := []smtp.Address{xaddr(t, "a@other.example"), xaddr(t, "b@other.example")}

	if _, err := s.Save(ctxbg, "leaf@veld.example", from, to, []byte("x")); !errors.Is(err, ErrTooManyRecipients) {
		t.Fatalf("got %v, expected ErrTooManyRecipients", err)
	}
	if _, err := s.Save(ctxbg, "leaf@veld.example", from, to[:1], []byte("0123456789ab")); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("got %v, expected ErrTooLarge", err)
	}

	// Nothing was written for the rejected messages.
	l, err := s.List()
	tcheck(t, err, "list envelopes")
	if len(l) != 0 {
		t.Fatalf("got %d envelopes, expected 0", len(l))
	}

	_, err = s.Save(ctxbg, "leaf@veld.example", from, to[:1], []byte("x"))
	tcheck(t, err, "save within limits")
}
