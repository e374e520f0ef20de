// Package userdb verifies account credentials and address ownership against
// a simple accounts file.
//
// Each non-empty, non-comment line holds an account: the primary address
// (also the login username), a bcrypt password hash, and zero or more
// additional addresses the account may use as sender, all whitespace
// separated.
package userdb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/veldmail/veld/mlog"
	"github.com/veldmail/veld/smtp"
)

var (
	ErrUnknownCredentials = errors.New("bad credentials")
	ErrCredentialsWeak    = errors.New("credentials too weak, password hash needs upgrade")
	ErrNotOwner           = errors.New("address not owned by account")
)

// MinHashCost is the minimum bcrypt cost for a password hash to be accepted.
// Hashes below it still require re-hashing, authentication with them fails
// with ErrCredentialsWeak.
const MinHashCost = 10

// Dummy hash to compare against for unknown accounts, so the timing of a
// verify does not reveal whether an account exists.
var dummyHash = []byte("$2a$10$bQeQoYcDeltMan2vMCfGPePjN0Fyw0xpy8w2H6Udh2Dx1Y5ZR3uBu")

type account struct {
	hash  string
	addrs map[string]bool // Includes the primary address.
}

// DB is a parsed accounts file. Lookups are safe for concurrent use.
type DB struct {
	path string

	mu       sync.RWMutex
	accounts map[string]account // By primary address.
}

// Open reads the accounts file at path.
func Open(path string) (*DB, error) {
	db := &DB{path: path}
	if err := db.load(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) load() error {
	f, err := os.Open(db.path)
	if err != nil {
		return fmt.Errorf("open accounts file: %w", err)
	}
	defer f.Close()

	accounts := map[string]account{}
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t := strings.Fields(line)
		if len(t) < 2 {
			return fmt.Errorf("%s:%d: need at least an address and a password hash", db.path, lineno)
		}
		addr, err := smtp.ParseAddress(t[0])
		if err != nil {
			return fmt.Errorf("%s:%d: parsing address %q: %w", db.path, lineno, t[0], err)
		}
		hash := t[1]
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return fmt.Errorf("%s:%d: checking password hash: %w", db.path, lineno, err)
		}
		name := addr.String()
		if _, ok := accounts[name]; ok {
			return fmt.Errorf("%s:%d: duplicate account %q", db.path, lineno, name)
		}
		addrs := map[string]bool{name: true}
		for _, s := range t[2:] {
			a, err := smtp.ParseAddress(s)
			if err != nil {
				return fmt.Errorf("%s:%d: parsing address %q: %w", db.path, lineno, s, err)
			}
			addrs[a.String()] = true
		}
		accounts[name] = account{hash: hash, addrs: addrs}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading accounts file: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	db.accounts = accounts
	return nil
}

// Reload re-reads the accounts file, e.g. on SIGHUP. On error the previous
// accounts stay active.
func (db *DB) Reload(log mlog.Log) error {
	err := db.load()
	log.Check(err, "reloading accounts file")
	return err
}

// Verify checks the password for the account with username as primary
// address, returning the canonicalized primary address as principal.
func (db *DB) Verify(ctx context.Context, username, password string) (string, error) {
	addr, err := smtp.ParseAddress(username)
	if err != nil {
		// Still burn a compare, a parse failure must not be distinguishable by timing.
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", ErrUnknownCredentials
	}
	name := addr.String()

	db.mu.RLock()
	acc, ok := db.accounts[name]
	db.mu.RUnlock()
	if !ok {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", ErrUnknownCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.hash), []byte(password)); err != nil {
		return "", ErrUnknownCredentials
	}
	if cost, err := bcrypt.Cost([]byte(acc.hash)); err != nil || cost < MinHashCost {
		return "", ErrCredentialsWeak
	}
	return name, nil
}

// Owns reports whether principal may use addr as sender address.
func (db *DB) Owns(ctx context.Context, addr smtp.Address, principal string) error {
	db.mu.RLock()
	acc, ok := db.accounts[principal]
	db.mu.RUnlock()
	if !ok || !acc.addrs[addr.String()] {
		return ErrNotOwner
	}
	return nil
}

// HashPassword returns a bcrypt hash for use in the accounts file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
