// Package spool stores accepted messages on disk for pickup by a delivery
// agent.
//
// Each message gets a ULID as name, so directory order is submission order.
// The message data is written to <ulid>.eml and its envelope to <ulid>.json,
// data first so an envelope file implies a complete message file.
package spool

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/veldmail/veld/smtp"
)

// Envelope is the metadata stored next to the message data.
type Envelope struct {
	ID        string
	Principal string // Authenticated account that submitted the message.
	From      smtp.Address
	To        []smtp.Address
	Received  time.Time
	Size      int64
}

var (
	ErrTooLarge          = errors.New("message too large for spool")
	ErrTooManyRecipients = errors.New("too many recipients for spool")
)

// Spool writes messages to a directory. Safe for concurrent use.
type Spool struct {
	// Sanity limits enforced on Save, zero means unlimited. The protocol layer
	// enforces its own per-listener limits first.
	MaxMessageSize int64
	MaxRecipients  int

	dir string

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// Open ensures dir exists and returns a spool writing to it.
func Open(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}
	return &Spool{dir: dir, entropy: ulid.Monotonic(rand.Reader, 0)}, nil
}

func (s *Spool) nextID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), s.entropy)
	if err != nil {
		return "", fmt.Errorf("generating message id: %w", err)
	}
	return id.String(), nil
}

// Save writes a message and its envelope to the spool, returning the
// message id.
func (s *Spool) Save(ctx context.Context, principal string, from smtp.Address, to []smtp.Address, data []byte) (string, error) {
	if s.MaxRecipients > 0 && len(to) > s.MaxRecipients {
		return "", ErrTooManyRecipients
	}
	if s.MaxMessageSize > 0 && int64(len(data)) > s.MaxMessageSize {
		return "", ErrTooLarge
	}

	id, err := s.nextID()
	if err != nil {
		return "", err
	}

	msgPath := filepath.Join(s.dir, id+".eml")
	envPath := filepath.Join(s.dir, id+".json")

	if err := writeFileSync(msgPath, data); err != nil {
		return "", fmt.Errorf("writing message data: %w", err)
	}
	env := Envelope{
		ID:        id,
		Principal: principal,
		From:      from,
		To:        to,
		Received:  time.Now(),
		Size:      int64(len(data)),
	}
	envData, err := json.Marshal(env)
	if err != nil {
		os.Remove(msgPath)
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	if err := writeFileSync(envPath, envData); err != nil {
		os.Remove(msgPath)
		return "", fmt.Errorf("writing envelope: %w", err)
	}
	return id, nil
}

// writeFileSync writes data through a temp file and rename, syncing before
// the rename so a crash cannot leave a half-written file under the final
// name.
func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil {
		return err
	}
	defer func() {
		if f != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()
	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		f = nil
		os.Remove(tmp)
		return err
	}
	f = nil
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// List returns the envelopes currently in the spool, oldest first.
func (s *Spool) List() ([]Envelope, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading spool directory: %w", err)
	}
	var l []Envelope
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading envelope %s: %w", name, err)
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("parsing envelope %s: %w", name, err)
		}
		l = append(l, env)
	}
	return l, nil
}

// MessagePath returns the path of the message data file for id.
func (s *Spool) MessagePath(id string) string {
	return filepath.Join(s.dir, id+".eml")
}

// Remove deletes a message and its envelope, e.g. after delivery.
func (s *Spool) Remove(id string) error {
	envErr := os.Remove(filepath.Join(s.dir, id+".json"))
	msgErr := os.Remove(s.MessagePath(id))
	if envErr != nil {
		return envErr
	}
	return msgErr
}
