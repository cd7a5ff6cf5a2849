// Package whatsapp is the WhatsApp Web relay adapter: persistent device
// credentials, the multidevice protocol engine, QR pairing, and
// outbound rendering into the WhatsApp text dialect.
package whatsapp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
)

const credsFileName = "creds.json"

// KeyPair is a Curve25519 keypair, base64 on disk via encoding/json.
type KeyPair struct {
	Private []byte `json:"private"`
	Public  []byte `json:"public"`
}

// Credentials is the persistent pairing state of this linked device.
// The protocol engine reads and mutates it during the session; every
// mutation is followed by a RequestSave.
type Credentials struct {
	NoiseKey       KeyPair   `json:"noiseKey"`
	IdentityKey    KeyPair   `json:"identityKey"`
	RegistrationID uint32    `json:"registrationId"`
	DeviceID       string    `json:"deviceId,omitempty"`
	PairedAt       time.Time `json:"pairedAt,omitzero"`

	// AppStateKeys carries per-collection sync keys handed to us by the
	// phone after pairing.
	AppStateKeys map[string][]byte `json:"appStateKeys,omitempty"`
}

// Paired reports whether the credentials represent a linked device.
func (c *Credentials) Paired() bool {
	return c != nil && c.DeviceID != "" && !c.PairedAt.IsZero()
}

// Store owns the credential file and serializes writes through a save
// actor goroutine. Callers never write the file directly: they mutate
// Credentials under Update and call RequestSave, which coalesces bursts
// of save requests into single writes.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	creds *Credentials

	saveCh chan struct{}
}

// NewStore loads creds.json from dir, generating fresh unpaired
// credentials when the file does not exist.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dir:    dir,
		logger: logger.With("component", "credstore"),
		saveCh: make(chan struct{}, 1),
	}

	creds, err := s.load()
	if errors.Is(err, os.ErrNotExist) {
		creds, err = generateCredentials()
		if err != nil {
			return nil, err
		}
		if err := s.write(creds); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	s.creds = creds
	return s, nil
}

// Run is the save actor. At most one goroutine runs it at a time, but
// it may be run again after it returns: the adapter starts a fresh
// actor for every session and every pairing flow. RequestSave calls
// made while a write is in flight collapse into one follow-up write.
// The caller owns the goroutine and waits for Run to return itself.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Flush a pending request before exiting.
			select {
			case <-s.saveCh:
				s.saveNow()
			default:
			}
			return
		case <-s.saveCh:
			s.saveNow()
		}
	}
}

// RequestSave schedules a credential write. Never blocks: a request
// arriving while one is already queued is the same request.
func (s *Store) RequestSave() {
	select {
	case s.saveCh <- struct{}{}:
	default:
	}
}

// Update runs fn with exclusive access to the credentials.
func (s *Store) Update(fn func(*Credentials)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.creds)
}

// Snapshot returns a copy of the current credentials.
func (s *Store) Snapshot() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.creds
}

// Paired reports whether the stored credentials are linked to a phone.
func (s *Store) Paired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.Paired()
}

// Scrub removes the credential file and resets in-memory state to a
// fresh unpaired identity.
func (s *Store) Scrub() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.dir, credsFileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	creds, err := generateCredentials()
	if err != nil {
		return err
	}
	s.creds = creds
	return nil
}

func (s *Store) saveNow() {
	s.mu.Lock()
	snapshot := *s.creds
	s.mu.Unlock()

	if err := s.write(&snapshot); err != nil {
		s.logger.Warn("credential save failed", "error", err)
		return
	}
	s.logger.Debug("credentials saved")
}

func (s *Store) load() (*Credentials, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, credsFileName))
	if err != nil {
		return nil, err
	}
	creds := &Credentials{}
	if err := json.Unmarshal(data, creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return creds, nil
}

func (s *Store) write(creds *Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	path := filepath.Join(s.dir, credsFileName)
	tmp, err := os.CreateTemp(s.dir, "."+credsFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}

// generateCredentials builds a fresh unpaired identity: two Curve25519
// keypairs and a random registration id.
func generateCredentials() (*Credentials, error) {
	noise, err := generateKeyPair()
	if err != nil {
		return nil, err
	}
	identity, err := generateKeyPair()
	if err != nil {
		return nil, err
	}

	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("generate registration id: %w", err)
	}
	// Registration ids live in [1, 16380] on the wire.
	regID := binary.BigEndian.Uint32(buf[:])%16380 + 1

	return &Credentials{
		NoiseKey:       noise,
		IdentityKey:    identity,
		RegistrationID: regID,
	}, nil
}

func generateKeyPair() (KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return KeyPair{}, fmt.Errorf("generate private key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("derive public key: %w", err)
	}
	return KeyPair{Private: priv, Public: pub}, nil
}
