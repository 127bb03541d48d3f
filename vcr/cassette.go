package vcr

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Cassette is a single recorded request/response exchange, content
// addressed by Fingerprint.
type Cassette struct {
	Fingerprint string          `json:"fingerprint"`
	Provider    string          `json:"provider"`
	Model       string          `json:"model"`
	Request     json.RawMessage `json:"request"`
	Response    json.RawMessage `json:"response"`
	StatusCode  int             `json:"status_code"`
	RecordedAt  time.Time       `json:"recorded_at"`
	Signature   string          `json:"signature,omitempty"`
}

// ErrTamper is returned when a cassette carries a signature that does
// not verify against the configured secret. It is never swallowed.
var ErrTamper = errors.New("vcr: cassette signature verification failed")

// ErrNotFound is returned when no cassette exists for a fingerprint.
var ErrNotFound = errors.New("vcr: cassette not found")

// signingPayload returns the bytes signed/verified for a cassette: every
// field except Signature itself.
func (c Cassette) signingPayload() ([]byte, error) {
	cp := c
	cp.Signature = ""
	return json.Marshal(cp)
}

// Sign computes and sets c.Signature using HMAC-SHA-256 over the
// cassette body with secret as the key.
func (c *Cassette) Sign(secret []byte) error {
	payload, err := c.signingPayload()
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	c.Signature = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// Verify checks c.Signature against secret. A cassette recorded before
// signing was enabled (empty Signature) verifies successfully for
// backward compatibility; a present-but-wrong signature is a hard
// tamper error.
func (c Cassette) Verify(secret []byte) error {
	if c.Signature == "" {
		return nil
	}
	payload, err := c.signingPayload()
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	expected := mac.Sum(nil)
	got, err := hex.DecodeString(c.Signature)
	if err != nil || !hmac.Equal(expected, got) {
		return ErrTamper
	}
	return nil
}

// Store persists and retrieves cassettes under
// <root>/<provider>/<fingerprint>.json.
type Store struct {
	root   string
	secret []byte
}

// NewStore creates a cassette store rooted at dir. A nil/empty secret
// disables signing: cassettes are written unsigned and any signature
// present on read is still verified if non-empty.
func NewStore(dir string, secret []byte) *Store {
	return &Store{root: dir, secret: secret}
}

func (s *Store) path(provider, fingerprint string) string {
	return filepath.Join(s.root, provider, fingerprint+".json")
}

// Get loads and verifies the cassette for (provider, fingerprint).
func (s *Store) Get(provider, fingerprint string) (*Cassette, error) {
	raw, err := os.ReadFile(s.path(provider, fingerprint))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var c Cassette
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("vcr: corrupt cassette: %w", err)
	}
	if err := c.Verify(s.secret); err != nil {
		return nil, err
	}
	return &c, nil
}

// Put signs (if a secret is configured) and atomically writes a
// cassette, overwriting any existing cassette at the same fingerprint.
func (s *Store) Put(c *Cassette) error {
	if len(s.secret) > 0 {
		if err := c.Sign(s.secret); err != nil {
			return err
		}
	}
	dir := filepath.Join(s.root, c.Provider)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	dest := s.path(c.Provider, c.Fingerprint)
	tmp, err := os.CreateTemp(dir, ".cassette-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dest)
}

// Exists reports whether a cassette is present for (provider, fingerprint),
// without verifying its signature.
func (s *Store) Exists(provider, fingerprint string) bool {
	_, err := os.Stat(s.path(provider, fingerprint))
	return err == nil
}
