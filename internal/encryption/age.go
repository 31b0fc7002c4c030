package encryption

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	"dircopy-go/internal/config"
	"dircopy-go/internal/dc"
	"dircopy-go/internal/digest"
)

// AgeSealer implements dc.Sealer using filippo.io/age with X25519 keys.
// The public key is stored in plaintext, so backups seal root keys without
// a passphrase. The private key is encrypted with the user's passphrase
// using age's scrypt-based passphrase encryption.
type AgeSealer struct {
	publicKeyPath  string
	privateKeyPath string
}

var _ dc.Sealer = (*AgeSealer)(nil)

// NewAgeSealer creates an AgeSealer from configuration.
func NewAgeSealer(cfg config.EncryptionConfig) *AgeSealer {
	return &AgeSealer{
		publicKeyPath:  cfg.PublicKeyPath,
		privateKeyPath: cfg.PrivateKeyPath,
	}
}

func (s *AgeSealer) Type() string { return "age" }

func (s *AgeSealer) NeedsPassphrase() bool { return true }

// Setup generates a new X25519 key pair, stores the public key in plaintext,
// and writes the private key encrypted with passphrase.
func (s *AgeSealer) Setup(passphrase string) error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	for _, p := range []string{s.publicKeyPath, s.privateKeyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return fmt.Errorf("creating key directory: %w", err)
		}
	}

	if err := os.WriteFile(s.publicKeyPath, []byte(identity.Recipient().String()+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return fmt.Errorf("writing encrypted private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted private key: %w", err)
	}

	if err := os.WriteFile(s.privateKeyPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	return nil
}

// Seal encrypts key to the stored public key.
func (s *AgeSealer) Seal(key digest.Key) ([]byte, error) {
	recipient, err := s.loadRecipient()
	if err != nil {
		return nil, fmt.Errorf("loading public key: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(key[:]); err != nil {
		return nil, fmt.Errorf("sealing key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing sealed key: %w", err)
	}
	return buf.Bytes(), nil
}

// Unlock decrypts the private key using passphrase.
func (s *AgeSealer) Unlock(passphrase string) (dc.Opener, error) {
	privData, err := os.ReadFile(s.privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}

	scrypt, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(privData), scrypt)
	if err != nil {
		return nil, fmt.Errorf("decrypting private key: %w", err)
	}

	identities, err := age.ParseIdentities(r)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in private key")
	}
	return &AgeOpener{identity: identities[0]}, nil
}

// IsConfigured reports whether both key files exist.
func (s *AgeSealer) IsConfigured() bool {
	for _, p := range []string{s.publicKeyPath, s.privateKeyPath} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func (s *AgeSealer) loadRecipient() (age.Recipient, error) {
	pubData, err := os.ReadFile(s.publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	recipients, err := age.ParseRecipients(bytes.NewReader(pubData))
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients found in public key file")
	}
	return recipients[0], nil
}

// AgeOpener holds an unlocked age identity.
type AgeOpener struct {
	identity age.Identity
}

var _ dc.Opener = (*AgeOpener)(nil)

func (o *AgeOpener) Open(sealed []byte) (digest.Key, error) {
	r, err := age.Decrypt(bytes.NewReader(sealed), o.identity)
	if err != nil {
		return digest.Key{}, fmt.Errorf("opening sealed key: %w", err)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return digest.Key{}, fmt.Errorf("opening sealed key: %w", err)
	}
	return keyFromBytes(raw)
}

func keyFromBytes(raw []byte) (digest.Key, error) {
	var k digest.Key
	if len(raw) != len(k) {
		return k, fmt.Errorf("%w: sealed key holds %d bytes", digest.ErrBadKey, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}
