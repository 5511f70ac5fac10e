package encryption

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"

	"worktrace/internal/config"
	"worktrace/internal/wt"
)

// AgeEncryptor seals media to an X25519 recipient with filippo.io/age.
//
// Two files make up the key pair. The recipient file holds the public key in
// plaintext so the agent can encrypt unattended. The identity file holds the
// private key, itself sealed with a scrypt passphrase and armored; it is
// only read when media has to be opened again.
type AgeEncryptor struct {
	recipientPath string
	identityPath  string
}

var _ wt.Encryptor = (*AgeEncryptor)(nil)

func NewAgeEncryptor(cfg config.EncryptionConfig) *AgeEncryptor {
	return &AgeEncryptor{recipientPath: cfg.PublicKeyPath, identityPath: cfg.PrivateKeyPath}
}

// IsConfigured reports whether both key files are present.
func (e *AgeEncryptor) IsConfigured() bool {
	_, errPub := os.Stat(e.recipientPath)
	_, errKey := os.Stat(e.identityPath)
	return errPub == nil && errKey == nil
}

// Setup generates a fresh key pair. Existing keys are never replaced: media
// sealed to them would become unreadable.
func (e *AgeEncryptor) Setup(passphrase string) error {
	switch {
	case passphrase == "":
		return errors.New("passphrase must not be empty")
	case e.IsConfigured():
		return fmt.Errorf("keys already exist at %s", e.identityPath)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}
	lock, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return err
	}

	err = createKeyFile(e.identityPath, 0600, func(w io.Writer) error {
		aw := armor.NewWriter(w)
		sealed, err := age.Encrypt(aw, lock)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(sealed, id); err != nil {
			return err
		}
		if err := sealed.Close(); err != nil {
			return err
		}
		return aw.Close()
	})
	if err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	err = createKeyFile(e.recipientPath, 0644, func(w io.Writer) error {
		_, err := fmt.Fprintln(w, id.Recipient())
		return err
	})
	if err != nil {
		os.Remove(e.identityPath)
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// Encrypt streams r into w sealed to the configured recipient.
func (e *AgeEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	pub, err := os.ReadFile(e.recipientPath)
	if err != nil {
		return fmt.Errorf("reading public key: %w", err)
	}
	recipient, err := age.ParseX25519Recipient(strings.TrimSpace(string(pub)))
	if err != nil {
		return fmt.Errorf("parsing public key %s: %w", e.recipientPath, err)
	}

	sealed, err := age.Encrypt(w, recipient)
	if err != nil {
		return fmt.Errorf("starting encryption: %w", err)
	}
	if _, err := io.Copy(sealed, r); err != nil {
		return fmt.Errorf("encrypting: %w", err)
	}
	return sealed.Close()
}

// Unlock opens the identity file with passphrase.
func (e *AgeEncryptor) Unlock(passphrase string) (wt.DecryptionContext, error) {
	f, err := os.Open(e.identityPath)
	if err != nil {
		return nil, fmt.Errorf("opening private key: %w", err)
	}
	defer f.Close()

	scrypt, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, err
	}
	plain, err := age.Decrypt(armor.NewReader(f), scrypt)
	if err != nil {
		return nil, fmt.Errorf("unlocking private key: %w", err)
	}
	ids, err := age.ParseIdentities(plain)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return &AgeDecryptionContext{ids: ids}, nil
}

func createKeyFile(path string, perm os.FileMode, fill func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// AgeDecryptionContext opens media sealed by AgeEncryptor.
type AgeDecryptionContext struct {
	ids []age.Identity
}

var _ wt.DecryptionContext = (*AgeDecryptionContext)(nil)

func (c *AgeDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	plain, err := age.Decrypt(r, c.ids...)
	if err != nil {
		return fmt.Errorf("opening media: %w", err)
	}
	if _, err := io.Copy(w, plain); err != nil {
		return fmt.Errorf("decrypting media: %w", err)
	}
	return nil
}
