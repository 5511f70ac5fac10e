package encryption

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"worktrace/internal/config"
)

const agePass = "correct horse battery staple"

func ageInDir(dir string) *AgeEncryptor {
	return NewAgeEncryptor(config.EncryptionConfig{
		PublicKeyPath:  filepath.Join(dir, "keys", "wt.pub"),
		PrivateKeyPath: filepath.Join(dir, "keys", "wt.key"),
	})
}

// setupAge returns an encryptor whose keys were generated with agePass.
func setupAge(t *testing.T) *AgeEncryptor {
	t.Helper()
	e := ageInDir(t.TempDir())
	if err := e.Setup(agePass); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	return e
}

func TestAgeEncryptor_Lifecycle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	e := ageInDir(dir)

	if e.IsConfigured() {
		t.Fatal("IsConfigured() = true with no key files")
	}
	if err := e.Encrypt(strings.NewReader("x"), &bytes.Buffer{}); err == nil {
		t.Error("Encrypt() without keys succeeded")
	}
	if _, err := e.Unlock(agePass); err == nil {
		t.Error("Unlock() without keys succeeded")
	}
	if err := e.Setup(""); err == nil {
		t.Error("Setup(\"\") succeeded")
	}
	if e.IsConfigured() {
		t.Fatal("IsConfigured() = true after rejected Setup")
	}

	if err := e.Setup(agePass); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !e.IsConfigured() {
		t.Fatal("IsConfigured() = false after Setup")
	}
	if err := e.Setup("another"); err == nil {
		t.Error("second Setup() replaced existing keys")
	}
	if _, err := e.Unlock(agePass); err != nil {
		t.Errorf("Unlock() after refused re-Setup error = %v", err)
	}
	if _, err := e.Unlock("wrong"); err == nil {
		t.Error("Unlock() with wrong passphrase succeeded")
	}

	for name, want := range map[string]os.FileMode{"wt.pub": 0644, "wt.key": 0600} {
		fi, err := os.Stat(filepath.Join(dir, "keys", name))
		if err != nil {
			t.Fatalf("Stat(%s) error = %v", name, err)
		}
		if got := fi.Mode().Perm(); got != want {
			t.Errorf("%s mode = %v, want %v", name, got, want)
		}
	}
}

func TestAgeEncryptor_RoundTrip(t *testing.T) {
	t.Parallel()
	e := setupAge(t)
	dc, err := e.Unlock(agePass)
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	payloads := map[string][]byte{
		"empty":      nil,
		"short":      []byte("app: editor"),
		"screenshot": append([]byte{0xff, 0xd8, 0xff, 0xe0}, bytes.Repeat([]byte{0x42, 0x00, 0x7f}, 200000)...),
	}
	for name, plain := range payloads {
		var sealed bytes.Buffer
		if err := e.Encrypt(bytes.NewReader(plain), &sealed); err != nil {
			t.Fatalf("%s: Encrypt() error = %v", name, err)
		}
		if !bytes.HasPrefix(sealed.Bytes(), []byte("age-encryption.org/v1")) {
			t.Errorf("%s: ciphertext lacks the age header", name)
		}
		if len(plain) > 0 && bytes.Contains(sealed.Bytes(), plain) {
			t.Errorf("%s: ciphertext contains the plaintext", name)
		}

		var opened bytes.Buffer
		if err := dc.Decrypt(&sealed, &opened); err != nil {
			t.Fatalf("%s: Decrypt() error = %v", name, err)
		}
		if !bytes.Equal(opened.Bytes(), plain) {
			t.Errorf("%s: Decrypt() returned %d bytes, want %d", name, opened.Len(), len(plain))
		}
	}
}

func TestAgeDecryptionContext_OtherKeyPair(t *testing.T) {
	t.Parallel()
	mine, theirs := setupAge(t), setupAge(t)

	var sealed bytes.Buffer
	if err := theirs.Encrypt(strings.NewReader("not yours"), &sealed); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	dc, err := mine.Unlock(agePass)
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if err := dc.Decrypt(&sealed, &bytes.Buffer{}); err == nil {
		t.Error("Decrypt() of media sealed to another key pair succeeded")
	}
}
