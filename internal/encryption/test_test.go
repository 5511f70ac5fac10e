package encryption

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestTestEncryptor_RoundTrip(t *testing.T) {
	t.Parallel()

	jpegish := append([]byte{0xff, 0xd8, 0xff, 0xe0}, bytes.Repeat([]byte{0x10, 0x4a}, 40000)...)
	for name, plain := range map[string][]byte{
		"empty":     {},
		"text":      []byte("window: Terminal"),
		"jpeg-like": jpegish,
		"mask byte": bytes.Repeat([]byte{testMask}, 16),
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			e := NewTestEncryptor()

			var sealed bytes.Buffer
			if err := e.Encrypt(bytes.NewReader(plain), &sealed); err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if !bytes.HasPrefix(sealed.Bytes(), testHeader) {
				t.Fatalf("Encrypt() output starts with %q, want test header", sealed.Bytes()[:min(8, sealed.Len())])
			}
			if body := sealed.Bytes()[len(testHeader):]; len(plain) > 0 && bytes.Equal(body, plain) {
				t.Error("Encrypt() body equals plaintext")
			}

			dc, err := e.Unlock("")
			if err != nil {
				t.Fatalf("Unlock() error = %v", err)
			}
			var opened bytes.Buffer
			if err := dc.Decrypt(&sealed, &opened); err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(opened.Bytes(), plain) {
				t.Errorf("Decrypt() returned %d bytes, want the original %d", opened.Len(), len(plain))
			}
		})
	}
}

func TestTestEncryptor_Passphrase(t *testing.T) {
	t.Parallel()

	e := NewTestEncryptor()
	if !e.IsConfigured() {
		t.Fatal("IsConfigured() = false before Setup")
	}
	if _, err := e.Unlock("anything"); err != nil {
		t.Fatalf("Unlock() before Setup error = %v", err)
	}
	if err := e.Setup("hunter2"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if _, err := e.Unlock("hunter3"); err == nil {
		t.Error("Unlock() with wrong passphrase succeeded")
	}
	if _, err := e.Unlock("hunter2"); err != nil {
		t.Errorf("Unlock() error = %v", err)
	}
}

func TestTestDecryptionContext_RejectsForeignInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		isEOF bool
	}{
		{name: "empty", input: "", isEOF: true},
		{name: "short header", input: "WTE"},
		{name: "wrong header", input: "age-encryption.org/v1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			err := (&TestDecryptionContext{}).Decrypt(strings.NewReader(tt.input), &out)
			if err == nil {
				t.Fatal("Decrypt() succeeded on foreign input")
			}
			if tt.isEOF && !errors.Is(err, io.EOF) {
				t.Errorf("Decrypt() error = %v, want io.EOF", err)
			}
			if out.Len() != 0 {
				t.Errorf("Decrypt() wrote %d bytes on failure", out.Len())
			}
		})
	}
}
