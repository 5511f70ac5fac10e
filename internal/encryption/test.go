package encryption

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"worktrace/internal/wt"
)

// testHeader prefixes every stream written by TestEncryptor.
var testHeader = []byte("WTENC\x00\x00\x00")

const testMask = 0x5a

// TestEncryptor is a keyless stand-in for age in tests and local setups:
// it writes testHeader followed by the input XOR-ed with a fixed byte.
// After Setup, Unlock only accepts the same passphrase.
type TestEncryptor struct {
	passphrase string
}

var _ wt.Encryptor = (*TestEncryptor)(nil)

func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.passphrase = passphrase
	return nil
}

func (e *TestEncryptor) IsConfigured() bool { return true }

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if err := maskCopy(bw, r); err != nil {
		return err
	}
	return bw.Flush()
}

func (e *TestEncryptor) Unlock(passphrase string) (wt.DecryptionContext, error) {
	if e.passphrase != "" && passphrase != e.passphrase {
		return nil, errors.New("wrong passphrase")
	}
	return &TestDecryptionContext{}, nil
}

// TestDecryptionContext reverses TestEncryptor.
type TestDecryptionContext struct{}

var _ wt.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header[:], testHeader) {
		return errors.New("invalid test encryption header")
	}
	bw := bufio.NewWriter(w)
	if err := maskCopy(bw, r); err != nil {
		return err
	}
	return bw.Flush()
}

func maskCopy(w *bufio.Writer, r io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		for i := range buf[:n] {
			buf[i] ^= testMask
		}
		if _, werr := w.Write(buf[:n]); werr != nil {
			return werr
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
	}
}
