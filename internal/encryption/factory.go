package encryption

import (
	"errors"
	"fmt"

	"worktrace/internal/config"
	"worktrace/internal/wt"
)

// ErrDisabled is returned by NewEncryptorFromConfig when encryption.type is
// "none".
var ErrDisabled = errors.New("media encryption is disabled (encryption.type = \"none\")")

// NewEncryptorFromConfig picks the media Encryptor named by cfg.Type. An
// empty type means age.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (wt.Encryptor, error) {
	var enc wt.Encryptor
	switch cfg.Type {
	case "", "age":
		enc = NewAgeEncryptor(cfg)
	case "test":
		enc = NewTestEncryptor()
	case "none":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
	return enc, nil
}
