package media

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"worktrace/internal/wt"
)

// EncryptedSuffix is appended to keys of encrypted media.
const EncryptedSuffix = ".age"

// EncryptingStore encrypts media before handing it to the wrapped store.
// The checksum in the object metadata still refers to the plaintext.
type EncryptingStore struct {
	next wt.MediaStore
	enc  wt.Encryptor
}

func NewEncryptingStore(next wt.MediaStore, enc wt.Encryptor) *EncryptingStore {
	return &EncryptingStore{next: next, enc: enc}
}

func (s *EncryptingStore) Put(ctx context.Context, obj wt.MediaObject, r io.Reader) (string, error) {
	var buf bytes.Buffer
	if err := s.enc.Encrypt(r, &buf); err != nil {
		return "", fmt.Errorf("encrypting %s: %w", obj.Key, err)
	}

	obj.Key += EncryptedSuffix
	obj.ContentType = "application/octet-stream"
	obj.Size = int64(buf.Len())
	return s.next.Put(ctx, obj, &buf)
}

// PrefixStore prepends a fixed prefix to every key.
type PrefixStore struct {
	next   wt.MediaStore
	prefix string
}

func NewPrefixStore(next wt.MediaStore, prefix string) *PrefixStore {
	return &PrefixStore{next: next, prefix: prefix}
}

func (s *PrefixStore) Put(ctx context.Context, obj wt.MediaObject, r io.Reader) (string, error) {
	obj.Key = s.prefix + obj.Key
	return s.next.Put(ctx, obj, r)
}

var (
	_ wt.MediaStore = (*EncryptingStore)(nil)
	_ wt.MediaStore = (*PrefixStore)(nil)
)
