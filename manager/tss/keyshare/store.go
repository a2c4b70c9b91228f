// Package keyshare persists local key shares encrypted at rest.
package keyshare

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/pushchain/push-tss-manager/manager/tss/engine"
)

var (
	ErrKeyshareNotFound = errors.New("keyshare not found")
	ErrInvalidKeyID     = errors.New("invalid key ID")
	ErrInvalidOwnerID   = errors.New("invalid owner ID")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	fileExt   = ".enc"
	filePerms = 0o600
	dirPerms  = 0o700

	saltLength       = 32
	nonceLength      = 12
	keyLength        = 32
	pbkdf2Iterations = 100000
)

// SecretStore keeps key shares per owner and key id.
type SecretStore interface {
	Store(ctx context.Context, ownerID, keyID string, share *engine.KeyShare) error
	Fetch(ctx context.Context, ownerID, keyID string) (*engine.KeyShare, error)
}

// FileStore is a SecretStore writing one AES-256-GCM encrypted file per
// share at <dir>/<owner>/<key>.enc. The file layout is
// salt(32) || nonce(12) || ciphertext || tag(16).
type FileStore struct {
	dir      string
	password string
}

var _ SecretStore = (*FileStore)(nil)

// NewFileStore creates dir if needed.
func NewFileStore(dir string, password string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("keyshare directory cannot be empty")
	}
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return nil, fmt.Errorf("failed to create keyshares directory: %w", err)
	}
	return &FileStore{dir: dir, password: password}, nil
}

// Store encrypts and writes share, replacing any previous share under the
// same owner and key.
func (s *FileStore) Store(ctx context.Context, ownerID, keyID string, share *engine.KeyShare) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(ownerID, keyID)
	if err != nil {
		return err
	}
	if share == nil {
		return errors.New("keyshare cannot be nil")
	}
	plain, err := share.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode keyshare: %w", err)
	}
	data, err := s.encrypt(plain)
	if err != nil {
		return fmt.Errorf("failed to encrypt keyshare: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerms); err != nil {
		return fmt.Errorf("failed to create owner directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerms); err != nil {
		return fmt.Errorf("failed to write keyshare file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write keyshare file: %w", err)
	}
	return nil
}

// Fetch reads and decrypts the share stored under owner and key.
func (s *FileStore) Fetch(ctx context.Context, ownerID, keyID string) (*engine.KeyShare, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(ownerID, keyID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyshareNotFound
		}
		return nil, fmt.Errorf("failed to read keyshare file: %w", err)
	}
	plain, err := s.decrypt(data)
	if err != nil {
		return nil, err
	}
	share, err := engine.UnmarshalKeyShare(plain)
	if err != nil {
		return nil, fmt.Errorf("failed to decode keyshare: %w", err)
	}
	return share, nil
}

// Exists reports whether a share is stored under owner and key.
func (s *FileStore) Exists(ownerID, keyID string) (bool, error) {
	path, err := s.path(ownerID, keyID)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check keyshare file: %w", err)
	}
	return true, nil
}

// List returns the key ids stored for owner, sorted.
func (s *FileStore) List(ownerID string) ([]string, error) {
	if err := validateID(ownerID, ErrInvalidOwnerID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, ownerID))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read keyshares directory: %w", err)
	}
	keyIDs := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		keyIDs = append(keyIDs, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(keyIDs)
	return keyIDs, nil
}

func (s *FileStore) path(ownerID, keyID string) (string, error) {
	if err := validateID(ownerID, ErrInvalidOwnerID); err != nil {
		return "", err
	}
	if err := validateID(keyID, ErrInvalidKeyID); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, ownerID, keyID+fileExt), nil
}

func validateID(id string, kind error) error {
	if id == "" {
		return kind
	}
	if strings.Contains(id, "/") || strings.Contains(id, "\\") || strings.Contains(id, "..") {
		return fmt.Errorf("%w: contains invalid characters", kind)
	}
	return nil
}

func (s *FileStore) deriveKey(salt []byte) []byte {
	return pbkdf2.Key([]byte(s.password), salt, pbkdf2Iterations, keyLength, sha256.New)
}

func (s *FileStore) encrypt(plain []byte) ([]byte, error) {
	if len(plain) == 0 {
		return nil, errors.New("keyshare data cannot be empty")
	}
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := newGCM(s.deriveKey(salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltLength+nonceLength+len(plain)+gcm.Overhead())
	out = append(out, salt...)
	return gcm.Seal(append(out, nonce...), nonce, plain, nil), nil
}

func (s *FileStore) decrypt(data []byte) ([]byte, error) {
	if len(data) < saltLength+nonceLength {
		return nil, ErrDecryptionFailed
	}
	salt := data[:saltLength]
	nonce := data[saltLength : saltLength+nonceLength]
	gcm, err := newGCM(s.deriveKey(salt))
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, data[saltLength+nonceLength:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
