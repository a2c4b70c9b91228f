package keyshare

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/pushchain/push-tss-manager/manager/tss/engine"
	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

func testShare() *engine.KeyShare {
	return &engine.KeyShare{
		Index:     2,
		Threshold: 2,
		Parties:   wire.PartySet{1, 2, 3},
		PublicKey: append([]byte{0x02}, bytes.Repeat([]byte{0x11}, 32)...),
		Secret:    []byte("secret material"),
	}
}

func TestNewFileStore(t *testing.T) {
	t.Run("creates directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "keyshares")
		if _, err := NewFileStore(dir, "pw"); err != nil {
			t.Fatalf("NewFileStore() error = %v", err)
		}
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("keyshares directory was not created: %v", err)
		}
		if info.Mode().Perm() != os.FileMode(dirPerms) {
			t.Errorf("permissions = %v, want %v", info.Mode().Perm(), os.FileMode(dirPerms))
		}
	})

	t.Run("empty dir", func(t *testing.T) {
		if _, err := NewFileStore("", "pw"); err == nil {
			t.Fatal("NewFileStore() error = nil, want error")
		}
	})
}

func TestFileStore_StoreFetch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir, "test-password")
	if err != nil {
		t.Fatal(err)
	}

	want := testShare()
	if err := s.Store(ctx, "alice", "key-1", want); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "alice", "key-1.enc"))
	if err != nil {
		t.Fatalf("encrypted file missing: %v", err)
	}
	if bytes.Contains(raw, want.Secret) {
		t.Error("keyshare file contains plaintext secret")
	}

	got, err := s.Fetch(ctx, "alice", "key-1")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Fetch() = %+v, want %+v", got, want)
	}

	if _, err := s.Fetch(ctx, "bob", "key-1"); !errors.Is(err, ErrKeyshareNotFound) {
		t.Errorf("Fetch() other owner error = %v, want %v", err, ErrKeyshareNotFound)
	}
}

func TestFileStore_Overwrite(t *testing.T) {
	ctx := context.Background()
	s, _ := NewFileStore(t.TempDir(), "pw")

	first := testShare()
	second := testShare()
	second.Secret = []byte("rotated")
	if err := s.Store(ctx, "alice", "k", first); err != nil {
		t.Fatal(err)
	}
	if err := s.Store(ctx, "alice", "k", second); err != nil {
		t.Fatal(err)
	}
	got, err := s.Fetch(ctx, "alice", "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Secret) != "rotated" {
		t.Errorf("Secret = %q, want rotated", got.Secret)
	}
}

func TestFileStore_WrongPassword(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s1, _ := NewFileStore(dir, "right")
	if err := s1.Store(ctx, "alice", "k", testShare()); err != nil {
		t.Fatal(err)
	}
	s2, _ := NewFileStore(dir, "wrong")
	if _, err := s2.Fetch(ctx, "alice", "k"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Fetch() error = %v, want %v", err, ErrDecryptionFailed)
	}
}

func TestFileStore_CorruptedFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, _ := NewFileStore(dir, "pw")
	if err := s.Store(ctx, "alice", "k", testShare()); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "alice", "k.enc")
	data, _ := os.ReadFile(path)
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, filePerms); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Fetch(ctx, "alice", "k"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Fetch() error = %v, want %v", err, ErrDecryptionFailed)
	}

	if err := os.WriteFile(path, []byte("short"), filePerms); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Fetch(ctx, "alice", "k"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Fetch() short file error = %v, want %v", err, ErrDecryptionFailed)
	}
}

func TestFileStore_InvalidIDs(t *testing.T) {
	ctx := context.Background()
	s, _ := NewFileStore(t.TempDir(), "pw")

	tests := []struct {
		name    string
		owner   string
		key     string
		wantErr error
	}{
		{"empty key", "alice", "", ErrInvalidKeyID},
		{"key with slash", "alice", "a/b", ErrInvalidKeyID},
		{"key traversal", "alice", "..", ErrInvalidKeyID},
		{"empty owner", "", "k", ErrInvalidOwnerID},
		{"owner backslash", `a\b`, "k", ErrInvalidOwnerID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Store(ctx, tt.owner, tt.key, testShare()); !errors.Is(err, tt.wantErr) {
				t.Errorf("Store() error = %v, want %v", err, tt.wantErr)
			}
			if _, err := s.Fetch(ctx, tt.owner, tt.key); !errors.Is(err, tt.wantErr) {
				t.Errorf("Fetch() error = %v, want %v", err, tt.wantErr)
			}
			if _, err := s.Exists(tt.owner, tt.key); !errors.Is(err, tt.wantErr) {
				t.Errorf("Exists() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFileStore_ExistsAndList(t *testing.T) {
	ctx := context.Background()
	s, _ := NewFileStore(t.TempDir(), "pw")

	keys, err := s.List("alice")
	if err != nil || len(keys) != 0 {
		t.Fatalf("List() on empty owner = %v, %v", keys, err)
	}

	for _, k := range []string{"k2", "k1"} {
		if err := s.Store(ctx, "alice", k, testShare()); err != nil {
			t.Fatal(err)
		}
	}
	ok, err := s.Exists("alice", "k1")
	if err != nil || !ok {
		t.Errorf("Exists(k1) = %v, %v", ok, err)
	}
	ok, err = s.Exists("alice", "k3")
	if err != nil || ok {
		t.Errorf("Exists(k3) = %v, %v", ok, err)
	}

	keys, err = s.List("alice")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(keys, []string{"k1", "k2"}) {
		t.Errorf("List() = %v", keys)
	}
}

func TestFileStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, _ := NewFileStore(t.TempDir(), "pw")
	if err := s.Store(ctx, "alice", "k", testShare()); !errors.Is(err, context.Canceled) {
		t.Errorf("Store() error = %v", err)
	}
	if _, err := s.Fetch(ctx, "alice", "k"); !errors.Is(err, context.Canceled) {
		t.Errorf("Fetch() error = %v", err)
	}
}
