package keys

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"securechat/database"
	"securechat/models"
)

var testMaster = bytes.Repeat([]byte{7}, 32)

func newTestManager(t *testing.T, rotation time.Duration) *Manager {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { database.Close(db) })
	m, err := NewManager(db, testMaster, rotation, 3)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	m := newTestManager(t, 0)
	ctx := context.Background()
	scope := models.ConversationScope("c1")

	k1, err := m.GetOrCreate(ctx, scope)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	k2, err := m.GetOrCreate(ctx, scope)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if k1 != k2 || k1.Version != 1 {
		t.Errorf("GetOrCreate() returned different keys: %v/%d vs %v/%d", k1.Scope, k1.Version, k2.Scope, k2.Version)
	}

	// a second manager over the same storage sees the same key
	fresh, _ := NewManager(m.db, testMaster, 0, 3)
	k3, err := fresh.GetOrCreate(ctx, scope)
	if err != nil {
		t.Fatalf("GetOrCreate() on fresh manager error = %v", err)
	}
	if !bytes.Equal(k3.material, k1.material) {
		t.Error("fresh manager loaded different key material")
	}

	var n int64
	m.db.Model(&models.EncryptionKey{}).Where("scope = ?", scope).Count(&n)
	if n != 1 {
		t.Errorf("stored key rows = %d, want 1", n)
	}
}

func TestGetOrCreate_Concurrent(t *testing.T) {
	m := newTestManager(t, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	got := make([]*Key, 10)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := m.GetOrCreate(ctx, "conversation:shared")
			if err != nil {
				t.Errorf("GetOrCreate() error = %v", err)
				return
			}
			got[i] = k
		}(i)
	}
	wg.Wait()
	for _, k := range got[1:] {
		if k == nil || got[0] == nil || !bytes.Equal(k.material, got[0].material) {
			t.Fatal("concurrent GetOrCreate() produced different keys")
		}
	}
}

func TestEncryptDecrypt(t *testing.T) {
	m := newTestManager(t, 0)
	ctx := context.Background()
	k1, _ := m.GetOrCreate(ctx, models.ConversationScope("c1"))
	k2, _ := m.GetOrCreate(ctx, models.ConversationScope("c2"))

	ct, err := m.Encrypt([]byte("hi"), k1)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Contains(ct, []byte("hi")) {
		t.Error("ciphertext contains plaintext")
	}
	pt, err := m.Decrypt(ct, k1)
	if err != nil || string(pt) != "hi" {
		t.Fatalf("Decrypt() = %q, %v", pt, err)
	}

	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0xff

	tests := []struct {
		name string
		ct   []byte
		key  *Key
	}{
		{"wrong key", ct, k2},
		{"tampered", tampered, k1},
		{"truncated", ct[:10], k1},
		{"empty", nil, k1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pt, err := m.Decrypt(tt.ct, tt.key)
			if !errors.Is(err, models.ErrDecryptionFailed) || pt != nil {
				t.Errorf("Decrypt() = %q, %v; want ErrDecryptionFailed", pt, err)
			}
		})
	}
}

func TestRotate(t *testing.T) {
	m := newTestManager(t, 0)
	ctx := context.Background()
	scope := models.ConversationScope("c1")

	v1, _ := m.GetOrCreate(ctx, scope)
	old, _ := m.Encrypt([]byte("before"), v1)

	v2, err := m.Rotate(ctx, scope)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if v2.Version != 2 {
		t.Errorf("Rotate() version = %d, want 2", v2.Version)
	}
	if cur, _ := m.GetOrCreate(ctx, scope); cur.Version != 2 {
		t.Errorf("current version after rotate = %d, want 2", cur.Version)
	}

	again, err := m.Version(ctx, scope, 1)
	if err != nil {
		t.Fatalf("Version(1) error = %v", err)
	}
	if pt, err := m.Decrypt(old, again); err != nil || string(pt) != "before" {
		t.Errorf("Decrypt() with old version = %q, %v", pt, err)
	}
	if _, err := m.Version(ctx, scope, 9); !errors.Is(err, models.ErrKeyNotFound) {
		t.Errorf("Version(9) error = %v, want ErrKeyNotFound", err)
	}
}

func TestAutoRotation(t *testing.T) {
	m := newTestManager(t, 24*time.Hour)
	ctx := context.Background()
	scope := models.ConversationScope("c1")

	k, _ := m.GetOrCreate(ctx, scope)
	if k.Version != 1 {
		t.Fatalf("first version = %d", k.Version)
	}

	later := time.Now().UTC().Add(48 * time.Hour)
	m.now = func() time.Time { return later }

	k, err := m.GetOrCreate(ctx, scope)
	if err != nil || k.Version != 2 {
		t.Fatalf("GetOrCreate() after rotation period = v%d, %v; want v2", k.Version, err)
	}
	if k, _ = m.GetOrCreate(ctx, scope); k.Version != 2 {
		t.Errorf("fresh key rotated again: v%d", k.Version)
	}
}

func TestTransportWrap(t *testing.T) {
	m := newTestManager(t, 0)
	ctx := context.Background()
	scope := models.BackupScope("u1")
	k, _ := m.GetOrCreate(ctx, scope)
	ct, _ := m.Encrypt([]byte("archived"), k)

	wrapped, err := m.WrapForTransport(k, "alice")
	if err != nil {
		t.Fatalf("WrapForTransport() error = %v", err)
	}

	other, _ := NewManager(m.db, testMaster, 0, 3)
	unwrapped, err := other.UnwrapTransport(wrapped, scope, "alice")
	if err != nil {
		t.Fatalf("UnwrapTransport() error = %v", err)
	}
	if pt, err := other.Decrypt(ct, unwrapped); err != nil || string(pt) != "archived" {
		t.Errorf("Decrypt() with unwrapped key = %q, %v", pt, err)
	}

	if _, err := other.UnwrapTransport(wrapped, scope, "mallory"); !errors.Is(err, models.ErrDecryptionFailed) {
		t.Errorf("UnwrapTransport(other user) error = %v", err)
	}
	foreign, _ := NewManager(m.db, bytes.Repeat([]byte{9}, 32), 0, 3)
	if _, err := foreign.UnwrapTransport(wrapped, scope, "alice"); !errors.Is(err, models.ErrDecryptionFailed) {
		t.Errorf("UnwrapTransport(other master) error = %v", err)
	}
}
