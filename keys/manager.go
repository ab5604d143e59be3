// Package keys owns every data key of the server. Keys are scoped (one
// per conversation, one per user backup), versioned for rotation and stored
// wrapped under a key-encryption key derived from the master key.
package keys

import (
	"context"
	"crypto/cipher"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"securechat/database"
	"securechat/metrics"
	"securechat/models"
	"securechat/utils"
)

// Key is a handle on one key version. The material never leaves the package.
type Key struct {
	Scope     string
	Version   int
	CreatedAt time.Time
	material  []byte
	aead      cipher.AEAD
}

func newKey(scope string, version int, createdAt time.Time, material []byte) (*Key, error) {
	aead, err := chacha20poly1305.NewX(material)
	if err != nil {
		return nil, err
	}
	return &Key{Scope: scope, Version: version, CreatedAt: createdAt, material: material, aead: aead}, nil
}

type Manager struct {
	db       *gorm.DB
	master   []byte
	kek      cipher.AEAD
	rotation time.Duration
	retries  int
	now      func() time.Time

	mu       sync.RWMutex
	current  map[string]*Key
	versions map[string]*Key
}

// NewManager builds a manager over db. rotation of zero disables automatic
// rotation by age.
func NewManager(db *gorm.DB, masterKey []byte, rotation time.Duration, retries int) (*Manager, error) {
	kek, err := deriveAEAD(masterKey, kekInfo)
	if err != nil {
		return nil, err
	}
	return &Manager{
		db:       db,
		master:   masterKey,
		kek:      kek,
		rotation: rotation,
		retries:  retries,
		now:      func() time.Time { return time.Now().UTC() },
		current:  make(map[string]*Key),
		versions: make(map[string]*Key),
	}, nil
}

func versionID(scope string, version int) string {
	return scope + "#" + strconv.Itoa(version)
}

// GetOrCreate returns the current key of scope, creating version 1 on first
// use. Concurrent first calls agree on a single key.
func (m *Manager) GetOrCreate(ctx context.Context, scope string) (*Key, error) {
	m.mu.RLock()
	key := m.current[scope]
	m.mu.RUnlock()

	if key == nil {
		var err error
		key, err = m.latest(ctx, scope)
		if errors.Is(err, models.ErrKeyNotFound) {
			if err = m.insert(ctx, scope, 1); err == nil {
				key, err = m.latest(ctx, scope)
			}
		}
		if err != nil {
			return nil, err
		}
	}

	if m.rotation > 0 && m.now().Sub(key.CreatedAt) >= m.rotation {
		return m.Rotate(ctx, scope)
	}
	return key, nil
}

// Rotate adds a new current version for scope. Older versions stay
// available for decryption.
func (m *Manager) Rotate(ctx context.Context, scope string) (*Key, error) {
	next := 1
	cur, err := m.latest(ctx, scope)
	switch {
	case err == nil:
		next = cur.Version + 1
	case !errors.Is(err, models.ErrKeyNotFound):
		return nil, err
	}
	if err := m.insert(ctx, scope, next); err != nil {
		return nil, err
	}
	key, err := m.latest(ctx, scope)
	if err != nil {
		return nil, err
	}
	log.Info().Str("scope", scope).Int("version", key.Version).Msg("key rotated")
	return key, nil
}

// Version returns a specific version of scope's key.
func (m *Manager) Version(ctx context.Context, scope string, version int) (*Key, error) {
	m.mu.RLock()
	key := m.versions[versionID(scope, version)]
	m.mu.RUnlock()
	if key != nil {
		return key, nil
	}

	var row models.EncryptionKey
	err := database.WithRetry(ctx, m.retries, func() error {
		return m.db.WithContext(ctx).Where("scope = ? AND version = ?", scope, version).First(&row).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.load(&row, false)
}

func (m *Manager) latest(ctx context.Context, scope string) (*Key, error) {
	var row models.EncryptionKey
	err := database.WithRetry(ctx, m.retries, func() error {
		return m.db.WithContext(ctx).Where("scope = ?", scope).Order("version DESC").First(&row).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.load(&row, true)
}

// insert stores a fresh key as scope/version unless that version already
// exists, in which case the existing row wins.
func (m *Manager) insert(ctx context.Context, scope string, version int) error {
	material, err := newKeyMaterial()
	if err != nil {
		return err
	}
	wrapped, err := seal(m.kek, material, []byte(versionID(scope, version)))
	if err != nil {
		return fmt.Errorf("wrap key: %w", err)
	}
	row := models.EncryptionKey{
		ID:        utils.GenerateUUID(),
		Scope:     scope,
		Version:   version,
		Wrapped:   wrapped,
		CreatedAt: m.now(),
	}
	return database.WithRetry(ctx, m.retries, func() error {
		return m.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "scope"}, {Name: "version"}}, DoNothing: true}).
			Create(&row).Error
	})
}

func (m *Manager) load(row *models.EncryptionKey, current bool) (*Key, error) {
	material, err := open(m.kek, row.Wrapped, []byte(versionID(row.Scope, row.Version)))
	if err != nil {
		metrics.IntegrityFailures.WithLabelValues(models.ErrDecryptionFailed.Code).Inc()
		log.Error().Str("scope", row.Scope).Int("version", row.Version).Msg("stored key failed to unwrap")
		return nil, fmt.Errorf("unwrap %s: %w", versionID(row.Scope, row.Version), models.ErrDecryptionFailed)
	}
	key, err := newKey(row.Scope, row.Version, row.CreatedAt, material)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := versionID(key.Scope, key.Version)
	if cached, ok := m.versions[id]; ok {
		key = cached
	} else {
		m.versions[id] = key
	}
	if current {
		if cur, ok := m.current[key.Scope]; !ok || cur.Version < key.Version {
			m.current[key.Scope] = key
		}
	}
	return key, nil
}

// Encrypt seals plaintext under key. The key scope is bound as associated
// data, so ciphertext moved to another scope fails to open.
func (m *Manager) Encrypt(plaintext []byte, key *Key) ([]byte, error) {
	return seal(key.aead, plaintext, []byte(key.Scope))
}

// Decrypt opens ciphertext produced by Encrypt with the same key. Any
// failure is reported as ErrDecryptionFailed, never as partial output.
func (m *Manager) Decrypt(ciphertext []byte, key *Key) ([]byte, error) {
	plaintext, err := open(key.aead, ciphertext, []byte(key.Scope))
	if err != nil {
		metrics.IntegrityFailures.WithLabelValues(models.ErrDecryptionFailed.Code).Inc()
		log.Error().Str("scope", key.Scope).Int("version", key.Version).Msg("decryption failed")
		return nil, models.ErrDecryptionFailed
	}
	return plaintext, nil
}

// WrapForTransport seals key for inclusion in a backup archive of username.
// Any server sharing the master key can unwrap it for the same username.
func (m *Manager) WrapForTransport(key *Key, username string) ([]byte, error) {
	aead, err := deriveAEAD(m.master, transportInfo+username)
	if err != nil {
		return nil, err
	}
	return seal(aead, key.material, []byte(key.Scope))
}

// UnwrapTransport reverses WrapForTransport. The returned key is not stored.
func (m *Manager) UnwrapTransport(wrapped []byte, scope, username string) (*Key, error) {
	aead, err := deriveAEAD(m.master, transportInfo+username)
	if err != nil {
		return nil, err
	}
	material, err := open(aead, wrapped, []byte(scope))
	if err != nil {
		return nil, models.ErrDecryptionFailed
	}
	return newKey(scope, 0, m.now(), material)
}
