// Package credential registers users, verifies passwords and manages the
// sessions that back bearer tokens.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"securechat/database"
	"securechat/models"
	"securechat/utils"
)

type Claims struct {
	jwt.RegisteredClaims
}

// dummyHash is compared against when a username is unknown, so a failed
// login costs the same bcrypt work whether or not the account exists.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("securechat-no-such-user"), bcrypt.DefaultCost)

type Store struct {
	db      *gorm.DB
	secret  []byte
	ttl     time.Duration
	retries int
	now     func() time.Time
	compare func(hash, password []byte) error
}

func NewStore(db *gorm.DB, secret string, ttl time.Duration, retries int) *Store {
	return &Store{
		db:      db,
		secret:  []byte(secret),
		ttl:     ttl,
		retries: retries,
		now:     func() time.Time { return time.Now().UTC() },
		compare: bcrypt.CompareHashAndPassword,
	}
}

type RegisterInput struct {
	Username    string
	Password    string
	DisplayName string
	Email       string
	PublicKey   string
}

func validUsername(name string) bool {
	n := utf8.RuneCountInString(name)
	return n >= 3 && n <= 50 && strings.TrimSpace(name) == name
}

// bcrypt ignores everything past 72 bytes.
func validPassword(pw string) bool {
	return len(pw) >= 6 && len(pw) <= 72
}

func (s *Store) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	if !validUsername(in.Username) {
		return nil, models.ErrInvalidUsername
	}
	if !validPassword(in.Password) {
		return nil, models.ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	displayName := in.DisplayName
	if displayName == "" {
		displayName = in.Username
	}
	meta := datatypes.JSONMap{}
	if in.Email != "" {
		meta["email"] = in.Email
	}
	if in.PublicKey != "" {
		meta["public_key"] = in.PublicKey
	}

	user := &models.User{
		ID:           utils.GenerateUUID(),
		Username:     in.Username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		Metadata:     meta,
	}
	err = database.WithRetry(ctx, s.retries, func() error {
		return s.db.WithContext(ctx).Create(user).Error
	})
	if database.IsDuplicate(err) {
		return nil, models.ErrDuplicateUser
	}
	if err != nil {
		return nil, err
	}

	log.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("user registered")
	return user, nil
}

// Authenticate verifies the password and opens a new session. The returned
// token is a signed JWT whose jti is the session id.
func (s *Store) Authenticate(ctx context.Context, username, password string) (string, *models.User, error) {
	var user models.User
	err := database.WithRetry(ctx, s.retries, func() error {
		return s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		_ = s.compare(dummyHash, []byte(password))
		return "", nil, models.ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}
	if s.compare([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", nil, models.ErrInvalidCredentials
	}
	if user.Disabled() {
		return "", nil, models.ErrAccountDisabled
	}

	now := s.now()
	session := models.Session{
		ID:        utils.GenerateUUID(),
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	err = database.Transaction(ctx, s.db, s.retries, func(tx *gorm.DB) error {
		if err := tx.Create(&session).Error; err != nil {
			return err
		}
		return tx.Model(&models.User{}).Where("id = ?", user.ID).Update("last_login_at", now).Error
	})
	if err != nil {
		return "", nil, err
	}
	user.LastLoginAt = &now

	token, err := s.sign(session)
	if err != nil {
		return "", nil, err
	}
	return token, &user, nil
}

func (s *Store) sign(session models.Session) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        session.ID,
			Subject:   session.UserID,
			IssuedAt:  jwt.NewNumericDate(session.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

func (s *Store) parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, models.ErrSessionExpired
	}
	if err != nil || claims.ID == "" {
		return nil, models.ErrSessionNotFound
	}
	return claims, nil
}

// Validate resolves a token to its user id. It only reads, so any number of
// connections may validate concurrently.
func (s *Store) Validate(ctx context.Context, token string) (string, error) {
	session, err := s.session(ctx, token)
	if err != nil {
		return "", err
	}
	return session.UserID, nil
}

func (s *Store) session(ctx context.Context, token string) (*models.Session, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}

	var session models.Session
	err = database.WithRetry(ctx, s.retries, func() error {
		return s.db.WithContext(ctx).Where("id = ?", claims.ID).First(&session).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if session.UserID != claims.Subject {
		return nil, models.ErrSessionNotFound
	}
	if session.Expired(s.now()) {
		return nil, models.ErrSessionExpired
	}
	return &session, nil
}

func (s *Store) Logout(ctx context.Context, token string) error {
	claims, err := s.parse(token)
	if err != nil {
		return err
	}
	return database.WithRetry(ctx, s.retries, func() error {
		return s.db.WithContext(ctx).Where("id = ?", claims.ID).Delete(&models.Session{}).Error
	})
}

// ChangePassword replaces the password of the token's user and ends every
// other session of that user.
func (s *Store) ChangePassword(ctx context.Context, token, oldPassword, newPassword string) error {
	session, err := s.session(ctx, token)
	if err != nil {
		return err
	}
	if !validPassword(newPassword) {
		return models.ErrWeakPassword
	}

	user, err := s.Lookup(ctx, session.UserID)
	if err != nil {
		return err
	}
	if s.compare([]byte(user.PasswordHash), []byte(oldPassword)) != nil {
		return models.ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return database.Transaction(ctx, s.db, s.retries, func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).Where("id = ?", user.ID).Update("password_hash", string(hash)).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ? AND id <> ?", user.ID, session.ID).Delete(&models.Session{}).Error
	})
}

// Disable soft-deletes the account and revokes its sessions. The user row
// stays so message history keeps its sender.
func (s *Store) Disable(ctx context.Context, userID string) error {
	now := s.now()
	err := database.Transaction(ctx, s.db, s.retries, func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).Where("id = ? AND disabled_at IS NULL", userID).Update("disabled_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&models.User{}).Where("id = ?", userID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return models.ErrUserNotFound
			}
		}
		return tx.Where("user_id = ?", userID).Delete(&models.Session{}).Error
	})
	if err != nil {
		return err
	}
	log.Info().Str("user_id", userID).Msg("user disabled")
	return nil
}

func (s *Store) Lookup(ctx context.Context, userID string) (*models.User, error) {
	return s.findOne(ctx, "id = ?", userID)
}

func (s *Store) LookupByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.findOne(ctx, "username = ?", username)
}

func (s *Store) findOne(ctx context.Context, query string, arg string) (*models.User, error) {
	var user models.User
	err := database.WithRetry(ctx, s.retries, func() error {
		return s.db.WithContext(ctx).Where(query, arg).First(&user).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Search matches active users by username or display name prefix.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]models.User, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	pattern := strings.NewReplacer("%", "", "_", "").Replace(query) + "%"
	var users []models.User
	err := database.WithRetry(ctx, s.retries, func() error {
		users = nil
		return s.db.WithContext(ctx).
			Where("disabled_at IS NULL").
			Where("username LIKE ? OR display_name LIKE ?", pattern, pattern).
			Order("username").
			Limit(limit).
			Find(&users).Error
	})
	return users, err
}

// PurgeExpired deletes sessions past their expiry and reports how many.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	var n int64
	err := database.WithRetry(ctx, s.retries, func() error {
		res := s.db.WithContext(ctx).Where("expires_at <= ?", s.now()).Delete(&models.Session{})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}
