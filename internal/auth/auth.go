// Package auth implements the session and credential store: user accounts,
// TTL-bound session tokens, and encrypted broker credentials. It backs every
// admission-control decision made by the rest of the system.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/audit"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/vault"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	sessionTTL         = 24 * time.Hour
	sessionReap        = 7 * 24 * time.Hour
	tokenBytes         = 16 // 128 bits
	rateLimitWindow    = 60 * time.Second
	rateLimitThreshold = 5
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,32}$`)

// User is the canonical account shape from the data model.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// SessionToken is a bearer credential with a bounded lifetime.
type SessionToken struct {
	Token      string
	UserID     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastUsedAt time.Time
	Active     bool
}

// Credentials is the decrypted view of a user's broker API credentials.
type Credentials struct {
	APIKey            string
	APISecret         string
	AccessToken       string
	AccessTokenExpiry *time.Time
}

// Store implements registration, login, session validation, and encrypted
// credential storage, all backed by the persistence layer and the crypto
// vault.
type Store struct {
	db    *database.DB
	vault *vault.Vault
	audit *audit.Log
	zl    zerolog.Logger

	mu           sync.Mutex
	failedLogins map[string][]time.Time
}

// New constructs a Store.
func New(db *database.DB, v *vault.Vault, a *audit.Log, zl zerolog.Logger) *Store {
	return &Store{
		db:           db,
		vault:        v,
		audit:        a,
		zl:           zl.With().Str("component", "auth").Logger(),
		failedLogins: make(map[string][]time.Time),
	}
}

// Register validates and creates a new user account.
func (s *Store) Register(username, password string) (*User, error) {
	if !usernamePattern.MatchString(username) {
		return nil, apperr.New(apperr.KindValidation, "username must be 3-32 chars of letters, digits, or underscore")
	}
	if err := validatePasswordPolicy(password); err != nil {
		return nil, err
	}

	var exists int
	if err := s.db.QueryRow("SELECT count(*) FROM users WHERE username = ?", username).Scan(&exists); err != nil {
		return nil, apperr.Wrap(apperr.KindDatabase, "failed to check existing username", err)
	}
	if exists > 0 {
		return nil, apperr.New(apperr.KindConflict, "username already taken")
	}

	hash, err := vault.HashPassword(password)
	if err != nil {
		return nil, err
	}

	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}

	if _, err := s.db.Exec(
		"INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)",
		user.ID, user.Username, user.PasswordHash, user.CreatedAt.Format(time.RFC3339),
	); err != nil {
		return nil, apperr.Wrap(apperr.KindDatabase, "failed to insert user", err)
	}

	s.audit.Info("user registered", map[string]interface{}{"user_id": user.ID, "username": username})
	return user, nil
}

func validatePasswordPolicy(password string) error {
	if len(password) < 8 {
		return apperr.New(apperr.KindValidation, "password must be at least 8 characters")
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return apperr.New(apperr.KindValidation, "password must contain an uppercase letter, a lowercase letter, and a digit")
	}
	return nil
}

// Login verifies credentials, enforces the per-username rate limit, and
// issues a new SessionToken on success.
func (s *Store) Login(username, password string) (*SessionToken, error) {
	if s.isRateLimited(username) {
		return nil, apperr.New(apperr.KindRateLimit, "too many failed login attempts; try again shortly")
	}

	var user User
	var lastLogin sql.NullString
	var createdAt string
	err := s.db.QueryRow(
		"SELECT id, username, password_hash, created_at, last_login FROM users WHERE username = ?",
		username,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &createdAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		s.recordFailedLogin(username)
		return nil, apperr.New(apperr.KindAuth, "invalid username or password")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDatabase, "failed to look up user", err)
	}
	user.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	ok, err := vault.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.recordFailedLogin(username)
		return nil, apperr.New(apperr.KindAuth, "invalid username or password")
	}

	s.clearFailedLogins(username)

	tokenValue, err := vault.GenerateToken(tokenBytes)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	token := &SessionToken{
		Token:      tokenValue,
		UserID:     user.ID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(sessionTTL),
		LastUsedAt: now,
		Active:     true,
	}

	if _, err := s.db.Exec(
		"INSERT INTO session_tokens (token, user_id, created_at, expires_at, last_used_at, active) VALUES (?, ?, ?, ?, ?, 1)",
		token.Token, token.UserID, token.CreatedAt.Format(time.RFC3339), token.ExpiresAt.Format(time.RFC3339), token.LastUsedAt.Format(time.RFC3339),
	); err != nil {
		return nil, apperr.Wrap(apperr.KindDatabase, "failed to create session", err)
	}

	if _, err := s.db.Exec("UPDATE users SET last_login = ? WHERE id = ?", now.Format(time.RFC3339), user.ID); err != nil {
		s.zl.Warn().Err(err).Msg("failed to update last_login")
	}

	s.audit.Info("user logged in", map[string]interface{}{"user_id": user.ID, "username": username})
	return token, nil
}

// Validate returns the owning user ID iff the token is active and unexpired,
// refreshing last_used_at.
func (s *Store) Validate(tokenValue string) (string, error) {
	var userID string
	var expiresAt string
	var active bool
	err := s.db.QueryRow(
		"SELECT user_id, expires_at, active FROM session_tokens WHERE token = ?", tokenValue,
	).Scan(&userID, &expiresAt, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.New(apperr.KindSession, "unknown session token")
	}
	if err != nil {
		return "", apperr.Wrap(apperr.KindDatabase, "failed to look up session", err)
	}

	expiry, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return "", apperr.Wrap(apperr.KindDatabase, "malformed session expiry", err)
	}
	if !active || time.Now().UTC().After(expiry) {
		return "", apperr.New(apperr.KindSession, "session expired or revoked")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.Exec("UPDATE session_tokens SET last_used_at = ? WHERE token = ?", now, tokenValue); err != nil {
		s.zl.Warn().Err(err).Msg("failed to refresh session last_used_at")
	}

	return userID, nil
}

// Logout deactivates a session token.
func (s *Store) Logout(tokenValue string) error {
	if _, err := s.db.Exec("UPDATE session_tokens SET active = 0 WHERE token = ?", tokenValue); err != nil {
		return apperr.Wrap(apperr.KindDatabase, "failed to revoke session", err)
	}
	return nil
}

// StoreCredentials encrypts apiSecret and upserts the broker credentials row.
func (s *Store) StoreCredentials(userID, apiKey, apiSecret string) error {
	encrypted, err := s.vault.Encrypt(apiSecret)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO api_credentials (user_id, api_key, api_secret_encrypted)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET api_key = excluded.api_key, api_secret_encrypted = excluded.api_secret_encrypted
	`, userID, apiKey, encrypted)
	if err != nil {
		return apperr.Wrap(apperr.KindDatabase, "failed to store credentials", err)
	}

	s.audit.ForUser(userID).Info("broker credentials stored", nil)
	return nil
}

// GetCredentials decrypts and returns a user's broker credentials.
func (s *Store) GetCredentials(userID string) (*Credentials, error) {
	var apiKey, secretEnc string
	var accessTokenEnc, accessTokenExpiry sql.NullString
	err := s.db.QueryRow(
		"SELECT api_key, api_secret_encrypted, access_token_encrypted, access_token_expiry FROM api_credentials WHERE user_id = ?",
		userID,
	).Scan(&apiKey, &secretEnc, &accessTokenEnc, &accessTokenExpiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "no broker credentials stored for user")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDatabase, "failed to load credentials", err)
	}

	secret, err := s.vault.Decrypt(secretEnc)
	if err != nil {
		return nil, err
	}

	creds := &Credentials{APIKey: apiKey, APISecret: secret}
	if accessTokenEnc.Valid {
		token, err := s.vault.Decrypt(accessTokenEnc.String)
		if err != nil {
			return nil, err
		}
		creds.AccessToken = token
	}
	if accessTokenExpiry.Valid {
		if t, err := time.Parse(time.RFC3339, accessTokenExpiry.String); err == nil {
			creds.AccessTokenExpiry = &t
		}
	}

	return creds, nil
}

// StoreAccessToken encrypts and persists a freshly exchanged broker access token.
func (s *Store) StoreAccessToken(userID, accessToken string, expiry time.Time) error {
	encrypted, err := s.vault.Encrypt(accessToken)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"UPDATE api_credentials SET access_token_encrypted = ?, access_token_expiry = ? WHERE user_id = ?",
		encrypted, expiry.Format(time.RFC3339), userID,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindDatabase, "failed to store access token", err)
	}
	return nil
}

// RotateMasterKey re-encrypts every stored broker secret and access token
// under newKey inside a single transaction, swapping the vault's active key
// only once the transaction has committed. Any failure rolls the whole
// transaction back, leaving every blob under the prior key.
func (s *Store) RotateMasterKey(ctx context.Context, newKey []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindDatabase, "failed to begin key rotation", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, "SELECT user_id, api_secret_encrypted, access_token_encrypted FROM api_credentials")
	if err != nil {
		return apperr.Wrap(apperr.KindDatabase, "failed to load credentials for rotation", err)
	}

	type blobRef struct {
		userID string
		column string
		blob   string
	}
	byID := make(map[string]blobRef)
	var ids []string
	for rows.Next() {
		var userID, secretEnc string
		var tokenEnc sql.NullString
		if err := rows.Scan(&userID, &secretEnc, &tokenEnc); err != nil {
			rows.Close()
			return apperr.Wrap(apperr.KindDatabase, "failed to scan credentials row", err)
		}
		id := userID + "/api_secret_encrypted"
		byID[id] = blobRef{userID: userID, column: "api_secret_encrypted", blob: secretEnc}
		ids = append(ids, id)
		if tokenEnc.Valid && tokenEnc.String != "" {
			id = userID + "/access_token_encrypted"
			byID[id] = blobRef{userID: userID, column: "access_token_encrypted", blob: tokenEnc.String}
			ids = append(ids, id)
		}
	}
	rows.Close()

	err = s.vault.Rotate(newKey, ids,
		func(id string) (string, error) { return byID[id].blob, nil },
		func(id, reencrypted string) error {
			ref := byID[id]
			_, err := tx.ExecContext(ctx,
				"UPDATE api_credentials SET "+ref.column+" = ? WHERE user_id = ?",
				reencrypted, ref.userID)
			return err
		},
		tx.Commit,
	)
	if err != nil {
		return err
	}

	s.audit.Info("master key rotated", map[string]interface{}{"blobs": len(ids)})
	return nil
}

// CleanupExpiredSessions removes session rows whose expiry is more than
// sessionReap in the past, returning the number of rows removed.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-sessionReap).Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, "DELETE FROM session_tokens WHERE expires_at < ?", cutoff)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindDatabase, "failed to clean up expired sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Wrap(apperr.KindDatabase, "failed to count cleaned up sessions", err)
	}
	return int(n), nil
}

func (s *Store) isRateLimited(username string) bool {
	key := strings.ToLower(username)
	s.mu.Lock()
	defer s.mu.Unlock()

	attempts := s.prune(key)
	return len(attempts) >= rateLimitThreshold
}

func (s *Store) recordFailedLogin(username string) {
	key := strings.ToLower(username)
	s.mu.Lock()
	defer s.mu.Unlock()

	attempts := s.prune(key)
	s.failedLogins[key] = append(attempts, time.Now())
}

func (s *Store) clearFailedLogins(username string) {
	key := strings.ToLower(username)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failedLogins, key)
}

// prune must be called with s.mu held; it drops attempts outside the window
// and returns the survivors (also storing them back).
func (s *Store) prune(key string) []time.Time {
	cutoff := time.Now().Add(-rateLimitWindow)
	attempts := s.failedLogins[key]
	kept := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.failedLogins[key] = kept
	return kept
}
