// Package auth implements credential and session management on top of the
// document store: users and sessions are plain collections, tokens are opaque
// random strings stored only as a digest.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nullcms/server/internal/logger"
	"github.com/nullcms/server/internal/model"
)

const (
	usersCollection    = "users"
	sessionsCollection = "sessions"

	sessionTTL  = 30 * 24 * time.Hour
	renewWindow = 15 * 24 * time.Hour

	usernameMinLength = 3
	usernameMaxLength = 32
	passwordMinLength = 8

	bootstrapUsername = "admin"
	bootstrapPassword = "adminpassword"

	tokenBytes = 32
)

var (
	ErrInvalidUsername = errors.New("username must be 3 to 32 characters without surrounding whitespace")
	ErrInvalidPassword = errors.New("password must be at least 8 characters")
	ErrInvalidRole     = errors.New("unknown role")
	ErrUsernameTaken   = errors.New("username already taken")
)

// Failure reasons surfaced to callers. Not errors: bad credentials and stale
// sessions are routine outcomes.
const (
	reasonInvalidCredentials = "Invalid username or password"
	reasonNoToken            = "No session token provided"
	reasonInvalidSession     = "Invalid session"
	reasonSessionExpired     = "Session expired"
	reasonUserNotFound       = "User not found"
)

// Service manages users and sessions in the backing store.
type Service struct {
	storage model.StorageStrategy
	hasher  PasswordHasher
	logger  *logger.Logger

	now func() time.Time
}

func New(storage model.StorageStrategy, hasher PasswordHasher, log *logger.Logger) *Service {
	return &Service{
		storage: storage,
		hasher:  hasher,
		logger:  log,
		now:     time.Now,
	}
}

// Initialize registers the auth collections and seeds the default admin
// account when no users exist yet. The default credentials are meant to be
// changed immediately after first login.
func (s *Service) Initialize(ctx context.Context) error {
	for _, collection := range []string{usersCollection, sessionsCollection} {
		if err := s.storage.CreateCollection(ctx, collection, nil); err != nil {
			return fmt.Errorf("failed to create %s collection: %w", collection, err)
		}
	}

	// Backends with native uniqueness close the create-race on usernames.
	if indexer, ok := s.storage.(model.UniqueIndexer); ok {
		if err := indexer.EnsureUniqueIndex(ctx, usersCollection, "username"); err != nil {
			return fmt.Errorf("failed to ensure username index: %w", err)
		}
	}

	count, err := s.storage.Count(ctx, usersCollection, nil)
	if err != nil {
		return fmt.Errorf("failed to count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	if _, err := s.CreateUser(ctx, bootstrapUsername, bootstrapPassword, model.RoleAdmin); err != nil {
		return fmt.Errorf("failed to seed admin user: %w", err)
	}
	s.logger.Warn("seeded default admin user, change its password", "username", bootstrapUsername)
	return nil
}

// CreateUser validates and stores a new user. Usernames with surrounding
// whitespace are rejected, not normalized.
func (s *Service) CreateUser(ctx context.Context, username, password string, role model.Role) (model.User, error) {
	if username != strings.TrimSpace(username) {
		return model.User{}, ErrInvalidUsername
	}
	if len(username) < usernameMinLength || len(username) > usernameMaxLength {
		return model.User{}, ErrInvalidUsername
	}
	if len(password) < passwordMinLength {
		return model.User{}, ErrInvalidPassword
	}
	if role == "" {
		role = model.RoleViewer
	}
	if !role.Valid() {
		return model.User{}, ErrInvalidRole
	}

	_, err := s.storage.FindOne(ctx, usersCollection, model.Query{"username": username})
	if err == nil {
		return model.User{}, ErrUsernameTaken
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.User{}, fmt.Errorf("failed to check username: %w", err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	doc, err := s.storage.Insert(ctx, usersCollection, model.Document{
		"username":     username,
		"passwordHash": hash,
		"role":         string(role),
	})
	if err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			return model.User{}, ErrUsernameTaken
		}
		return model.User{}, fmt.Errorf("failed to insert user: %w", err)
	}

	s.logger.Info("user created", "username", username, "role", role)
	return docToUser(doc), nil
}

// Login verifies credentials and opens a session. The returned token is shown
// once; only its digest is stored.
func (s *Service) Login(ctx context.Context, username, password string) (model.LoginResult, error) {
	failed := model.LoginResult{Reason: reasonInvalidCredentials}

	user, err := s.storage.FindOne(ctx, usersCollection, model.Query{"username": username})
	if errors.Is(err, model.ErrNotFound) {
		return failed, nil
	}
	if err != nil {
		return model.LoginResult{}, fmt.Errorf("failed to look up user: %w", err)
	}

	// A missing or malformed stored hash counts as a failed verification:
	// the caller sees the generic failure either way.
	hash, _ := user["passwordHash"].(string)
	ok, err := s.hasher.Verify(password, hash)
	if err != nil {
		s.logger.Error("stored password hash is unusable", "userId", user.ID(), "error", err)
		return failed, nil
	}
	if !ok {
		return failed, nil
	}

	now := s.now()
	if _, err := s.storage.UpdatePartial(ctx, usersCollection,
		model.Query{model.FieldID: user.ID()},
		model.Document{"lastLogin": model.FormatTime(now)},
	); err != nil {
		return model.LoginResult{}, fmt.Errorf("failed to record login time: %w", err)
	}

	token, err := newToken()
	if err != nil {
		return model.LoginResult{}, err
	}

	role, _ := user["role"].(string)
	name, _ := user["username"].(string)
	if _, err := s.storage.Insert(ctx, sessionsCollection, model.Document{
		model.FieldID: tokenDigest(token),
		"userId":      user.ID(),
		"username":    name,
		"role":        role,
		"expiresAt":   model.FormatTime(now.Add(sessionTTL)),
	}); err != nil {
		return model.LoginResult{}, fmt.Errorf("failed to create session: %w", err)
	}

	s.sweepExpired(ctx, now)

	return model.LoginResult{
		Success:  true,
		UserID:   user.ID(),
		Username: name,
		Role:     model.Role(role),
		Token:    token,
	}, nil
}

// ValidateSession resolves a bearer token. Sessions past their expiry are
// removed; sessions inside the renewal window get a fresh expiry.
func (s *Service) ValidateSession(ctx context.Context, token string) (model.SessionValidation, error) {
	invalid := model.SessionValidation{Reason: reasonInvalidSession}
	if token == "" {
		return model.SessionValidation{Reason: reasonNoToken}, nil
	}

	id := tokenDigest(token)
	session, err := s.storage.FindOne(ctx, sessionsCollection, model.Query{model.FieldID: id})
	if errors.Is(err, model.ErrNotFound) {
		return invalid, nil
	}
	if err != nil {
		return model.SessionValidation{}, fmt.Errorf("failed to look up session: %w", err)
	}

	raw, _ := session["expiresAt"].(string)
	expiresAt, err := model.ParseTime(raw)
	if err != nil {
		return invalid, nil
	}

	now := s.now()
	if !expiresAt.After(now) {
		if _, err := s.storage.Delete(ctx, sessionsCollection, model.Query{model.FieldID: id}); err != nil {
			s.logger.Error("failed to delete expired session", "error", err)
		}
		return model.SessionValidation{Reason: reasonSessionExpired}, nil
	}

	// The user is re-resolved so deleted accounts lose access immediately and
	// role changes take effect without a new login. A session whose user is
	// gone is dead weight and gets removed before any renewal could touch it.
	userID, _ := session["userId"].(string)
	user, err := s.storage.FindOne(ctx, usersCollection, model.Query{model.FieldID: userID})
	if errors.Is(err, model.ErrNotFound) {
		if _, err := s.storage.Delete(ctx, sessionsCollection, model.Query{model.FieldID: id}); err != nil {
			s.logger.Error("failed to delete orphaned session", "error", err)
		}
		return model.SessionValidation{Reason: reasonUserNotFound}, nil
	}
	if err != nil {
		return model.SessionValidation{}, fmt.Errorf("failed to look up session user: %w", err)
	}

	if expiresAt.Sub(now) < renewWindow {
		if _, err := s.storage.UpdatePartial(ctx, sessionsCollection,
			model.Query{model.FieldID: id},
			model.Document{"expiresAt": model.FormatTime(now.Add(sessionTTL))},
		); err != nil {
			s.logger.Error("failed to renew session", "error", err)
		}
	}

	username, _ := user["username"].(string)
	role, _ := user["role"].(string)
	return model.SessionValidation{
		Valid:    true,
		UserID:   userID,
		Username: username,
		Role:     model.Role(role),
	}, nil
}

// Logout removes the session for a token, reporting whether one existed.
func (s *Service) Logout(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	count, err := s.storage.Delete(ctx, sessionsCollection, model.Query{model.FieldID: tokenDigest(token)})
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	return count > 0, nil
}

// LogoutAll removes every session belonging to a user, returning how many
// were closed.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int, error) {
	count, err := s.storage.Delete(ctx, sessionsCollection, model.Query{"userId": userID})
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	return count, nil
}

// UpdatePassword replaces a user's password after verifying the current one,
// and invalidates their sessions. Returns false when the current password
// does not match.
func (s *Service) UpdatePassword(ctx context.Context, userID, currentPassword, newPassword string) (bool, error) {
	if len(newPassword) < passwordMinLength {
		return false, ErrInvalidPassword
	}

	user, err := s.storage.FindOne(ctx, usersCollection, model.Query{model.FieldID: userID})
	if err != nil {
		return false, err
	}

	current, _ := user["passwordHash"].(string)
	ok, err := s.hasher.Verify(currentPassword, current)
	if err != nil {
		return false, fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok {
		return false, nil
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return false, fmt.Errorf("failed to hash password: %w", err)
	}

	if _, err := s.storage.UpdatePartial(ctx, usersCollection,
		model.Query{model.FieldID: userID},
		model.Document{"passwordHash": hash},
	); err != nil {
		return false, fmt.Errorf("failed to update password: %w", err)
	}

	if _, err := s.LogoutAll(ctx, userID); err != nil {
		return false, err
	}
	return true, nil
}

// GetUsers lists all users, without credential material.
func (s *Service) GetUsers(ctx context.Context) ([]model.User, error) {
	docs, err := s.storage.Find(ctx, usersCollection, nil, model.FindOptions{
		OrderBy: []model.Order{{Field: "username", Direction: "asc"}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	users := make([]model.User, len(docs))
	for i, doc := range docs {
		users[i] = docToUser(doc)
	}
	return users, nil
}

func (s *Service) GetUserByID(ctx context.Context, id string) (model.User, error) {
	doc, err := s.storage.FindOne(ctx, usersCollection, model.Query{model.FieldID: id})
	if err != nil {
		return model.User{}, err
	}
	return docToUser(doc), nil
}

// sweepExpired opportunistically clears dead sessions. Failures are logged,
// not returned: the login that triggered the sweep already succeeded.
func (s *Service) sweepExpired(ctx context.Context, now time.Time) {
	// Timestamps are fixed-width UTC, so lexicographic order is time order.
	stale, err := s.storage.Find(ctx, sessionsCollection, nil, model.FindOptions{
		Where: []model.Filter{{Field: "expiresAt", Operator: model.OpLT, Value: model.FormatTime(now)}},
	})
	if err != nil {
		s.logger.Error("failed to find expired sessions", "error", err)
		return
	}
	for _, session := range stale {
		if _, err := s.storage.Delete(ctx, sessionsCollection, model.Query{model.FieldID: session.ID()}); err != nil {
			s.logger.Error("failed to delete expired session", "error", err)
		}
	}
}

func docToUser(doc model.Document) model.User {
	username, _ := doc["username"].(string)
	role, _ := doc["role"].(string)
	user := model.User{
		ID:       doc.ID(),
		Username: username,
		Role:     model.Role(role),
	}
	if raw, ok := doc["lastLogin"].(string); ok {
		if t, err := model.ParseTime(raw); err == nil {
			user.LastLogin = t
		}
	}
	return user
}

func newToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
