package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/nullcms/server/internal/config"
)

const (
	saltLength = 16
	keyLength  = 32
)

// PasswordHasher derives and verifies password hashes. Verify must run in
// constant time with respect to the hash contents.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, encoded string) (bool, error)
}

var _ PasswordHasher = (*Argon2Hasher)(nil)

// Argon2Hasher hashes passwords with argon2id, encoded in the standard
// $argon2id$v=19$m=..,t=..,p=..$salt$hash form. Parameters are stored inside
// the encoding, so they can change without invalidating existing hashes.
type Argon2Hasher struct {
	time    uint32
	memory  uint32
	threads uint8
}

func NewArgon2Hasher(cfg config.KDF) *Argon2Hasher {
	h := &Argon2Hasher{
		time:    cfg.Time,
		memory:  cfg.MemKiB,
		threads: cfg.Par,
	}
	if h.time == 0 {
		h.time = 3
	}
	if h.memory == 0 {
		h.memory = 64 * 1024
	}
	if h.threads == 0 {
		h.threads = 2
	}
	return h
}

func (h *Argon2Hasher) Hash(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.time, h.memory, h.threads, keyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.time, h.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (h *Argon2Hasher) Verify(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("malformed password hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("malformed password hash version: %w", err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("unsupported argon2 version %d", version)
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, fmt.Errorf("malformed password hash parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("malformed password hash salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("malformed password hash key: %w", err)
	}

	got := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
