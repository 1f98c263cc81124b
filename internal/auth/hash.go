package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Cost used for new operator key hashes. Stored hashes carry their own
// parameters, so raising these does not invalidate deployed keys.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// Bounds accepted when parsing DENWA_OPERATOR_KEY_HASH.
const (
	maxArgonMemory = 1024 * 1024 // 1 GiB in KiB
	maxArgonTime   = 10
	minHashBytes   = 16

	// MinOperatorKeyLen is the shortest operator API key HashAPIKey accepts.
	MinOperatorKeyLen = 12
)

var (
	// ErrInvalidKeyHash reports a DENWA_OPERATOR_KEY_HASH value that is not
	// a usable Argon2id encoding.
	ErrInvalidKeyHash = errors.New("auth: invalid operator key hash")

	// ErrWeakOperatorKey is returned by HashAPIKey for keys that are too
	// short or carry surrounding whitespace.
	ErrWeakOperatorKey = errors.New("auth: operator key rejected")
)

// KeyHash is a decoded operator key hash. Its text form is
//
//	$argon2id$v=19$m=<KiB>,t=<passes>,p=<lanes>$<salt>$<key>
//
// with unpadded standard base64 for salt and key.
type KeyHash struct {
	Memory  uint32
	Time    uint32
	Threads uint8
	Salt    []byte
	Key     []byte
}

func (h KeyHash) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.Memory, h.Time, h.Threads,
		base64.RawStdEncoding.EncodeToString(h.Salt),
		base64.RawStdEncoding.EncodeToString(h.Key),
	)
}

// Verify reports whether apiKey hashes to h under h's own parameters.
func (h KeyHash) Verify(apiKey string) bool {
	computed := argon2.IDKey([]byte(apiKey), h.Salt, h.Time, h.Memory, h.Threads, uint32(len(h.Key)))
	return subtle.ConstantTimeCompare(h.Key, computed) == 1
}

// ParseKeyHash decodes and bounds-checks an encoded operator key hash.
// Configuration calls it at startup so a malformed value fails fast
// instead of rejecting every token request.
func ParseKeyHash(encoded string) (KeyHash, error) {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return KeyHash{}, fmt.Errorf("%w: want $argon2id$v=19$m=,t=,p=$salt$key", ErrInvalidKeyHash)
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return KeyHash{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidKeyHash, parts[2])
	}

	var h KeyHash
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.Memory, &h.Time, &h.Threads); err != nil {
		return KeyHash{}, fmt.Errorf("%w: parameters %q: %v", ErrInvalidKeyHash, parts[3], err)
	}
	switch {
	case h.Memory == 0 || h.Memory > maxArgonMemory:
		return KeyHash{}, fmt.Errorf("%w: memory %d KiB out of range", ErrInvalidKeyHash, h.Memory)
	case h.Time == 0 || h.Time > maxArgonTime:
		return KeyHash{}, fmt.Errorf("%w: time %d out of range", ErrInvalidKeyHash, h.Time)
	case h.Threads == 0:
		return KeyHash{}, fmt.Errorf("%w: parallelism must be positive", ErrInvalidKeyHash)
	}

	var err error
	if h.Salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return KeyHash{}, fmt.Errorf("%w: decode salt: %v", ErrInvalidKeyHash, err)
	}
	if h.Key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return KeyHash{}, fmt.Errorf("%w: decode key: %v", ErrInvalidKeyHash, err)
	}
	if len(h.Salt) < minHashBytes || len(h.Key) < minHashBytes {
		return KeyHash{}, fmt.Errorf("%w: salt and key must be at least %d bytes", ErrInvalidKeyHash, minHashBytes)
	}
	return h, nil
}

// ValidateOperatorKey rejects keys that are too short to hash.
func ValidateOperatorKey(apiKey string) error {
	if strings.TrimSpace(apiKey) != apiKey {
		return fmt.Errorf("%w: leading or trailing whitespace", ErrWeakOperatorKey)
	}
	if len(apiKey) < MinOperatorKeyLen {
		return fmt.Errorf("%w: must be at least %d characters", ErrWeakOperatorKey, MinOperatorKeyLen)
	}
	return nil
}

// HashAPIKey hashes an operator API key with Argon2id and returns the
// encoding DENWA_OPERATOR_KEY_HASH expects.
func HashAPIKey(apiKey string) (string, error) {
	if err := ValidateOperatorKey(apiKey); err != nil {
		return "", err
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	h := KeyHash{
		Memory:  argonMemory,
		Time:    argonTime,
		Threads: argonThreads,
		Salt:    salt,
		Key:     argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen),
	}
	return h.String(), nil
}

// DummyVerify burns the same Argon2id cost as a default-cost VerifyAPIKey.
// Call it when a token request is rejected before any hash was checked so
// that timing does not reveal why.
func DummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyAPIKey checks an operator key against an encoded hash.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	h, err := ParseKeyHash(encoded)
	if err != nil {
		return false, err
	}
	return h.Verify(apiKey), nil
}
