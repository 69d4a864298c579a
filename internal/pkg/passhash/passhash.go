// Package passhash produces and verifies argon2id password verifiers in
// PHC string format, e.g.
//
//	$argon2id$v=19$m=65536,t=3,p=2$<salt>$<key>
//
// Parameters are embedded in the verifier, so they can be raised later
// without invalidating stored credentials.
package passhash

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	defaultMemoryKiB = 64 * 1024
	defaultTime      = 3
	defaultThreads   = 2
	saltLen          = 16
	keyLen           = 32
)

var (
	ErrMalformed   = errors.New("passhash: malformed verifier")
	ErrUnsupported = errors.New("passhash: unsupported scheme")
)

var b64 = base64.RawStdEncoding

// Hash derives a verifier for password with the default parameters.
func Hash(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("passhash: salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, defaultTime, defaultMemoryKiB, defaultThreads, keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, defaultMemoryKiB, defaultTime, defaultThreads,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// Verify reports whether password matches the verifier. Parameters come
// from the verifier itself. The comparison is constant-time.
func Verify(verifier, password string) (bool, error) {
	parts := strings.Split(verifier, "$")
	if len(parts) != 6 || parts[0] != "" {
		return false, ErrMalformed
	}
	if parts[1] != "argon2id" {
		return false, ErrUnsupported
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, ErrMalformed
	}
	if version != argon2.Version {
		return false, ErrUnsupported
	}

	var memory, iters uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iters, &threads); err != nil {
		return false, ErrMalformed
	}
	if memory == 0 || iters == 0 || threads == 0 {
		return false, ErrMalformed
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return false, ErrMalformed
	}
	want, err := b64.DecodeString(parts[5])
	if err != nil {
		return false, ErrMalformed
	}
	if len(want) == 0 {
		return false, ErrMalformed
	}

	got := argon2.IDKey([]byte(password), salt, iters, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
