package vault

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aristath/sentinel/internal/apperr"
	"golang.org/x/crypto/argon2"
)

// phc formats an Argon2id hash as a PHC string:
// $argon2id$v=19$m=<mem>,t=<time>,p=<threads>$<salt>$<hash>
const phcPrefix = "$argon2id$v=19$"

// HashPassword hashes password with Argon2id and a random salt, returning a
// self-describing PHC string.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "failed to generate salt", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("%sm=%d,t=%d,p=%d$%s$%s",
		phcPrefix, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword reports whether password matches a PHC string produced by
// HashPassword. A malformed hash returns (false, KdfError-flavoured error).
func VerifyPassword(password, phc string) (bool, error) {
	if !strings.HasPrefix(phc, phcPrefix) {
		return false, apperr.New(apperr.KindCrypto, "unrecognized password hash format")
	}

	rest := strings.TrimPrefix(phc, phcPrefix)
	parts := strings.Split(rest, "$")
	if len(parts) != 3 {
		return false, apperr.New(apperr.KindCrypto, "malformed password hash")
	}

	var mem uint32
	var time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[0], "m=%d,t=%d,p=%d", &mem, &time, &threads); err != nil {
		return false, apperr.Wrap(apperr.KindCrypto, "malformed password hash parameters", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, apperr.Wrap(apperr.KindCrypto, "malformed password hash salt", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false, apperr.Wrap(apperr.KindCrypto, "malformed password hash digest", err)
	}

	got := argon2.IDKey([]byte(password), salt, time, mem, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
