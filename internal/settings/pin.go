package settings

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// pinParams are the Argon2id cost settings of a stored PIN hash.
type pinParams struct {
	memory  uint32 // KiB
	time    uint32
	threads uint8
}

// currentPINParams is the OWASP low-memory profile (19 MiB, 2 passes), so
// a PIN check stays fast on a handset.
var currentPINParams = pinParams{memory: 19 * 1024, time: 2, threads: 1}

const (
	pinSaltLen = 16
	pinKeyLen  = 32
)

var b64 = base64.RawStdEncoding

// pinHash is a decoded "$argon2id$v=19$m=...,t=...,p=...$salt$key" string.
type pinHash struct {
	params pinParams
	salt   []byte
	key    []byte
}

// hashPIN derives a fresh hash of pin with currentPINParams.
func hashPIN(pin string) (string, error) {
	salt := make([]byte, pinSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	h := pinHash{params: currentPINParams, salt: salt}
	h.key = h.derive(pin, pinKeyLen)
	return h.String(), nil
}

func (h pinHash) derive(pin string, keyLen uint32) []byte {
	p := h.params
	return argon2.IDKey([]byte(pin), h.salt, p.time, p.memory, p.threads, keyLen)
}

// matches reports whether pin hashes to h.key in constant time.
func (h pinHash) matches(pin string) bool {
	return subtle.ConstantTimeCompare(h.key, h.derive(pin, uint32(len(h.key)))) == 1
}

// outdated reports whether h was made with other cost settings than new
// hashes get.
func (h pinHash) outdated() bool {
	return h.params != currentPINParams || len(h.key) != pinKeyLen
}

func (h pinHash) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.memory, h.params.time, h.params.threads,
		b64.EncodeToString(h.salt), b64.EncodeToString(h.key))
}

func parsePINHash(encoded string) (pinHash, error) {
	var h pinHash

	rest, ok := strings.CutPrefix(encoded, "$argon2id$")
	if !ok {
		return h, errors.New("not an argon2id hash")
	}
	fields := strings.Split(rest, "$")
	if len(fields) != 4 {
		return h, fmt.Errorf("malformed hash: %d fields after algorithm, want 4", len(fields))
	}

	var version int
	if _, err := fmt.Sscanf(fields[0], "v=%d", &version); err != nil || version != argon2.Version {
		return h, fmt.Errorf("unsupported argon2 version %q", fields[0])
	}
	p := &h.params
	if _, err := fmt.Sscanf(fields[1], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return h, fmt.Errorf("parsing cost parameters: %w", err)
	}

	var err error
	if h.salt, err = b64.DecodeString(fields[2]); err != nil {
		return h, fmt.Errorf("decoding salt: %w", err)
	}
	if h.key, err = b64.DecodeString(fields[3]); err != nil {
		return h, fmt.Errorf("decoding key: %w", err)
	}
	if len(h.key) == 0 {
		return h, errors.New("empty key")
	}
	return h, nil
}
