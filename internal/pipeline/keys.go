package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"dbkp/internal/config"
	"dbkp/internal/fault"
)

const (
	KeySize          = 32
	PBKDF2Iterations = 600_000

	kdfRaw    byte = 0
	kdfPBKDF2 byte = 1

	hkdfInfo = "dbkp stream key"
)

// Key is the material for the encryption stage: either a raw 256-bit key or
// a passphrase. Both are turned into a per-stream key with the salt stored in
// the stream header: HKDF for raw keys, PBKDF2 for passphrases.
type Key struct {
	raw        []byte
	passphrase []byte
}

func RawKey(b []byte) (*Key, error) {
	if len(b) != KeySize {
		return nil, fault.Newf(fault.KindConfiguration, "encryption key", "key must be %d bytes, got %d", KeySize, len(b))
	}
	return &Key{raw: append([]byte(nil), b...)}, nil
}

func PassphraseKey(passphrase string) (*Key, error) {
	if passphrase == "" {
		return nil, fault.Newf(fault.KindConfiguration, "encryption key", "passphrase is empty")
	}
	return &Key{passphrase: []byte(passphrase)}, nil
}

// KeyFromHex parses a 64 character hex string.
func KeyFromHex(s string) (*Key, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fault.Configuration("encryption key", fmt.Errorf("decode hex key: %w", err))
	}
	return RawKey(b)
}

func (k *Key) kdf() byte {
	if k.raw != nil {
		return kdfRaw
	}
	return kdfPBKDF2
}

// derive returns the stream key for the header's kdf byte and salt. The
// header is untrusted until the first segment opens, so a kdf that does not
// match the supplied key is an authentication failure.
func (k *Key) derive(kdf byte, salt []byte) ([]byte, error) {
	switch kdf {
	case kdfRaw:
		if k.raw == nil {
			return nil, fault.Auth("decrypt", errors.New("stream header names a raw key but a passphrase was supplied"))
		}
		out := make([]byte, KeySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, k.raw, salt, []byte(hkdfInfo)), out); err != nil {
			return nil, fault.New(fault.KindInternal, "derive stream key", err)
		}
		return out, nil
	case kdfPBKDF2:
		if k.passphrase == nil {
			return nil, fault.Auth("decrypt", errors.New("stream header names a passphrase but a raw key was supplied"))
		}
		return pbkdf2.Key(k.passphrase, salt, PBKDF2Iterations, KeySize, sha256.New), nil
	default:
		return nil, fault.Auth("decrypt", fmt.Errorf("unknown key derivation %d", kdf))
	}
}

// LoadKey resolves the key described by e. It returns nil, nil when encryption
// is disabled.
func LoadKey(e config.EncryptionConfig) (*Key, error) {
	if !e.Enabled {
		return nil, nil
	}
	switch e.KeySource {
	case config.KeySourceEnv:
		v := os.Getenv(e.KeyEnv)
		if v == "" {
			return nil, fault.Newf(fault.KindConfiguration, "encryption key", "environment variable %s is not set", e.KeyEnv)
		}
		return KeyFromHex(v)
	case config.KeySourceFile:
		data, err := os.ReadFile(e.KeyFile)
		if err != nil {
			return nil, fault.Configuration("encryption key", fmt.Errorf("read key file: %w", err))
		}
		if len(data) == KeySize {
			return RawKey(data)
		}
		return KeyFromHex(string(data))
	case config.KeySourcePassphrase:
		return PassphraseKey(os.Getenv(e.PassphraseEnv))
	default:
		return nil, fault.Newf(fault.KindConfiguration, "encryption key", "unknown key source %q", e.KeySource)
	}
}

// KeyForRef loads the key a persisted encryption stage names, so a restore
// uses the key source recorded with the backup rather than today's settings.
func KeyForRef(ref string) (*Key, error) {
	source, arg, ok := strings.Cut(ref, ":")
	if !ok || arg == "" {
		return nil, fault.Newf(fault.KindConfiguration, "encryption key", "malformed key reference %q", ref)
	}
	e := config.EncryptionConfig{Enabled: true, KeySource: source}
	switch source {
	case config.KeySourceEnv:
		e.KeyEnv = arg
	case config.KeySourceFile:
		e.KeyFile = arg
	case config.KeySourcePassphrase:
		e.PassphraseEnv = arg
	}
	return LoadKey(e)
}

func keyRef(e config.EncryptionConfig) string {
	switch e.KeySource {
	case config.KeySourceEnv:
		return "env:" + e.KeyEnv
	case config.KeySourceFile:
		return "file:" + e.KeyFile
	case config.KeySourcePassphrase:
		return "passphrase:" + e.PassphraseEnv
	default:
		return e.KeySource
	}
}
