package relay

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Algorithm identifies the HMAC variant a Key signs/verifies with (spec
// §4.8: "Key material uses symmetric HMAC (SHA-256/384/512)").
type Algorithm string

const (
	HS256 Algorithm = "HS256"
	HS384 Algorithm = "HS384"
	HS512 Algorithm = "HS512"
)

func (a Algorithm) secretSize() int {
	switch a {
	case HS256:
		return 32
	case HS384:
		return 48
	case HS512:
		return 64
	default:
		return 0
	}
}

// KeyOperation gates what a Key may be used for, mirroring the original
// implementation's KeyOperation enum so a verify-only key on a public relay
// node can't accidentally sign tokens.
type KeyOperation string

const (
	KeyOpSign   KeyOperation = "sign"
	KeyOpVerify KeyOperation = "verify"
)

// Key is a JWK-like record for one HMAC secret: the algorithm, the
// permitted operations, the secret itself, and an optional key ID for
// rotation (spec §6, §4.8).
type Key struct {
	Algorithm  Algorithm      `json:"alg"`
	Operations []KeyOperation `json:"key_ops"`
	Secret     []byte         `json:"-"`
	KID        string         `json:"kid,omitempty"`
}

// keyJSON is Key's wire shape: Secret is base64url(no padding) under "k",
// matching the original's JWK-like encoding.
type keyJSON struct {
	Algorithm  Algorithm      `json:"alg"`
	Operations []KeyOperation `json:"key_ops"`
	Secret     string         `json:"k"`
	KID        string         `json:"kid,omitempty"`
}

func (k *Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(keyJSON{
		Algorithm:  k.Algorithm,
		Operations: k.Operations,
		Secret:     base64.RawURLEncoding.EncodeToString(k.Secret),
		KID:        k.KID,
	})
}

func (k *Key) UnmarshalJSON(data []byte) error {
	var kj keyJSON
	if err := json.Unmarshal(data, &kj); err != nil {
		return err
	}
	secret, err := decodeBase64URL(kj.Secret)
	if err != nil {
		return fmt.Errorf("key secret: %w", err)
	}
	k.Algorithm = kj.Algorithm
	k.Operations = kj.Operations
	k.Secret = secret
	k.KID = kj.KID
	return nil
}

func (k *Key) can(op KeyOperation) bool {
	for _, o := range k.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// GenerateKey creates a fresh random key for algorithm alg, permitted to
// both sign and verify.
func GenerateKey(alg Algorithm, kid string) (*Key, error) {
	size := alg.secretSize()
	if size == 0 {
		return nil, fmt.Errorf("relay: unsupported algorithm %q", alg)
	}
	secret := make([]byte, size)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("relay: generating key secret: %w", err)
	}
	return &Key{
		Algorithm:  alg,
		Operations: []KeyOperation{KeyOpSign, KeyOpVerify},
		Secret:     secret,
		KID:        kid,
	}, nil
}

// LoadKeyFile reads a key from path, accepting either the base64url-encoded
// JWK-like record the original CLI writes, or the equivalent raw JSON
// (spec's SUPPLEMENTED FEATURES: "raw-JSON fallback").
func LoadKeyFile(path string) (*Key, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("relay: reading key file: %w", err)
	}
	trimmed := strings.TrimSpace(string(contents))

	var raw []byte
	if strings.HasPrefix(trimmed, "{") {
		raw = []byte(trimmed)
	} else {
		decoded, err := decodeBase64URL(trimmed)
		if err != nil {
			return nil, fmt.Errorf("relay: key file is neither JSON nor base64url: %w", err)
		}
		raw = decoded
	}

	var k Key
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, fmt.Errorf("relay: parsing key file: %w", err)
	}
	return &k, nil
}

// SaveKeyFile writes k to path as base64url(JSON), the canonical on-disk
// form new keys are written in.
func SaveKeyFile(path string, k *Key) error {
	encoded, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("relay: encoding key: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(encoded)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return fmt.Errorf("relay: writing key file: %w", err)
	}
	return nil
}

func decodeBase64URL(s string) ([]byte, error) {
	if data, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.New("invalid base64url encoding")
	}
	return data, nil
}
