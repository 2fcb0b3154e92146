package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/nullstreams/moq/internal/wirepath"
)

var (
	ErrInvalidToken       = errors.New("relay: invalid token")
	ErrExpiredToken       = errors.New("relay: token has expired")
	ErrKeyCannotSign      = errors.New("relay: key does not permit signing")
	ErrKeyCannotVerify    = errors.New("relay: key does not permit verification")
	ErrOutsideRoot        = errors.New("relay: requested path is outside the token's root")
	ErrInvalidCredentials = errors.New("relay: invalid admin credentials")
)

// Claims is the JWT payload carried by a relay auth token (spec §4.8):
// root scopes every permission, publish/subscribe independently narrow it
// (nil means no permission of that kind at all), and cluster marks tokens
// used for inter-relay gossip sessions so they're excluded from
// republication.
type Claims struct {
	Root      string  `json:"root"`
	Publish   *string `json:"pub,omitempty"`
	Subscribe *string `json:"sub,omitempty"`
	Cluster   bool    `json:"cluster,omitempty"`
	Exp       int64   `json:"exp,omitempty"`
	Iat       int64   `json:"iat,omitempty"`
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Sign produces a compact JWT for claims using k, failing if k isn't
// permitted to sign.
func (k *Key) Sign(claims Claims) (string, error) {
	if !k.can(KeyOpSign) {
		return "", ErrKeyCannotSign
	}
	h, err := hasherFor(k.Algorithm)
	if err != nil {
		return "", err
	}

	headerJSON, err := json.Marshal(jwtHeader{Alg: string(k.Algorithm), Typ: "JWT"})
	if err != nil {
		return "", fmt.Errorf("relay: marshaling header: %w", err)
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("relay: marshaling claims: %w", err)
	}

	signingInput := base64URL(headerJSON) + "." + base64URL(claimsJSON)
	mac := hmac.New(h, k.Secret)
	mac.Write([]byte(signingInput))
	return signingInput + "." + base64URL(mac.Sum(nil)), nil
}

// Verify parses and validates a relay auth token: signature, algorithm
// match, and expiry (spec §4.8 step 1). It does not apply the path-scoped
// claims reduction of step 2 — call Claims.Reduce for that.
func (k *Key) Verify(token string) (*Claims, error) {
	if !k.can(KeyOpVerify) {
		return nil, ErrKeyCannotVerify
	}
	if len(token) > 4096 {
		return nil, ErrInvalidToken
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	headerJSON, err := decodeBase64URL(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: bad header encoding", ErrInvalidToken)
	}
	var header jwtHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("%w: bad header", ErrInvalidToken)
	}
	if header.Alg != string(k.Algorithm) {
		return nil, fmt.Errorf("%w: algorithm %q does not match key", ErrInvalidToken, header.Alg)
	}

	h, err := hasherFor(k.Algorithm)
	if err != nil {
		return nil, err
	}
	signingInput := parts[0] + "." + parts[1]
	mac := hmac.New(h, k.Secret)
	mac.Write([]byte(signingInput))
	actual, err := decodeBase64URL(parts[2])
	if err != nil || !hmac.Equal(mac.Sum(nil), actual) {
		return nil, ErrInvalidToken
	}

	claimsJSON, err := decodeBase64URL(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad claims encoding", ErrInvalidToken)
	}
	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("%w: bad claims", ErrInvalidToken)
	}

	if claims.Exp != 0 && time.Now().Unix() > claims.Exp {
		return nil, ErrExpiredToken
	}
	return &claims, nil
}

func hasherFor(alg Algorithm) (func() hash.Hash, error) {
	switch alg {
	case HS256:
		return sha256.New, nil
	case HS384:
		return sha512.New384, nil
	case HS512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("relay: unsupported algorithm %q", alg)
	}
}

func base64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Scope is one reduced permission: Denied means the token grants none of
// this kind of access at all (Server.optionsFor then leaves the
// corresponding session.Options field nil); otherwise Prefixes is ready to splat into
// PublishOnly/ConsumeOnly — empty means unrestricted under the new root, so
// the caller should skip that call rather than pass it zero prefixes
// (which would deny everything instead).
type Scope struct {
	Denied   bool
	Prefixes []string
}

// Reduced is the outcome of applying Claims.Reduce: the effective root
// every subsequent OriginProducer/OriginConsumer is rebased to, plus the
// narrowed publish/subscribe scopes.
type Reduced struct {
	Root      wirepath.Path
	Publish   Scope
	Subscribe Scope
	// Cluster mirrors Claims.Cluster: true when this token authorizes an
	// inter-relay gossip session rather than an ordinary client.
	Cluster bool
}

// Reduce narrows c to the connecting client's requested urlPath (spec
// §4.8 step 2): urlPath must fall under c.Root, and the portion beyond
// root (the "suffix") strips any claim permission it's a prefix of, or
// removes that permission entirely if it isn't.
func (c *Claims) Reduce(urlPath wirepath.Path) (Reduced, error) {
	root := wirepath.New(c.Root)
	suffix, ok := urlPath.StripPrefix(root)
	if !ok {
		return Reduced{}, ErrOutsideRoot
	}

	return Reduced{
		Root:      urlPath,
		Publish:   reducePermission(c.Publish, suffix),
		Subscribe: reducePermission(c.Subscribe, suffix),
		Cluster:   c.Cluster,
	}, nil
}

// reducePermission strips suffix from claim (a path relative to the
// token's root): Denied if claim is absent or doesn't cover suffix at
// all, unrestricted (empty Prefixes) if claim is empty (the whole root,
// whatever the suffix) or covers suffix exactly, or narrowed to the
// remainder otherwise.
func reducePermission(claim *string, suffix wirepath.Path) Scope {
	if claim == nil {
		return Scope{Denied: true}
	}
	claimPath := wirepath.New(*claim)
	if claimPath.IsRoot() {
		return Scope{Prefixes: []string{}}
	}
	rest, ok := claimPath.StripPrefix(suffix)
	if !ok {
		return Scope{Denied: true}
	}
	if rest.IsRoot() {
		return Scope{Prefixes: []string{}}
	}
	return Scope{Prefixes: []string{rest.String()}}
}
