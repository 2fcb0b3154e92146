package relay

import (
	"sync"

	"github.com/nullstreams/moq/internal/wirepath"
)

// Keyring resolves which Key verifies a connecting client's token, mirroring
// the original relay's per-path key configuration: a root key covers every
// path by default (the --auth-key flag, spec §4.8, §6), and more specific
// keys can be registered for a subtree with AddPathKey, with the most
// specific match winning.
type Keyring struct {
	mu       sync.RWMutex
	root     *Key
	byPath   map[string]*Key
	allowAll bool
}

// NewKeyring creates a keyring whose root key verifies any path without a
// more specific key registered.
func NewKeyring(root *Key) *Keyring {
	return &Keyring{root: root, byPath: make(map[string]*Key)}
}

// NewOpenKeyring creates a keyring that authorizes every path unrestricted
// without checking any token at all (spec §6 --auth-public, for local
// testing and development only).
func NewOpenKeyring() *Keyring {
	return &Keyring{byPath: make(map[string]*Key), allowAll: true}
}

// AddPathKey registers key as authoritative for path and everything beneath
// it, taking precedence over the root key and any shorter registered path.
func (k *Keyring) AddPathKey(path string, key *Key) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.byPath[wirepath.New(path).String()] = key
}

// keyFor walks from path up to the root looking for the most specific
// registered key, falling back to the root key.
func (k *Keyring) keyFor(path wirepath.Path) *Key {
	k.mu.RLock()
	defer k.mu.RUnlock()
	cur := path
	for {
		if key, ok := k.byPath[cur.String()]; ok {
			return key
		}
		if cur.IsRoot() {
			return k.root
		}
		cur = wirepath.FromSegments(cur.Segments[:len(cur.Segments)-1])
	}
}

// Authorize verifies token against the key configured for path and reduces
// its claims to that path (spec §4.8 steps 1-2).
func (k *Keyring) Authorize(path, token string) (*Reduced, error) {
	urlPath := wirepath.New(path)
	if k.allowAll {
		unrestricted := ""
		claims := Claims{Root: urlPath.String(), Publish: &unrestricted, Subscribe: &unrestricted}
		reduced, err := claims.Reduce(urlPath)
		return &reduced, err
	}
	key := k.keyFor(urlPath)
	if key == nil {
		return nil, ErrInvalidToken
	}
	claims, err := key.Verify(token)
	if err != nil {
		return nil, err
	}
	reduced, err := claims.Reduce(urlPath)
	if err != nil {
		return nil, err
	}
	return &reduced, nil
}
