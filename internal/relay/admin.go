package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// AdminConfig configures the relay's operator-only admin surface: a single
// bcrypt-hashed credential gating key issuance/rotation, distinct from the
// per-session HMAC claims in auth.go (spec §6 relay operator tooling).
type AdminConfig struct {
	Username string
	Password string

	TokenTTL           time.Duration
	MaxLoginAttempts   int
	LoginWindowSeconds int
}

// loginAttempt records a single principal's recent failures for
// sliding-window rate limiting.
type loginAttempt struct {
	timestamps []time.Time
}

// rateLimiter throttles repeated admin login failures per remote IP.
type rateLimiter struct {
	mu         sync.Mutex
	attempts   map[string]*loginAttempt
	maxFails   int
	windowSize time.Duration
}

func newRateLimiter(maxFails int, windowSize time.Duration) *rateLimiter {
	if maxFails <= 0 {
		maxFails = 5
	}
	if windowSize <= 0 {
		windowSize = 15 * time.Minute
	}
	rl := &rateLimiter{
		attempts:   make(map[string]*loginAttempt),
		maxFails:   maxFails,
		windowSize: windowSize,
	}
	go rl.cleanup()
	return rl
}

// cleanup periodically evicts entries with no timestamps left in the
// window so the map doesn't grow without bound from one-off or spoofed
// source IPs that never come back to retry.
func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		for key, entry := range rl.attempts {
			rl.pruneOld(entry)
			if len(entry.timestamps) == 0 {
				delete(rl.attempts, key)
			}
		}
		rl.mu.Unlock()
	}
}

// remainingLockout reports how long until key's oldest failure ages out of
// the window, or 0 if key isn't currently locked out.
func (rl *rateLimiter) remainingLockout(key string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	entry, ok := rl.attempts[key]
	if !ok || len(entry.timestamps) == 0 {
		return 0
	}
	rl.pruneOld(entry)
	if len(entry.timestamps) < rl.maxFails {
		return 0
	}
	return time.Until(entry.timestamps[0].Add(rl.windowSize))
}

func (rl *rateLimiter) isAllowed(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	entry, ok := rl.attempts[key]
	if !ok {
		return true
	}
	rl.pruneOld(entry)
	return len(entry.timestamps) < rl.maxFails
}

func (rl *rateLimiter) recordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	entry, ok := rl.attempts[key]
	if !ok {
		entry = &loginAttempt{}
		rl.attempts[key] = entry
	}
	rl.pruneOld(entry)
	entry.timestamps = append(entry.timestamps, time.Now())
}

func (rl *rateLimiter) recordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// pruneOld drops timestamps outside the window. Caller must hold rl.mu.
func (rl *rateLimiter) pruneOld(entry *loginAttempt) {
	cutoff := time.Now().Add(-rl.windowSize)
	n := 0
	for _, t := range entry.timestamps {
		if t.After(cutoff) {
			entry.timestamps[n] = t
			n++
		}
	}
	entry.timestamps = entry.timestamps[:n]
}

// AdminAuth gates the relay's key-management HTTP surface behind a single
// bcrypt-hashed operator credential plus a short-lived bearer session token
// (its own HMAC-signed JWT, independent of the per-client Claims in
// auth.go — an admin session authorizes managing keys, not a moq session).
type AdminAuth struct {
	cfg          AdminConfig
	passwordHash []byte
	tokenKey     *Key
	limiter      *rateLimiter
}

// NewAdminAuth hashes cfg.Password with bcrypt immediately; the plaintext
// is never retained. Returns nil if cfg.Username is empty, meaning the
// admin surface is disabled entirely.
func NewAdminAuth(cfg AdminConfig) (*AdminAuth, error) {
	if cfg.Username == "" {
		return nil, nil
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = time.Hour
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("relay: hashing admin password: %w", err)
	}
	tokenKey, err := GenerateKey(HS256, "admin-session")
	if err != nil {
		return nil, fmt.Errorf("relay: generating admin session key: %w", err)
	}
	return &AdminAuth{
		cfg:          cfg,
		passwordHash: hash,
		tokenKey:     tokenKey,
		limiter:      newRateLimiter(cfg.MaxLoginAttempts, time.Duration(cfg.LoginWindowSeconds)*time.Second),
	}, nil
}

// Authenticate checks username/password against the configured operator
// credential, rate-limited per remoteAddr, and returns a short-lived
// session token on success.
func (a *AdminAuth) Authenticate(username, password, remoteAddr string) (string, error) {
	ip := extractIP(remoteAddr)
	if !a.limiter.isAllowed(ip) {
		slog.Warn("relay: admin login rate-limited", "ip", ip, "retry_after_seconds", int(a.limiter.remainingLockout(ip).Seconds()))
		return "", fmt.Errorf("relay: %s is rate-limited", ip)
	}

	usernameMatch := constantTimeEqual(username, a.cfg.Username)
	passwordMatch := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) == nil
	if !usernameMatch || !passwordMatch {
		a.limiter.recordFailure(ip)
		return "", ErrInvalidCredentials
	}
	a.limiter.recordSuccess(ip)

	now := time.Now()
	return a.tokenKey.Sign(Claims{
		Root: "admin",
		Iat:  now.Unix(),
		Exp:  now.Add(a.cfg.TokenTTL).Unix(),
	})
}

// Middleware is a gin middleware requiring a valid Bearer admin session
// token, mounted only on the key-management route group.
func (a *AdminAuth) Middleware(c *gin.Context) {
	header := c.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "authentication required"})
		return
	}
	if _, err := a.tokenKey.Verify(strings.TrimSpace(parts[1])); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "invalid or expired session"})
		return
	}
	c.Next()
}

func constantTimeEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return hmac.Equal(ha[:], hb[:])
}

func extractIP(remoteAddr string) string {
	if strings.HasPrefix(remoteAddr, "[") {
		if idx := strings.LastIndex(remoteAddr, "]:"); idx != -1 {
			return remoteAddr[1:idx]
		}
		return strings.Trim(remoteAddr, "[]")
	}
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		return remoteAddr[:idx]
	}
	return remoteAddr
}
