package push

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"

	"github.com/driftline/notify-api/internal/config"
)

// ErrNotConfigured is returned when the provider credentials are absent
// or unusable. It disables the native channel only; realtime delivery
// is unaffected.
var ErrNotConfigured = errors.New("push: provider credentials not configured")

const (
	tokenLifetime      = time.Hour
	tokenRefreshMargin = 10 * time.Minute
)

// TokenSource mints and caches the short-lived ES256 provider token the
// push endpoint requires. The cache is process-local on purpose: signing
// is cheap enough that each worker minting its own token beats any
// cross-process coordination.
type TokenSource struct {
	key    *ecdsa.PrivateKey
	keyID  string
	teamID string

	mu       sync.Mutex
	token    string
	issuedAt time.Time
}

// NewTokenSource loads the PEM-encoded signing key named by the config.
// A missing key file, key id, or team id is a configuration error, not
// something worth retrying.
func NewTokenSource(cfg config.PushConfig) (*TokenSource, error) {
	if strings.TrimSpace(cfg.KeyFile) == "" || strings.TrimSpace(cfg.KeyID) == "" || strings.TrimSpace(cfg.TeamID) == "" {
		return nil, ErrNotConfigured
	}

	raw, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, errors.Wrapf(ErrNotConfigured, "read signing key %s: %v", cfg.KeyFile, err)
	}
	key, err := parseSigningKey(raw)
	if err != nil {
		return nil, errors.Wrapf(ErrNotConfigured, "parse signing key %s: %v", cfg.KeyFile, err)
	}

	return NewTokenSourceFromKey(key, cfg.KeyID, cfg.TeamID), nil
}

// NewTokenSourceFromKey builds a source around an already-parsed key.
func NewTokenSourceFromKey(key *ecdsa.PrivateKey, keyID, teamID string) *TokenSource {
	return &TokenSource{key: key, keyID: keyID, teamID: teamID}
}

// Token returns the cached provider token while it still has more than
// the refresh margin of validity left, and signs a fresh one otherwise.
func (s *TokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.token != "" && now.Before(s.issuedAt.Add(tokenLifetime-tokenRefreshMargin)) {
		return s.token, nil
	}

	claims := jwt.MapClaims{
		"iss": s.teamID,
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", errors.Wrap(err, "sign provider token")
	}

	s.token = signed
	s.issuedAt = now
	return signed, nil
}

// ExpiresAt reports when the cached token stops being usable. Zero time
// when no token has been minted yet.
func (s *TokenSource) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return time.Time{}
	}
	return s.issuedAt.Add(tokenLifetime)
}

func parseSigningKey(raw []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// Provider keys are normally PKCS#8, but accept SEC 1 too.
		ecKey, ecErr := x509.ParseECPrivateKey(block.Bytes)
		if ecErr != nil {
			return nil, err
		}
		return ecKey, nil
	}

	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("signing key is not an ECDSA key")
	}
	return key, nil
}
