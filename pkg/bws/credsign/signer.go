// Package credsign issues and caches the short-lived bearer credential the
// BWS RPC client attaches to every call (spec §4.1, §6.2): an HMAC-SHA512
// signed claims blob with subject=issuer=client-id, audience "BWS", cached
// and refreshed at 80% of its TTL. Grounded on the reference stack's
// self-issued HMAC session JWT, swapped from HS256 to HS512 and generalized
// to extend short configured secrets via HKDF rather than rejecting them.
package credsign

import (
	"crypto/sha512"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/crypto/hkdf"
)

const (
	audience    = "BWS"
	minKeyBytes = 64
	// refreshFraction is when a cached credential is proactively renewed,
	// well before expiry, so an in-flight call never races an expiring token.
	refreshFraction = 0.8
)

// Claims is the BWS bearer-credential payload (spec §6.2): sub and iss both
// equal the configured client id, aud is fixed at "BWS".
type Claims struct {
	Subject string `json:"sub"`
	Issuer  string `json:"iss"`
}

// Signer issues and caches HMAC-SHA512-signed bearer credentials for a
// single (client-id, secret) pair. One Signer is shared by every region and
// channel in the pool.
type Signer struct {
	clientID string
	key      []byte
	ttl      time.Duration

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
	refreshAt time.Time
	now       func() time.Time
}

// New builds a Signer. secret is extended to a 64-byte HMAC key via HKDF-SHA512
// when shorter, matching the "hashes/extends the secret" call-level contract
// in spec §4.1 rather than rejecting short secrets outright.
func New(clientID, secret string, ttl time.Duration) (*Signer, error) {
	if clientID == "" {
		return nil, fmt.Errorf("credsign: clientID must not be empty")
	}
	if secret == "" {
		return nil, fmt.Errorf("credsign: secret must not be empty")
	}
	key, err := extendKey(secret)
	if err != nil {
		return nil, err
	}
	return &Signer{
		clientID: clientID,
		key:      key,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

func extendKey(secret string) ([]byte, error) {
	raw := []byte(secret)
	if len(raw) >= minKeyBytes {
		return raw[:minKeyBytes], nil
	}
	hk := hkdf.New(sha512.New, raw, nil, []byte("bws-bearer-credential"))
	key := make([]byte, minKeyBytes)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, fmt.Errorf("credsign: extending secret via hkdf: %w", err)
	}
	return key, nil
}

// Token returns a valid bearer credential, reusing the cached one until it
// crosses the refresh threshold.
func (s *Signer) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cached != "" && now.Before(s.refreshAt) {
		return s.cached, nil
	}

	token, expiresAt, err := s.issue(now)
	if err != nil {
		return "", err
	}
	s.cached = token
	s.expiresAt = expiresAt
	s.refreshAt = now.Add(time.Duration(float64(s.ttl) * refreshFraction))
	return token, nil
}

func (s *Signer) issue(now time.Time) (string, time.Time, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS512, Key: s.key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("credsign: creating signer: %w", err)
	}

	expiry := now.Add(s.ttl)
	registered := jwt.Claims{
		Subject:   s.clientID,
		Issuer:    s.clientID,
		Audience:  jwt.Audience{audience},
		NotBefore: jwt.NewNumericDate(now),
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(expiry),
	}

	token, err := jwt.Signed(signer).Claims(registered).Serialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("credsign: signing token: %w", err)
	}
	return token, expiry, nil
}

// ExpiresAt returns the expiry of the currently cached credential, or the
// zero time if none has been issued yet.
func (s *Signer) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}
