package credsign

import (
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsEmptyClientIDOrSecret(t *testing.T) {
	_, err := New("", "secret", time.Minute)
	assert.Error(t, err)

	_, err = New("client-1", "", time.Minute)
	assert.Error(t, err)
}

func TestNew_ExtendsShortSecretViaHKDF(t *testing.T) {
	s, err := New("client-1", "short", time.Minute)
	require.NoError(t, err)
	assert.Len(t, s.key, minKeyBytes)
}

func TestToken_ProducesVerifiableHS512Claims(t *testing.T) {
	s, err := New("client-1", "a-reasonably-long-secret-value", time.Minute)
	require.NoError(t, err)

	tok, err := s.Token()
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	parsed, err := jwt.ParseSigned(tok, []jose.SignatureAlgorithm{jose.HS512})
	require.NoError(t, err)

	var claims jwt.Claims
	require.NoError(t, parsed.Claims(s.key, &claims))
	assert.Equal(t, "client-1", claims.Subject)
	assert.Equal(t, "client-1", claims.Issuer)
	assert.Contains(t, []string(claims.Audience), "BWS")
}

func TestToken_CachesUntilRefreshThreshold(t *testing.T) {
	s, err := New("client-1", "a-reasonably-long-secret-value", 10*time.Second)
	require.NoError(t, err)

	fakeNow := time.Now()
	s.now = func() time.Time { return fakeNow }

	first, err := s.Token()
	require.NoError(t, err)

	fakeNow = fakeNow.Add(1 * time.Second)
	second, err := s.Token()
	require.NoError(t, err)
	assert.Equal(t, first, second, "token must be cached before the refresh threshold")

	fakeNow = fakeNow.Add(8 * time.Second)
	third, err := s.Token()
	require.NoError(t, err)
	assert.NotEqual(t, first, third, "token must be refreshed past 80% of its TTL")
}
