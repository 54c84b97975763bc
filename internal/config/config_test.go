package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/coreerrors"
)

func validConfig() *Config {
	return &Config{
		ClientID:                    "client-1",
		SecretKey:                   "super-secret",
		VerificationThreshold:       0.015,
		LivenessConfidenceThreshold: 0.5,
		MaxEnrollmentImages:         8,
		ChannelPoolSize:             5,
		RPCRetryMaxAttempts:         3,
		BulkMaxConcurrentOperations: 5,
	}
}

func TestValidate_RejectsMissingClientID(t *testing.T) {
	cfg := validConfig()
	cfg.ClientID = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, coreerrors.ErrConfigInvalid)
}

func TestValidate_RejectsThresholdOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.VerificationThreshold = 1.5
	assert.ErrorIs(t, cfg.Validate(), coreerrors.ErrConfigInvalid)
}

func TestValidate_RejectsEnrollmentImageBoundsOutsideSpecRange(t *testing.T) {
	cfg := validConfig()
	cfg.MaxEnrollmentImages = 1
	assert.ErrorIs(t, cfg.Validate(), coreerrors.ErrConfigInvalid)

	cfg.MaxEnrollmentImages = 9
	assert.ErrorIs(t, cfg.Validate(), coreerrors.ErrConfigInvalid)
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestStore_ProposeUpdate_SwapsOnlyWhenValid(t *testing.T) {
	store := NewStore(validConfig())
	original := store.Load()

	bad := validConfig().Clone()
	bad.VerificationThreshold = 2
	require.Error(t, store.ProposeUpdate(bad))
	assert.Same(t, original, store.Load(), "invalid update must not replace the current snapshot")

	good := validConfig().Clone()
	good.VerificationThreshold = 0.02
	require.NoError(t, store.ProposeUpdate(good))
	assert.Equal(t, 0.02, store.Load().VerificationThreshold)
}

func TestStore_Load_ReturnsClonedRegionEndpoints(t *testing.T) {
	cfg := validConfig()
	cfg.RegionEndpoints = map[string]string{"EU": "eu.example.com:443"}
	store := NewStore(cfg)

	snap := store.Load()
	snap.RegionEndpoints["EU"] = "tampered.example.com:443"

	assert.Equal(t, "eu.example.com:443", cfg.RegionEndpoints["EU"], "mutating a loaded snapshot must not affect the original")
}
