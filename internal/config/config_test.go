package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("missing contract address", func(t *testing.T) {
		t.Setenv("CONTRACT_ADDRESS", "")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CONTRACT_ADDRESS")
	})

	t.Run("malformed contract address", func(t *testing.T) {
		t.Setenv("CONTRACT_ADDRESS", "0x1234")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("zero contract address rejected", func(t *testing.T) {
		t.Setenv("CONTRACT_ADDRESS", "0x0000000000000000000000000000000000000000")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("defaults", func(t *testing.T) {
		t.Setenv("CONTRACT_ADDRESS", "0xc0de000000000000000000000000000000000001")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.HTTPAddr)
		assert.Equal(t, "data/ledger.db", cfg.DBPath)
		assert.Equal(t, 30*time.Second, cfg.ACLPollTimeout)
		assert.Equal(t, 120, cfg.RateLimitPerMinute)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("CONTRACT_ADDRESS", "0xc0de000000000000000000000000000000000001")
		t.Setenv("LEDGER_HTTP_ADDR", ":9090")
		t.Setenv("ACL_POLL_EVERY", "250ms")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, ":9090", cfg.HTTPAddr)
		assert.Equal(t, 250*time.Millisecond, cfg.ACLPollEvery)
	})
}
