package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "HUME_API_KEY", "HUME_ACCESS_TOKEN", "HUME_SECRET_KEY", "HUME_CONFIG_ID", "HUME_HOST",
		"EVI_DIAL_TIMEOUT", "EVI_PING_INTERVAL", "EVI_DIAL_RETRIES",
		"RETRIEVAL_API_KEY", "RETRIEVAL_ASSISTANT", "RETRIEVAL_BASE_URL", "RETRIEVAL_MODEL", "RETRIEVAL_CONTEXT", "RETRIEVAL_TIMEOUT",
		"TTS_API_KEY", "TTS_BASE_URL", "TTS_VOICE_DESCRIPTION", "TTS_CACHE_TTL", "TTS_TIMEOUT",
		"LOG_LEVEL", "LOG_FILE", "LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("HUME_API_KEY", "ABC")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "api.hume.ai", cfg.EVI.Host)
	assert.Equal(t, 15*time.Second, cfg.EVI.DialTimeout)
	assert.Equal(t, 3, cfg.EVI.DialRetries)
	assert.Equal(t, "gpt-4o", cfg.Retrieval.Model)
	assert.False(t, cfg.Retrieval.Enabled())
	assert.Equal(t, "ABC", cfg.Synthesis.APIKey, "synthesis reuses the session key")
	assert.Equal(t, "https://api.hume.ai", cfg.Synthesis.BaseURL)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("HUME_ACCESS_TOKEN", "tok")
	t.Setenv("EVI_PING_INTERVAL", "5")
	t.Setenv("TTS_CACHE_TTL", "90s")
	t.Setenv("RETRIEVAL_API_KEY", "pc")
	t.Setenv("RETRIEVAL_ASSISTANT", "manual")
	t.Setenv("RETRIEVAL_BASE_URL", "https://prod-1-data.ke.pinecone.io/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.EVI.PingInterval)
	assert.Equal(t, 90*time.Second, cfg.Synthesis.CacheTTL)
	assert.Equal(t, "https://prod-1-data.ke.pinecone.io", cfg.Retrieval.BaseURL)
	assert.True(t, cfg.Retrieval.Enabled())
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "80 80")
	_, err := Load()
	assert.Error(t, err)

	clearEnv(t)
	t.Setenv("EVI_DIAL_TIMEOUT", "soon")
	_, err = Load()
	assert.Error(t, err)
}

func TestValidateCredentials(t *testing.T) {
	cases := []struct {
		name    string
		evi     EVIConfig
		wantErr bool
	}{
		{name: "api key", evi: EVIConfig{APIKey: "ABC"}},
		{name: "access token", evi: EVIConfig{AccessToken: "tok"}},
		{name: "both", evi: EVIConfig{APIKey: "ABC", AccessToken: "tok"}, wantErr: true},
		{name: "neither", evi: EVIConfig{}, wantErr: true},
		{name: "key and secret", evi: EVIConfig{APIKey: "ABC", SecretKey: "s"}},
		{name: "secret without key", evi: EVIConfig{SecretKey: "s"}, wantErr: true},
		{name: "secret and token", evi: EVIConfig{APIKey: "ABC", SecretKey: "s", AccessToken: "tok"}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.evi.validateCredentials()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrConfiguration)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateFieldRules(t *testing.T) {
	clearEnv(t)
	t.Setenv("HUME_API_KEY", "ABC")
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Retrieval.BaseURL = "not a url"
	assert.ErrorIs(t, cfg.Validate(), ErrConfiguration)

	cfg.Retrieval.BaseURL = ""
	cfg.Log.Format = "xml"
	assert.ErrorIs(t, cfg.Validate(), ErrConfiguration)

	var nilCfg *Config
	assert.ErrorIs(t, nilCfg.Validate(), ErrConfiguration)
}

func TestValidateRejectsPartialRetrieval(t *testing.T) {
	cases := []struct {
		name      string
		retrieval func(*RetrievalConfig)
		wantErr   string
	}{
		{name: "no base url", retrieval: func(r *RetrievalConfig) { r.APIKey, r.Assistant = "pc", "manual" }, wantErr: "RETRIEVAL_BASE_URL"},
		{name: "key only", retrieval: func(r *RetrievalConfig) { r.APIKey = "pc" }, wantErr: "RETRIEVAL_ASSISTANT, RETRIEVAL_BASE_URL"},
		{name: "no key", retrieval: func(r *RetrievalConfig) {
			r.Assistant, r.BaseURL = "manual", "https://prod-1-data.ke.pinecone.io"
		}, wantErr: "RETRIEVAL_API_KEY"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("HUME_API_KEY", "ABC")
			cfg, err := Load()
			require.NoError(t, err)

			tc.retrieval(&cfg.Retrieval)
			err = cfg.Validate()
			require.ErrorIs(t, err, ErrConfiguration)
			assert.Contains(t, err.Error(), tc.wantErr)
			assert.False(t, cfg.Retrieval.Enabled())
		})
	}
}
