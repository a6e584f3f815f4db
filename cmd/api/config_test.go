package main

import "testing"

func TestDefaultConfig_HasSaneDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Port == "" {
		t.Error("expected non-empty default port")
	}
	if cfg.MaxRetries <= 0 {
		t.Error("expected positive default max retries")
	}
	if cfg.EmbedVersion == "" {
		t.Error("expected non-empty default embed version")
	}
}

func TestLoadFromEnv_OverridesDefaults(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("PORT", "9999")
	t.Setenv("EMBED_VERSION", "v2")
	t.Setenv("MAX_RETRIES", "7")
	t.Setenv("DB_HOST", "db.internal")

	cfg.LoadFromEnv()

	if cfg.Port != "9999" {
		t.Errorf("expected overridden port, got %q", cfg.Port)
	}
	if cfg.EmbedVersion != "v2" {
		t.Errorf("expected overridden embed version, got %q", cfg.EmbedVersion)
	}
	if cfg.MaxRetries != 7 {
		t.Errorf("expected overridden max retries, got %d", cfg.MaxRetries)
	}
	if cfg.DB.Host != "db.internal" {
		t.Errorf("expected overridden db host, got %q", cfg.DB.Host)
	}
}

func TestLoadFromEnv_IgnoresInvalidInt(t *testing.T) {
	cfg := DefaultConfig()
	want := cfg.MaxRetries
	t.Setenv("MAX_RETRIES", "not-a-number")

	cfg.LoadFromEnv()

	if cfg.MaxRetries != want {
		t.Errorf("expected unchanged max retries on parse failure, got %d", cfg.MaxRetries)
	}
}
