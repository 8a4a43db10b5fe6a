package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "openai:\n  api_key: sk-test\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Engine.Workers != 2 {
		t.Errorf("workers = %d, want default 2", cfg.Engine.Workers)
	}
	if cfg.Engine.DefaultModel != "base" || cfg.Engine.DefaultFormat != "txt" {
		t.Errorf("engine defaults wrong: %+v", cfg.Engine)
	}
	if cfg.Queue.Type != "memory" || cfg.Queue.BufferSize != 100 {
		t.Errorf("queue defaults wrong: %+v", cfg.Queue)
	}
	if cfg.History.Type != "none" {
		t.Errorf("history type = %q, want none", cfg.History.Type)
	}
}

func TestLoadMissingAPIKey(t *testing.T) {
	if _, err := Load(writeConfig(t, "server:\n  port: 9000\n")); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestLoadEnvOverridesKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	cfg, err := Load(writeConfig(t, "openai:\n  api_key: sk-file\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OpenAI.APIKey != "sk-from-env" {
		t.Errorf("api key = %q, want env value", cfg.OpenAI.APIKey)
	}
}

func TestLoadRejectsUnknownTypes(t *testing.T) {
	_, err := Load(writeConfig(t, "openai:\n  api_key: sk-test\nqueue:\n  type: kafka\n"))
	if err == nil || !strings.Contains(err.Error(), "queue type") {
		t.Errorf("got %v, want unknown queue type error", err)
	}

	_, err = Load(writeConfig(t, "openai:\n  api_key: sk-test\nhistory:\n  type: dynamo\n"))
	if err == nil || !strings.Contains(err.Error(), "history type") {
		t.Errorf("got %v, want unknown history type error", err)
	}
}

func TestLoadHistoryRequirements(t *testing.T) {
	_, err := Load(writeConfig(t, "openai:\n  api_key: sk-test\nhistory:\n  type: redis\n"))
	if err == nil {
		t.Error("redis history without addr should fail")
	}

	cfg, err := Load(writeConfig(t,
		"openai:\n  api_key: sk-test\nhistory:\n  type: redis\n  redis:\n    addr: localhost:6379\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.History.Redis.TTLHours != 168 {
		t.Errorf("ttl = %d, want default 168", cfg.History.Redis.TTLHours)
	}
}

func TestCatalogs(t *testing.T) {
	if !ValidModel("base") || ValidModel("enormous") {
		t.Error("model validation broken")
	}
	if !ValidLanguage("auto") || !ValidLanguage("en") || ValidLanguage("xx") {
		t.Error("language validation broken")
	}
}
