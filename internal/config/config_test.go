package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "chainsage.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"web3":{"chain_config":"chains.yaml"},"runtime":{"data_dir":"state"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.TaskQueue.Driver != "memory" || cfg.Storage.RunStore.Driver != "memory" {
		t.Fatalf("defaults missing: %+v", cfg)
	}
	if cfg.Engine.Retries() != 3 || cfg.Engine.Timeout() != 30*time.Second || cfg.Engine.BackoffUnit() != time.Second {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Engine)
	}
	if cfg.Web3.ChainConfig != filepath.Join(dir, "chains.yaml") {
		t.Fatalf("chain config should resolve relative to config dir, got %s", cfg.Web3.ChainConfig)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "state") {
		t.Fatalf("unexpected data dir %s", cfg.Runtime.DataDir)
	}
}

func TestLoadKeepsExplicitZeroRetries(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"engine":{"max_retries":0,"backoff_unit_ms":0}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.Retries() != 0 || cfg.Engine.BackoffUnit() != 0 {
		t.Fatalf("explicit zero should be kept: %+v", cfg.Engine)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("CHAINSAGE_TEST_KEY=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("CHAINSAGE_TEST_KEY") })
	path := writeConfig(t, dir, `{"llm":{"openai":{"api_key_env":"CHAINSAGE_TEST_KEY"}}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.LLM.OpenAI.ResolveAPIKey(); got != "from-dotenv" {
		t.Fatalf("api key should come from .env, got %q", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CHAINSAGE_SERVER_ADDRESS", "127.0.0.1:9999")
	t.Setenv("CHAINSAGE_ENGINE_MAX_RETRIES", "5")
	path := writeConfig(t, t.TempDir(), `{"server":{"address":":1"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != "127.0.0.1:9999" || cfg.Engine.Retries() != 5 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsUnknownDrivers(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{"task_queue":{"driver":"kafka"}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown queue driver")
	}
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestLoadAuthAndDurations(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{
		"auth":{"mode":"api_key","keys":[{"name":"ops","key_env":"OPS_KEY","permissions":["*"]}]},
		"task_queue":{"redis":{"block_wait_seconds":7}},
		"alerting":{"timeout_seconds":2}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Mode != "api_key" || len(cfg.Auth.Keys) != 1 || cfg.Auth.Keys[0].KeyEnv != "OPS_KEY" {
		t.Fatalf("unexpected auth config: %+v", cfg.Auth)
	}
	if cfg.TaskQueue.Redis.BlockWait() != 7*time.Second || cfg.Alerting.Timeout() != 2*time.Second {
		t.Fatalf("unexpected durations: %+v %+v", cfg.TaskQueue.Redis, cfg.Alerting)
	}

	bad := writeConfig(t, t.TempDir(), `{"auth":{"mode":"oauth"}}`)
	if _, err := Load(bad); err == nil {
		t.Fatal("expected error for unknown auth mode")
	}
}

func TestLoadAlertingPolicyAndBridgeTimeout(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{
		"alerting":{"min_severity":"critical","dedup_seconds":30},
		"llm":{"python_bridge":{"timeout_seconds":3}}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Alerting.MinSeverity != "critical" || cfg.Alerting.DedupWindow() != 30*time.Second {
		t.Fatalf("unexpected alerting config: %+v", cfg.Alerting)
	}
	if got := cfg.LLM.Python.Timeout(); got != 3*time.Second {
		t.Fatalf("unexpected bridge timeout %v", got)
	}
	if (PythonBridgeConfig{}).Timeout() != 30*time.Second {
		t.Fatalf("bridge timeout should default to 30s")
	}

	bad := writeConfig(t, t.TempDir(), `{"alerting":{"min_severity":"loud"}}`)
	if _, err := Load(bad); err == nil {
		t.Fatal("expected error for unknown alert severity")
	}
}
