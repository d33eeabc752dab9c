package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fawad-mazhar/kxcreation/internal/models"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadMissingFileUsesBuiltins(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != DefaultServerPort {
		t.Errorf("port = %q, want %q", cfg.Server.Port, DefaultServerPort)
	}
	if len(cfg.Pipelines) != 2 {
		t.Fatalf("expected 2 built-in pipelines, got %d", len(cfg.Pipelines))
	}

	wechat := cfg.Pipelines[1]
	if wechat.Name != "url_to_wechat" || len(wechat.Stages) != 4 {
		t.Fatalf("unexpected wechat pipeline: %+v", wechat)
	}
	if wechat.Defaults.ExtractLinks || wechat.Defaults.Author != DefaultWeChatAuthor {
		t.Errorf("unexpected wechat defaults: %+v", wechat.Defaults)
	}
	if got := wechat.Stages[0].Timeout; got != DefaultFetchTimeout {
		t.Errorf("fetch timeout = %v, want %v", got, DefaultFetchTimeout)
	}
	if got := wechat.Stages[2].Timeout; got != DefaultLLMTimeout {
		t.Errorf("compose timeout = %v, want %v", got, DefaultLLMTimeout)
	}
	if got := wechat.Stages[3].Timeout; got != DefaultPublishTimeout {
		t.Errorf("publish timeout = %v, want %v", got, DefaultPublishTimeout)
	}
}

func TestLoadYAMLWithEnvOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  port: "9000"
orchestrator:
  maxConcurrentRuns: 4
pipelines:
  - name: quick
    stages:
      - kind: fetch
        timeout: 5s
      - kind: analyze
    defaults:
      articleStyle: casual
`)
	t.Setenv("KX_SERVER_PORT", "9100")
	t.Setenv("KX_LLM_TIMEOUT", "45")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "9100" {
		t.Errorf("env should override file port, got %q", cfg.Server.Port)
	}
	if cfg.Orchestrator.MaxConcurrentRuns != 4 {
		t.Errorf("maxConcurrentRuns = %d, want 4", cfg.Orchestrator.MaxConcurrentRuns)
	}
	if len(cfg.Pipelines) != 1 {
		t.Fatalf("expected file pipelines only, got %d", len(cfg.Pipelines))
	}

	p := cfg.Pipelines[0]
	if p.Stages[0].Name != "fetch" || p.Stages[0].Timeout != 5*time.Second {
		t.Errorf("unexpected fetch stage: %+v", p.Stages[0])
	}
	if p.Stages[1].Timeout != 45*time.Second {
		t.Errorf("analyze timeout = %v, want 45s", p.Stages[1].Timeout)
	}
	if p.Defaults.ArticleStyle != "casual" || p.Defaults.WordCount != DefaultWordCount {
		t.Errorf("unexpected defaults: %+v", p.Defaults)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "postgres without url", env: map[string]string{"KX_STORE_DRIVER": "postgres"}},
		{name: "unknown driver", env: map[string]string{"KX_STORE_DRIVER": "redis"}},
		{name: "unknown llm driver", env: map[string]string{"KX_LLM_DRIVER": "gpt"}},
		{name: "unknown stage kind", yaml: "pipelines:\n  - name: bad\n    stages:\n      - kind: translate\n"},
		{name: "duplicate pipeline", yaml: "pipelines:\n  - name: a\n    stages: [{kind: fetch}]\n  - name: a\n    stages: [{kind: fetch}]\n"},
		{name: "empty pipeline", yaml: "pipelines:\n  - name: a\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = writeFile(t, "config.yaml", tt.yaml)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestStageTimeout(t *testing.T) {
	cfg := &Config{Timeouts: TimeoutConfig{Fetch: time.Second, LLM: 2 * time.Second, Publish: 3 * time.Second}}
	cases := map[models.StageKind]time.Duration{
		models.StageFetch:   time.Second,
		models.StageAnalyze: 2 * time.Second,
		models.StageCompose: 2 * time.Second,
		models.StagePublish: 3 * time.Second,
	}
	for kind, want := range cases {
		if got := cfg.StageTimeout(kind); got != want {
			t.Errorf("StageTimeout(%s) = %v, want %v", kind, got, want)
		}
	}
}

func TestLoadDotenv(t *testing.T) {
	path := writeFile(t, ".env", `
# comment
export KX_TEST_A=alpha
KX_TEST_B="quoted value"
KX_TEST_C=plain # trailing
KX_TEST_EXISTING=from-file
not a pair
`)
	t.Setenv("KX_TEST_EXISTING", "from-env")
	for _, k := range []string{"KX_TEST_A", "KX_TEST_B", "KX_TEST_C"} {
		k := k
		t.Cleanup(func() { os.Unsetenv(k) })
	}

	if err := LoadDotenv(path); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}

	want := map[string]string{
		"KX_TEST_A":        "alpha",
		"KX_TEST_B":        "quoted value",
		"KX_TEST_C":        "plain",
		"KX_TEST_EXISTING": "from-env",
	}
	for k, v := range want {
		if got := os.Getenv(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}

	if err := LoadDotenv(filepath.Join(t.TempDir(), "none.env")); err != nil {
		t.Errorf("missing file should be ignored: %v", err)
	}
}
