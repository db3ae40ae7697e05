package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Server.BasePath != "/v0" || cfg.Evidence.Backend != "local" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.DetachedTimeout() != 30*time.Second {
		t.Fatalf("unexpected detached timeout %s", cfg.DetachedTimeout())
	}
	if cfg.Workflow.EnforceDeadlines {
		t.Fatalf("deadlines must be advisory by default")
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
workflow:
  enforce_deadlines: true
notify:
  webhooks:
    - url: http://hooks.example/bid
      events: [project.completed, conflict.detected]
      timeout_seconds: 2
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cfg.Workflow.EnforceDeadlines {
		t.Fatalf("expected enforce_deadlines")
	}
	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Fatalf("expected default addr to survive, got %q", cfg.Server.Addr)
	}
	if len(cfg.Notify.Webhooks) != 1 || len(cfg.Notify.Webhooks[0].Events) != 2 {
		t.Fatalf("unexpected webhooks %+v", cfg.Notify.Webhooks)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"driver":       "database:\n  driver: mysql\n",
		"postgres url": "database:\n  driver: postgres\n",
		"base path":    "server:\n  base_path: v0\n",
		"webhook url":  "notify:\n  webhooks:\n    - events: [x]\n",
		"minio bucket": "evidence:\n  backend: minio\n  endpoint: localhost:9000\n  bucket: \"\"\n",
		"log format":   "log:\n  format: xml\n",
		"bad yaml":     "server: [",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Workspace != dir {
		t.Fatalf("expected workspace %s, got %s", dir, cfg.Database.Workspace)
	}
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("unexpected driver %s", cfg.Database.Driver)
	}
	if Path(dir) != filepath.Join(dir, "bidline.yml") {
		t.Fatalf("unexpected path %s", Path(dir))
	}
}
