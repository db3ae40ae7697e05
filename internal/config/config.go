package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models bidline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Database struct {
		Driver       string `yaml:"driver"`
		Workspace    string `yaml:"workspace"`
		URL          string `yaml:"url"`
		MaxOpenConns int    `yaml:"max_open_conns"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Workflow struct {
		EnforceDeadlines       bool `yaml:"enforce_deadlines"`
		DetachedTimeoutSeconds int  `yaml:"detached_timeout_seconds"`
	} `yaml:"workflow"`
	Notify struct {
		Log      bool            `yaml:"log"`
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notify"`
	Evidence EvidenceConfig `yaml:"evidence"`
	Log      struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type EvidenceConfig struct {
	Backend   string `yaml:"backend"`
	Dir       string `yaml:"dir"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// DetachedTimeout bounds background scan/notify work; zero means unbounded.
func (c *Config) DetachedTimeout() time.Duration {
	if c.Workflow.DetachedTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Workflow.DetachedTimeoutSeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Database.URL) == "" {
			return fmt.Errorf("config.database.url is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres")
	}
	if c.Database.MaxOpenConns < 0 {
		return fmt.Errorf("config.database.max_open_conns must be >= 0")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Workflow.DetachedTimeoutSeconds < 0 {
		return fmt.Errorf("config.workflow.detached_timeout_seconds must be >= 0")
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.notify.webhooks[%d].timeout_seconds must be >= 0", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.notify.webhooks[%d] has empty event name", i)
			}
		}
	}
	switch c.Evidence.Backend {
	case "local":
		if c.Evidence.Dir == "" {
			return fmt.Errorf("config.evidence.dir is required for local backend")
		}
	case "minio":
		if c.Evidence.Endpoint == "" || c.Evidence.Bucket == "" {
			return fmt.Errorf("config.evidence.endpoint and bucket are required for minio backend")
		}
		if c.Evidence.AccessKey == "" || c.Evidence.SecretKey == "" {
			return fmt.Errorf("config.evidence.access_key and secret_key are required for minio backend")
		}
	default:
		return fmt.Errorf("config.evidence.backend must be local or minio")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bidline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads the workspace config, falling back to defaults when the file is absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.Database.Workspace = workspace
			cfg.Evidence.Dir = filepath.Join(workspace, ".bidline", "evidence")
			return cfg, nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	cfg.Database.Workspace = resolve(workspace, cfg.Database.Workspace)
	if cfg.Evidence.Dir != "" {
		cfg.Evidence.Dir = resolve(workspace, cfg.Evidence.Dir)
	}
	return cfg, nil
}

// resolve makes p relative to the workspace unless it is absolute.
func resolve(workspace, p string) string {
	if p == "" || p == "." {
		return workspace
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes, on top of defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

database:
  driver: sqlite
  workspace: .
  max_open_conns: 10

auth:
  jwt_secret: ""
  allow_legacy_actor_header: false

workflow:
  # deadlines are advisory unless enforced here
  enforce_deadlines: false
  detached_timeout_seconds: 30

notify:
  log: true
  webhooks: []

evidence:
  backend: local
  dir: .bidline/evidence
  bucket: bidline-evidence

log:
  level: info
  format: text
`
