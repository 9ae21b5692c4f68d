package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"issuesync/internal/extract"
	"issuesync/internal/marker"
)

const (
	FileName     = "issuesync.yml"
	TOMLFileName = "issuesync.toml"

	DefaultTokenEnv      = "GITHUB_TOKEN"
	DefaultRepositoryEnv = "GITHUB_REPOSITORY"
)

// Config models issuesync.yml (or issuesync.toml).
type Config struct {
	Project struct {
		ID string `yaml:"id" toml:"id"`
	} `yaml:"project" toml:"project"`
	Tracker struct {
		Kind       string `yaml:"kind" toml:"kind"`
		Repository string `yaml:"repository" toml:"repository"`
		BaseURL    string `yaml:"base_url" toml:"base_url"`
		TokenEnv   string `yaml:"token_env" toml:"token_env"`
	} `yaml:"tracker" toml:"tracker"`
	Scan struct {
		Root       string   `yaml:"root" toml:"root"`
		Extensions []string `yaml:"extensions" toml:"extensions"`
		Exclude    []string `yaml:"exclude" toml:"exclude"`
		Marker     string   `yaml:"marker" toml:"marker"`
		Workers    int      `yaml:"workers" toml:"workers"`
	} `yaml:"scan" toml:"scan"`
	Marker struct {
		Statuses []string `yaml:"statuses" toml:"statuses"`
	} `yaml:"marker" toml:"marker"`
	Sync struct {
		Concurrency int  `yaml:"concurrency" toml:"concurrency"`
		DryRun      bool `yaml:"dry_run" toml:"dry_run"`
	} `yaml:"sync" toml:"sync"`
	Webhooks []WebhookConfig `yaml:"webhooks" toml:"webhooks"`
}

// WebhookConfig is an outbound subscriber to the run event log.
type WebhookConfig struct {
	URL            string   `yaml:"url" toml:"url"`
	Secret         string   `yaml:"secret" toml:"secret"`
	Events         []string `yaml:"events" toml:"events"`
	Enabled        *bool    `yaml:"enabled" toml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Tracker.Kind != "github" {
		return fmt.Errorf("config.tracker.kind must be 'github'")
	}
	if c.Tracker.Repository != "" {
		owner, name, ok := strings.Cut(c.Tracker.Repository, "/")
		if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("config.tracker.repository must be owner/name")
		}
	}
	if c.Tracker.BaseURL != "" && !strings.HasPrefix(c.Tracker.BaseURL, "https://") {
		return fmt.Errorf("config.tracker.base_url must use https")
	}
	if len(c.Scan.Extensions) == 0 {
		return fmt.Errorf("config.scan.extensions is required")
	}
	for _, ext := range c.Scan.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("scan extension %q must start with '.'", ext)
		}
	}
	if strings.TrimSpace(c.Scan.Marker) == "" {
		return fmt.Errorf("config.scan.marker is required")
	}
	if c.Scan.Workers < 0 {
		return fmt.Errorf("config.scan.workers must not be negative")
	}
	if c.Sync.Concurrency < 0 {
		return fmt.Errorf("config.sync.concurrency must not be negative")
	}
	if _, err := c.Statuses(); err != nil {
		return fmt.Errorf("config.marker.statuses: %w", err)
	}
	for i, hook := range c.Webhooks {
		if !strings.HasPrefix(hook.URL, "https://") && !strings.HasPrefix(hook.URL, "http://") {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d] has an empty event type", i)
			}
		}
	}
	return nil
}

// Statuses returns the configured status enumeration, or the default set
// when none is configured.
func (c *Config) Statuses() (marker.StatusSet, error) {
	if len(c.Marker.Statuses) == 0 {
		return marker.DefaultStatusSet(), nil
	}
	return marker.NewStatusSet(c.Marker.Statuses...)
}

// ExtractOptions maps the scan section onto extractor options.
func (c *Config) ExtractOptions() (extract.Options, error) {
	statuses, err := c.Statuses()
	if err != nil {
		return extract.Options{}, err
	}
	return extract.Options{
		Extensions: c.Scan.Extensions,
		Exclude:    c.Scan.Exclude,
		Marker:     c.Scan.Marker,
		Statuses:   statuses,
		Workers:    c.Scan.Workers,
	}, nil
}

// Path returns the config file path for a workspace. The TOML file is used
// when present and no YAML file exists.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	yml := filepath.Join(workspace, FileName)
	if _, err := os.Stat(yml); err != nil {
		tml := filepath.Join(workspace, TOMLFileName)
		if _, err := os.Stat(tml); err == nil {
			return tml
		}
	}
	return yml
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	cfg, err := FromFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with issuesync init", path)
		}
		return nil, err
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromTOML parses and validates config from raw TOML bytes.
func FromTOML(data []byte) (*Config, error) {
	cfg := Default("")
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("invalid config toml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads config from path, choosing the format by extension.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FromTOML(data)
	}
	return FromYAML(data)
}

// Credentials holds what the tracker client needs beyond the config file.
type Credentials struct {
	Token      string
	Repository string
}

// LoadCredentials reads the token and repository from the environment after
// loading workspace/.env. Values already set in the environment win over the
// .env file, and the configured repository wins over GITHUB_REPOSITORY.
func (c *Config) LoadCredentials(workspace string) (Credentials, error) {
	envFile := filepath.Join(workspace, ".env")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return Credentials{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	tokenEnv := c.Tracker.TokenEnv
	if tokenEnv == "" {
		tokenEnv = DefaultTokenEnv
	}
	creds := Credentials{
		Token:      strings.TrimSpace(os.Getenv(tokenEnv)),
		Repository: c.Tracker.Repository,
	}
	if creds.Repository == "" {
		creds.Repository = strings.TrimSpace(os.Getenv(DefaultRepositoryEnv))
	}
	if creds.Token == "" {
		return creds, fmt.Errorf("%s is not set", tokenEnv)
	}
	if creds.Repository == "" {
		return creds, fmt.Errorf("tracker repository is not configured; set tracker.repository or %s", DefaultRepositoryEnv)
	}
	return creds, nil
}

const defaultTemplate = `project:
  id: %s

tracker:
  kind: github
  # owner/name; falls back to $GITHUB_REPOSITORY when empty
  repository: ""
  base_url: https://api.github.com
  token_env: GITHUB_TOKEN

scan:
  root: .
  extensions: [.cs]
  exclude: [bin, obj, .git, node_modules]
  marker: GitHubIssue
  workers: 8

marker:
  statuses: [LOW_PRIORITY, CRITICAL, TODO, IN_PROGRESS, REVIEW, DONE]

sync:
  concurrency: 4
  dry_run: false

# webhooks:
#   - url: https://hooks.example.com/issuesync
#     events: [run.completed]
`
