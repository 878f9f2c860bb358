// Package config provides configuration types, loading, and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

// Provider names accepted in sandbox.provider.
const (
	ProviderLocal  = "local"
	ProviderDocker = "docker"
	ProviderMock   = "mock"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox" json:"sandbox"`
	Shell    ShellConfig    `yaml:"shell" json:"shell"`
	Relay    RelayConfig    `yaml:"relay" json:"relay"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	CORSOrigins  []string      `yaml:"cors_origins" json:"cors_origins"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// SandboxConfig selects and configures the sandbox provider.
type SandboxConfig struct {
	Provider      string        `yaml:"provider" json:"provider"`
	WorkspaceDir  string        `yaml:"workspace_dir" json:"workspace_dir"`
	PreviewHost   string        `yaml:"preview_host" json:"preview_host"`
	PreviewPorts  []int         `yaml:"preview_ports" json:"preview_ports"`
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`
	Docker        DockerConfig  `yaml:"docker" json:"docker"`
}

// DockerConfig contains settings used only by the docker provider.
type DockerConfig struct {
	Host    string `yaml:"host" json:"host"`
	Image   string `yaml:"image" json:"image"`
	WorkDir string `yaml:"workdir" json:"workdir"`
	User    string `yaml:"user" json:"user"`
}

// ShellConfig describes the interactive shell spawned in each sandbox.
type ShellConfig struct {
	Command   string `yaml:"command" json:"command"`
	Rows      int    `yaml:"rows" json:"rows"`
	Cols      int    `yaml:"cols" json:"cols"`
	ChunkSize int    `yaml:"chunk_size" json:"chunk_size"`
}

// RelayConfig tunes terminal output relaying.
type RelayConfig struct {
	// CarryOver holds back a trailing partial escape sequence until the next
	// chunk so clear-screen codes split across reads are still detected.
	CarryOver bool `yaml:"carry_over" json:"carry_over"`
}

// DatabaseConfig points at the file-state store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" json:"dsn"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	File   string `yaml:"file" json:"file"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8090,
			CORSOrigins:  []string{"http://localhost:3000"},
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // websocket and SSE streams are long-lived
		},
		Sandbox: SandboxConfig{
			Provider:      ProviderLocal,
			WorkspaceDir:  filepath.Join(xdg.CacheHome, "previewbox", "sandboxes"),
			PreviewHost:   "localhost",
			PreviewPorts:  []int{3000, 5173, 8080},
			ProbeInterval: 500 * time.Millisecond,
			Docker: DockerConfig{
				Image:   "node:22-bookworm-slim",
				WorkDir: "/workspace",
			},
		},
		Shell: ShellConfig{
			Command:   "/bin/sh",
			Rows:      10,
			Cols:      80,
			ChunkSize: 4096,
		},
		Database: DatabaseConfig{
			DSN: "sqlite3://" + filepath.Join(xdg.DataHome, "previewbox", "files.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads and parses a configuration file, then applies environment
// overrides.
func Load(path string) (*Config, error) {
	path = filepath.Clean(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("apply env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default (plus env
// overrides) when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("apply env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PREVIEWBOX_* environment variables.
func (c *Config) ApplyEnv() error {
	var err error

	if c.Server.Port, err = getEnvInt("PREVIEWBOX_PORT", c.Server.Port); err != nil {
		return err
	}
	c.Server.CORSOrigins = getEnvList("PREVIEWBOX_CORS_ORIGINS", c.Server.CORSOrigins)

	c.Sandbox.Provider = getEnv("PREVIEWBOX_PROVIDER", c.Sandbox.Provider)
	c.Sandbox.WorkspaceDir = getEnv("PREVIEWBOX_WORKSPACE_DIR", c.Sandbox.WorkspaceDir)
	c.Sandbox.PreviewHost = getEnv("PREVIEWBOX_PREVIEW_HOST", c.Sandbox.PreviewHost)
	if c.Sandbox.PreviewPorts, err = getEnvInts("PREVIEWBOX_PREVIEW_PORTS", c.Sandbox.PreviewPorts); err != nil {
		return err
	}
	c.Sandbox.Docker.Host = getEnv("PREVIEWBOX_DOCKER_HOST", c.Sandbox.Docker.Host)
	c.Sandbox.Docker.Image = getEnv("PREVIEWBOX_DOCKER_IMAGE", c.Sandbox.Docker.Image)

	c.Shell.Command = getEnv("PREVIEWBOX_SHELL", c.Shell.Command)
	c.Database.DSN = getEnv("PREVIEWBOX_DATABASE_DSN", c.Database.DSN)
	c.Logging.Level = getEnv("PREVIEWBOX_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("PREVIEWBOX_LOG_FORMAT", c.Logging.Format)
	c.Logging.File = getEnv("PREVIEWBOX_LOG_FILE", c.Logging.File)

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}

	switch c.Sandbox.Provider {
	case ProviderLocal, ProviderDocker, ProviderMock:
		// Valid
	default:
		return fmt.Errorf("invalid sandbox provider: %s", c.Sandbox.Provider)
	}

	if c.Sandbox.Provider != ProviderMock && c.Sandbox.WorkspaceDir == "" {
		return errors.New("sandbox workspace_dir cannot be empty")
	}
	if c.Sandbox.Provider == ProviderDocker && c.Sandbox.Docker.Image == "" {
		return errors.New("sandbox docker image cannot be empty")
	}
	for _, port := range c.Sandbox.PreviewPorts {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid preview port: %d", port)
		}
	}
	if c.Sandbox.ProbeInterval <= 0 {
		return errors.New("sandbox probe_interval must be positive")
	}

	if _, err := c.ShellArgv(); err != nil {
		return err
	}
	if c.Shell.Rows < 0 || c.Shell.Cols < 0 {
		return errors.New("shell rows and cols cannot be negative")
	}
	if c.Shell.ChunkSize <= 0 {
		return errors.New("shell chunk_size must be positive")
	}

	if c.Database.DSN == "" {
		return errors.New("database dsn cannot be empty")
	}

	// Validate logging level
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	// Validate logging format
	switch c.Logging.Format {
	case "text", "json":
		// Valid
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// ShellArgv splits the configured shell command into argv form.
func (c *Config) ShellArgv() ([]string, error) {
	argv, err := shellquote.Split(c.Shell.Command)
	if err != nil {
		return nil, fmt.Errorf("invalid shell command %q: %w", c.Shell.Command, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("shell command cannot be empty")
	}
	return argv, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return i, nil
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvInts(key string, defaultValue []int) ([]int, error) {
	items := getEnvList(key, nil)
	if items == nil {
		return defaultValue, nil
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		i, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("%s must be a comma separated list of integers: %w", key, err)
		}
		out = append(out, i)
	}
	return out, nil
}
