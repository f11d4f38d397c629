package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Image               string            `yaml:"image"`
	TestTimeoutSeconds  int               `yaml:"test_timeout_seconds"`
	BatchTimeoutMinutes int               `yaml:"batch_timeout_minutes"`
	TestMode            string            `yaml:"test_mode"`
	ExtraRequirements   []string          `yaml:"extra_requirements"`
	ParallelPhases      bool              `yaml:"parallel_phases"`
	CPULimit            float64           `yaml:"cpu_limit"`
	MemoryLimitMB       int64             `yaml:"memory_limit_mb"`
	Env                 map[string]string `yaml:"env"`
	PassthroughEnv      []string          `yaml:"passthrough_env"`
	Secrets             Secrets           `yaml:"secrets"`
	CodeQL              CodeQL            `yaml:"codeql"`
	Results             Results           `yaml:"results"`
}

type Secrets struct {
	EnvFile string `yaml:"env_file"`
}

type CodeQL struct {
	Binary         string `yaml:"binary"`
	Language       string `yaml:"language"`
	QuerySuite     string `yaml:"query_suite"`
	Threads        int    `yaml:"threads"`
	TimeoutMinutes int    `yaml:"timeout_minutes"`
}

type Results struct {
	Dir string `yaml:"dir"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Image == "" {
		cfg.Image = "python:3.11-slim"
	}
	if cfg.TestTimeoutSeconds == 0 {
		cfg.TestTimeoutSeconds = 30
	}
	if cfg.BatchTimeoutMinutes == 0 {
		cfg.BatchTimeoutMinutes = 30
	}
	if cfg.TestMode == "" {
		cfg.TestMode = "pytest"
	}
	if cfg.ExtraRequirements == nil && cfg.TestMode == "pytest" {
		cfg.ExtraRequirements = []string{"pytest"}
	}
	if cfg.CodeQL.Binary == "" {
		cfg.CodeQL.Binary = "codeql"
	}
	if cfg.CodeQL.Language == "" {
		cfg.CodeQL.Language = "python"
	}
	if cfg.CodeQL.QuerySuite == "" {
		cfg.CodeQL.QuerySuite = "python-security-extended.qls"
	}
	if cfg.CodeQL.TimeoutMinutes == 0 {
		cfg.CodeQL.TimeoutMinutes = 30
	}
	if cfg.Results.Dir == "" {
		cfg.Results.Dir = "results"
	}
}

func validate(cfg *Config) error {
	if cfg.TestTimeoutSeconds < 1 {
		return fmt.Errorf("test_timeout_seconds must be at least 1")
	}
	if cfg.BatchTimeoutMinutes < 1 {
		return fmt.Errorf("batch_timeout_minutes must be at least 1")
	}
	switch cfg.TestMode {
	case "pytest", "script":
	default:
		return fmt.Errorf("test_mode %q: must be pytest or script", cfg.TestMode)
	}
	if cfg.CPULimit < 0 {
		return fmt.Errorf("cpu_limit must not be negative")
	}
	if cfg.MemoryLimitMB < 0 {
		return fmt.Errorf("memory_limit_mb must not be negative")
	}
	for _, name := range cfg.PassthroughEnv {
		if name == "" {
			return fmt.Errorf("passthrough_env: empty variable name")
		}
	}
	if cfg.CodeQL.Threads < 0 {
		return fmt.Errorf("codeql.threads must not be negative")
	}
	return nil
}

func (c *Config) TestTimeout() time.Duration {
	return time.Duration(c.TestTimeoutSeconds) * time.Second
}

func (c *Config) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutMinutes) * time.Minute
}

func (c *Config) CodeQLTimeout() time.Duration {
	return time.Duration(c.CodeQL.TimeoutMinutes) * time.Minute
}

// MemoryLimitBytes converts memory_limit_mb for the container runtime.
func (c *Config) MemoryLimitBytes() int64 {
	return c.MemoryLimitMB * 1024 * 1024
}
