package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"assistant-sync/internal/models"
)

var ErrMissingAPIKey = errors.New("API key not found. Please set the OPENAI_API_KEY environment variable")

const (
	MatchSubstring = "substring"
	MatchStem      = "stem"
)

type Config struct {
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Input     InputConfig     `yaml:"input"`
	Store     StoreConfig     `yaml:"store"`
	Assistant AssistantConfig `yaml:"assistant"`
	Upload    UploadConfig    `yaml:"upload"`
	Match     MatchConfig     `yaml:"match"`
	State     StateConfig     `yaml:"state"`
	Log       LogConfig       `yaml:"log"`
	DryRun    bool            `yaml:"dry_run" env:"DRY_RUN"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key" env:"OPENAI_API_KEY"`
	BaseURL string `yaml:"base_url" env:"OPENAI_BASE_URL"`
	OrgID   string `yaml:"org_id" env:"OPENAI_ORG_ID"`
}

type InputConfig struct {
	Dir                 string   `yaml:"dir" env:"OUTPUT_DIR"`
	Extensions          []string `yaml:"extensions" env:"INPUT_EXTENSIONS" envSeparator:","`
	ConvertSpreadsheets bool     `yaml:"convert_spreadsheets" env:"CONVERT_SPREADSHEETS"`
}

type StoreConfig struct {
	Name string `yaml:"name" env:"VECTOR_STORE_NAME"`
}

type AssistantConfig struct {
	Name         string `yaml:"name" env:"ASSISTANT_NAME"`
	Model        string `yaml:"model" env:"ASSISTANT_MODEL"`
	Instructions string `yaml:"instructions" env:"ASSISTANT_INSTRUCTIONS"`
}

type UploadConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"UPLOAD_POLL_INTERVAL"`
	PollTimeout  time.Duration `yaml:"poll_timeout" env:"UPLOAD_POLL_TIMEOUT"`
}

type MatchConfig struct {
	Mode string `yaml:"mode" env:"MATCH_MODE"`
}

type StateConfig struct {
	Path string `yaml:"path" env:"STATE_PATH"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// Default returns the configuration used when no file or environment overrides are present
func Default() *Config {
	return &Config{
		Input: InputConfig{
			Dir:        models.DefaultInputDir,
			Extensions: append([]string(nil), models.DefaultExtensions...),
		},
		Store: StoreConfig{Name: models.DefaultStoreName},
		Assistant: AssistantConfig{
			Name:         models.DefaultAssistantName,
			Model:        models.DefaultAssistantModel,
			Instructions: models.DefaultInstructions,
		},
		Upload: UploadConfig{
			PollInterval: time.Second,
			PollTimeout:  10 * time.Minute,
		},
		Match: MatchConfig{Mode: MatchSubstring},
		State: StateConfig{Path: models.DefaultStatePath},
		Log:   LogConfig{Level: "info"},
	}
}

// LoadConfig layers defaults, the optional yaml file at path and environment variables
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			// file is optional, env alone is enough
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	exts := make([]string, 0, len(c.Input.Extensions))
	for _, ext := range c.Input.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	c.Input.Extensions = exts
	c.Match.Mode = strings.ToLower(strings.TrimSpace(c.Match.Mode))
}

// Validate checks the settings needed before any remote call is made
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" && !c.DryRun {
		return ErrMissingAPIKey
	}
	if c.Input.Dir == "" {
		return errors.New("input directory is required")
	}
	if c.Store.Name == "" {
		return errors.New("vector store name is required")
	}
	if c.Assistant.Name == "" || c.Assistant.Model == "" {
		return errors.New("assistant name and model are required")
	}
	if len(c.Input.Extensions) == 0 && !c.Input.ConvertSpreadsheets {
		return errors.New("at least one input extension is required")
	}
	switch c.Match.Mode {
	case MatchSubstring, MatchStem:
	default:
		return fmt.Errorf("unknown match mode %q", c.Match.Mode)
	}
	if c.Upload.PollInterval <= 0 || c.Upload.PollTimeout <= 0 {
		return errors.New("upload poll interval and timeout must be positive")
	}
	return nil
}
