package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"active-tagger/internal/bertmodel"
	"active-tagger/internal/features"
	"active-tagger/internal/llm"
)

// Config holds application configuration
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Log struct {
		Production bool `yaml:"production"`
	} `yaml:"log"`

	// Data.Dir holds one directory per project
	Data struct {
		Dir string `yaml:"dir"`
	} `yaml:"data"`

	Database struct {
		Path string `yaml:"path"` // SQLite path or PostgreSQL URL
		Type string `yaml:"type"` // "sqlite" or "postgres"
	} `yaml:"database"`

	// Workers bounds the background jobs running at once
	Workers    int   `yaml:"workers"`
	RandomSeed int64 `yaml:"random_seed"`

	Features struct {
		Gemini   features.GeminiConfig             `yaml:"gemini"`
		Commands map[string]features.CommandConfig `yaml:"commands"`
		Keywords map[string][]string               `yaml:"keywords"`
	} `yaml:"features"`

	SimpleModel struct {
		DefaultKind string `yaml:"default_kind"`
	} `yaml:"simplemodel"`

	Bert struct {
		Command       string           `yaml:"command"`
		Args          []string         `yaml:"args"`
		BaseModels    []string         `yaml:"base_models"`
		DefaultParams bertmodel.Params `yaml:"default_params"`
	} `yaml:"bert"`

	Projection struct {
		DefaultMethod string `yaml:"default_method"`
	} `yaml:"projection"`

	// LLM providers used for zero-shot suggestions
	Providers               []llm.ProviderConfig `yaml:"providers"`
	MaxFailuresBeforeSwitch int                  `yaml:"max_failures_before_switch"`
}

// LoadConfig loads configuration from YAML file
func LoadConfig(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	config := &Config{}
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	config.SetDefaults()
	return config, nil
}

// SetDefaults fills unset values and expands environment variables in secrets
func (c *Config) SetDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8002"
	}
	if c.Data.Dir == "" {
		c.Data.Dir = "./data/projects"
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/active-tagger.db"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RandomSeed == 0 {
		c.RandomSeed = 42
	}
	if c.SimpleModel.DefaultKind == "" {
		c.SimpleModel.DefaultKind = "logistic"
	}
	if c.Bert.DefaultParams == (bertmodel.Params{}) {
		c.Bert.DefaultParams = bertmodel.DefaultParams
	}
	if len(c.Bert.BaseModels) == 0 {
		c.Bert.BaseModels = []string{"distilbert-base-uncased"}
	}
	if c.Projection.DefaultMethod == "" {
		c.Projection.DefaultMethod = "pca"
	}
	if c.MaxFailuresBeforeSwitch == 0 {
		c.MaxFailuresBeforeSwitch = 3
	}

	c.Database.Path = os.ExpandEnv(c.Database.Path)
	c.Features.Gemini.APIKey = os.ExpandEnv(c.Features.Gemini.APIKey)
	for i := range c.Providers {
		c.Providers[i].APIKey = os.ExpandEnv(c.Providers[i].APIKey)
	}
}
