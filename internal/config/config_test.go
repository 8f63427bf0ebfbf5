package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"active-tagger/internal/bertmodel"
	"active-tagger/internal/llm"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("TEST_GROQ_KEY", "gsk-123")
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
database:
  type: postgres
  path: postgres://localhost/tagger
features:
  keywords:
    urgency: [urgent, "right now", immediately]
  commands:
    sbert:
      command: python3
      args: [scripts/sbert.py]
bert:
  command: python3
  args: [scripts/bert.py]
  default_params:
    epochs: 2
    batch_size: 8
    learning_rate: 0.00003
providers:
  - type: groq
    api_key: ${TEST_GROQ_KEY}
    retry_delay: 1s
    requests_per_minute: 30
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, int64(42), cfg.RandomSeed)
	assert.Equal(t, "logistic", cfg.SimpleModel.DefaultKind)
	assert.Equal(t, []string{"urgent", "right now", "immediately"}, cfg.Features.Keywords["urgency"])
	assert.Equal(t, []string{"scripts/sbert.py"}, cfg.Features.Commands["sbert"].Args)
	assert.Equal(t, bertmodel.Params{Epochs: 2, BatchSize: 8, LearningRate: 0.00003}, cfg.Bert.DefaultParams)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, llm.ProviderGroq, cfg.Providers[0].Type)
	assert.Equal(t, "gsk-123", cfg.Providers[0].APIKey)
	assert.Equal(t, time.Second, cfg.Providers[0].RetryDelay)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}
