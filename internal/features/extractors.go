package features

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/google/generative-ai-go/genai"
	ahocorasick "github.com/petar-dambovaliev/aho-corasick"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"active-tagger/internal/apperr"
)

// RegexExtractor marks the elements whose text matches a pattern
type RegexExtractor struct {
	re *regexp.Regexp
}

func NewRegexExtractor(pattern string) (*RegexExtractor, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, apperr.InvalidInput.New("invalid regex %q: %v", pattern, err)
	}
	return &RegexExtractor{re: re}, nil
}

func (r *RegexExtractor) Extract(ctx context.Context, ids, texts []string) (*Table, error) {
	t := &Table{IDs: ids, Columns: []string{"match"}, Values: make([][]float64, len(ids))}
	for i, text := range texts {
		var v float64
		if r.re.MatchString(text) {
			v = 1
		}
		t.Values[i] = []float64{v}
	}
	return t, nil
}

// KeywordExtractor counts keyword occurrences, one column per keyword.
type KeywordExtractor struct {
	keywords []string
	ac       ahocorasick.AhoCorasick
}

func NewKeywordExtractor(keywords []string) (*KeywordExtractor, error) {
	var patterns []string
	seen := make(map[string]bool)
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		patterns = append(patterns, k)
	}
	if len(patterns) == 0 {
		return nil, apperr.InvalidInput.New("keyword feature needs at least one keyword")
	}
	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: true,
		MatchOnlyWholeWords:  true,
		MatchKind:            ahocorasick.LeftMostLongestMatch,
	})
	return &KeywordExtractor{keywords: patterns, ac: builder.Build(patterns)}, nil
}

func (k *KeywordExtractor) Extract(ctx context.Context, ids, texts []string) (*Table, error) {
	t := &Table{IDs: ids, Columns: k.keywords, Values: make([][]float64, len(ids))}
	for i, text := range texts {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row := make([]float64, len(k.keywords))
		for _, m := range k.ac.FindAll(strings.ToLower(text)) {
			row[m.Pattern()]++
		}
		t.Values[i] = row
	}
	return t, nil
}

// GeminiConfig configures the Gemini embedding extractor
type GeminiConfig struct {
	APIKey    string `yaml:"api_key"`
	ModelName string `yaml:"model_name"`
	BatchSize int    `yaml:"batch_size"`
}

// GeminiExtractor embeds texts with the Gemini embedding API
type GeminiExtractor struct {
	client    *genai.Client
	model     *genai.EmbeddingModel
	batchSize int
	logger    *zap.Logger
}

// NewGeminiExtractor creates a new Gemini embedding extractor
func NewGeminiExtractor(ctx context.Context, cfg GeminiConfig, logger *zap.Logger) (*GeminiExtractor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "text-embedding-004"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	logger.Info("Gemini embedding extractor initialized",
		zap.String("model", cfg.ModelName),
		zap.Int("batch_size", cfg.BatchSize))

	return &GeminiExtractor{
		client:    client,
		model:     client.EmbeddingModel(cfg.ModelName),
		batchSize: cfg.BatchSize,
		logger:    logger,
	}, nil
}

func (g *GeminiExtractor) Close() error {
	return g.client.Close()
}

func (g *GeminiExtractor) Extract(ctx context.Context, ids, texts []string) (*Table, error) {
	t := &Table{IDs: ids, Values: make([][]float64, 0, len(ids))}
	for start := 0; start < len(texts); start += g.batchSize {
		end := start + g.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := g.model.NewBatch()
		for _, text := range texts[start:end] {
			batch.AddContent(genai.Text(text))
		}
		resp, err := g.model.BatchEmbedContents(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("gemini embedding error: %w", err)
		}
		if len(resp.Embeddings) != end-start {
			return nil, fmt.Errorf("gemini returned %d embeddings for %d texts", len(resp.Embeddings), end-start)
		}
		for _, e := range resp.Embeddings {
			row := make([]float64, len(e.Values))
			for j, v := range e.Values {
				row[j] = float64(v)
			}
			t.Values = append(t.Values, row)
		}
		g.logger.Debug("Embedded batch", zap.Int("start", start), zap.Int("end", end))
	}
	if len(t.Values) > 0 {
		t.Columns = make([]string, len(t.Values[0]))
		for j := range t.Columns {
			t.Columns[j] = fmt.Sprintf("d%d", j)
		}
	}
	return t, nil
}

// CommandConfig names an external program that computes a feature
type CommandConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// CommandExtractor runs an external program. It receives one JSON object
// {"id","text"} per line on stdin and prints a JSON table on stdout.
type CommandExtractor struct {
	cfg    CommandConfig
	logger *zap.Logger
}

func NewCommandExtractor(cfg CommandConfig, logger *zap.Logger) *CommandExtractor {
	return &CommandExtractor{cfg: cfg, logger: logger}
}

func (c *CommandExtractor) Extract(ctx context.Context, ids, texts []string) (*Table, error) {
	var stdin bytes.Buffer
	enc := json.NewEncoder(&stdin)
	for i, id := range ids {
		if err := enc.Encode(map[string]string{"id": id, "text": texts[i]}); err != nil {
			return nil, fmt.Errorf("failed to encode input: %w", err)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
	cmd.Stdin = &stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("feature command %s failed: %w: %s", c.cfg.Command, err, strings.TrimSpace(stderr.String()))
	}

	c.logger.Debug("Feature command finished",
		zap.String("command", c.cfg.Command),
		zap.Int("output_bytes", stdout.Len()))

	var t Table
	if err := json.Unmarshal(stdout.Bytes(), &t); err != nil {
		return nil, fmt.Errorf("failed to parse feature command output: %w", err)
	}
	if len(t.IDs) == 0 {
		t.IDs = ids
	}
	if len(t.IDs) != len(ids) {
		return nil, fmt.Errorf("feature command returned %d rows for %d elements", len(t.IDs), len(ids))
	}
	return &t, t.Validate()
}
