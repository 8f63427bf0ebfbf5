package bertmodel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hack-pad/hackpadfs"
	"go.uber.org/zap"
)

// TrainJob is everything a trainer needs to fit one model. Dir is the model
// directory on FS; the trainer may store any artifact there.
type TrainJob struct {
	FS        hackpadfs.FS
	Dir       string
	BaseModel string
	Params    Params
	Labels    []string
	Train     []Row
	Test      []Row
	// Progress is called once per completed epoch
	Progress func(LossPoint)
}

// PredictJob asks a trained model to label rows
type PredictJob struct {
	FS   hackpadfs.FS
	Dir  string
	Rows []Row
}

// Trainer runs transformer training and prediction. Both calls must return
// promptly once ctx is cancelled, leaving no work behind.
type Trainer interface {
	Train(ctx context.Context, job TrainJob) ([]PredictedRow, error)
	Predict(ctx context.Context, job PredictJob) ([]PredictedRow, error)
}

// CommandConfig names the external training program
type CommandConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Root is the host path of the project filesystem root
	Root string `yaml:"-"`
}

// CommandTrainer delegates to an external program invoked as
//
//	<command> <args...> train <dir>
//	<command> <args...> predict <dir>
//
// Training reads input.json, prints one JSON progress line per completed
// epoch and writes predictions.json for the train and test rows. Prediction
// reads predict_input.json and writes predict_output.json.
type CommandTrainer struct {
	cfg    CommandConfig
	logger *zap.Logger
}

func NewCommandTrainer(cfg CommandConfig, logger *zap.Logger) *CommandTrainer {
	return &CommandTrainer{cfg: cfg, logger: logger}
}

type trainInput struct {
	BaseModel string   `json:"base_model"`
	Params    Params   `json:"params"`
	Labels    []string `json:"labels"`
	Train     []Row    `json:"train"`
	Test      []Row    `json:"test"`
}

func (c *CommandTrainer) Train(ctx context.Context, job TrainJob) ([]PredictedRow, error) {
	input := trainInput{
		BaseModel: job.BaseModel,
		Params:    job.Params,
		Labels:    job.Labels,
		Train:     job.Train,
		Test:      job.Test,
	}
	if err := writeJSON(job.FS, path.Join(job.Dir, "input.json"), input); err != nil {
		return nil, err
	}
	err := c.run(ctx, "train", job.Dir, func(line []byte) {
		var p LossPoint
		if err := json.Unmarshal(line, &p); err != nil || p.Epoch == 0 {
			c.logger.Debug("Trainer output", zap.ByteString("line", line))
			return
		}
		job.Progress(p)
	})
	if err != nil {
		return nil, err
	}
	var out []PredictedRow
	if err := readJSON(job.FS, path.Join(job.Dir, "predictions.json"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CommandTrainer) Predict(ctx context.Context, job PredictJob) ([]PredictedRow, error) {
	if err := writeJSON(job.FS, path.Join(job.Dir, "predict_input.json"), job.Rows); err != nil {
		return nil, err
	}
	if err := c.run(ctx, "predict", job.Dir, func([]byte) {}); err != nil {
		return nil, err
	}
	var out []PredictedRow
	if err := readJSON(job.FS, path.Join(job.Dir, "predict_output.json"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CommandTrainer) run(ctx context.Context, verb, dir string, onLine func([]byte)) error {
	args := append(append([]string(nil), c.cfg.Args...), verb, filepath.Join(c.cfg.Root, filepath.FromSlash(dir)))
	cmd := exec.CommandContext(ctx, c.cfg.Command, args...)
	cmd.WaitDelay = 5 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open trainer output: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start trainer: %w", err)
	}
	c.logger.Info("Trainer started",
		zap.String("verb", verb),
		zap.String("dir", dir),
		zap.Int("pid", cmd.Process.Pid))

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLine(scanner.Bytes())
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("trainer %s failed: %w: %s", verb, err, strings.TrimSpace(stderr.String()))
	}
	c.logger.Info("Trainer finished",
		zap.String("verb", verb),
		zap.String("dir", dir),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func writeJSON(fsys hackpadfs.FS, p string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path.Base(p), err)
	}
	if err := hackpadfs.WriteFullFile(fsys, p, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path.Base(p), err)
	}
	return nil
}

func readJSON(fsys hackpadfs.FS, p string, v interface{}) error {
	data, err := hackpadfs.ReadFile(fsys, p)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path.Base(p), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path.Base(p), err)
	}
	return nil
}
