// Package bertmodel manages named transformer models: training and
// prediction run out of line, one job at a time per user.
package bertmodel

import (
	"strconv"
	"time"

	"active-tagger/internal/metrics"
)

// State is the lifecycle state of a model
type State string

const (
	StateUntrained  State = "untrained"
	StateTraining   State = "training"
	StateTrained    State = "trained"
	StatePredicting State = "predicting"
	StateFailed     State = "failed"
)

// Params are the training hyperparameters handed to the trainer
type Params struct {
	Epochs       int     `json:"epochs" yaml:"epochs"`
	BatchSize    int     `json:"batch_size" yaml:"batch_size"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`
	WeightDecay  float64 `json:"weight_decay" yaml:"weight_decay"`
	WarmupRatio  float64 `json:"warmup_ratio" yaml:"warmup_ratio"`
	GPU          bool    `json:"gpu" yaml:"gpu"`
}

// DefaultParams are used when a request leaves the parameters empty
var DefaultParams = Params{
	Epochs:       3,
	BatchSize:    16,
	LearningRate: 5e-5,
	WeightDecay:  0.01,
	WarmupRatio:  0.1,
}

// LossPoint is the loss of one completed epoch
type LossPoint struct {
	Epoch    int     `json:"epoch"`
	Loss     float64 `json:"loss"`
	EvalLoss float64 `json:"eval_loss"`
}

// Model is the persisted description of a named model
type Model struct {
	Name         string          `json:"name"`
	Scheme       string          `json:"scheme"`
	User         string          `json:"user"`
	BaseModel    string          `json:"base_model"`
	Params       Params          `json:"params"`
	TestFraction float64         `json:"test_fraction"`
	Labels       []string        `json:"labels"`
	State        State           `json:"state"`
	Loss         []LossPoint     `json:"loss,omitempty"`
	TrainScores  *metrics.Scores `json:"train_scores,omitempty"`
	TestScores   *metrics.Scores `json:"test_scores,omitempty"`
	Predicted    bool            `json:"predicted"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (m *Model) clone() *Model {
	c := *m
	c.Labels = append([]string(nil), m.Labels...)
	c.Loss = append([]LossPoint(nil), m.Loss...)
	return &c
}

// Row is one element handed to a trainer
type Row struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Label string `json:"label,omitempty"`
}

// PredictedRow is the trainer's prediction for one element
type PredictedRow struct {
	ID    string  `json:"id" parquet:"element_id"`
	Label string  `json:"label" parquet:"label"`
	Proba float64 `json:"proba" parquet:"proba"`
}

func (p PredictedRow) CSVRow() []string {
	return []string{p.ID, p.Label, strconv.FormatFloat(p.Proba, 'f', -1, 64)}
}

// PredictionHeader is the CSV header of exported predictions
var PredictionHeader = []string{"element_id", "label", "proba"}
