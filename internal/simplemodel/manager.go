// Package simplemodel trains fast classifiers over precomputed features for
// each (user, scheme) pair and keeps their predictions for active learning.
package simplemodel

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hack-pad/hackpadfs"
	"go.uber.org/zap"

	"active-tagger/internal/apperr"
	"active-tagger/internal/corpus"
	"active-tagger/internal/features"
	"active-tagger/internal/jobs"
	"active-tagger/internal/metrics"
	"active-tagger/internal/models"
	"active-tagger/internal/schemes"
)

// Key identifies a simple model
type Key struct {
	User   string `json:"user"`
	Scheme string `json:"scheme"`
}

func (k Key) String() string {
	return k.User + "/" + k.Scheme
}

// Statistics scores a trained model
type Statistics struct {
	metrics.Scores
	// Evaluation is "test" for held-out rows of the test partition, or
	// "cross_validation" when no test row is tagged.
	Evaluation string `json:"evaluation"`
	TrainSize  int    `json:"train_size"`
}

// Model is a trained simple model with its per-element predictions
type Model struct {
	Key        Key                `json:"key"`
	Kind       string             `json:"kind"`
	Params     map[string]float64 `json:"params"`
	Features   []string           `json:"features"`
	Labels     []string           `json:"labels"`
	Statistics Statistics         `json:"statistics"`
	TrainedAt  time.Time          `json:"trained_at"`
	// Proba holds one probability per label for every corpus element
	Proba map[string][]float64 `json:"-"`
}

// Prediction returns the most probable label of element
func (m *Model) Prediction(element string) (models.Prediction, bool) {
	p, ok := m.Proba[element]
	if !ok {
		return models.Prediction{}, false
	}
	best := 0
	for c := range p {
		if p[c] > p[best] {
			best = c
		}
	}
	return models.Prediction{Label: m.Labels[best], Proba: p[best]}, true
}

// Info describes a model without its predictions
type Info struct {
	Key        Key                `json:"key"`
	Kind       string             `json:"kind"`
	Params     map[string]float64 `json:"params"`
	Features   []string           `json:"features"`
	Statistics Statistics         `json:"statistics"`
	TrainedAt  time.Time          `json:"trained_at"`
}

type training struct {
	handle *jobs.Handle[*Model]
	info   Info
}

// Report lists what one reconciliation pass absorbed
type Report struct {
	Trained []Key             `json:"trained,omitempty"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Manager owns the simple models of one project
type Manager struct {
	mu       sync.Mutex
	fs       hackpadfs.FS
	dir      string
	pool     *jobs.Pool
	corpus   *corpus.Corpus
	features *features.Store
	schemes  *schemes.Store
	logger   *zap.Logger

	training map[Key]*training
	models   map[Key]*Model
	failed   map[Key]string
}

// NewManager creates a manager persisting models under dir and loads the
// models saved there.
func NewManager(fsys hackpadfs.FS, dir string, c *corpus.Corpus, fstore *features.Store, sstore *schemes.Store,
	pool *jobs.Pool, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		fs:       fsys,
		dir:      dir,
		pool:     pool,
		corpus:   c,
		features: fstore,
		schemes:  sstore,
		logger:   logger,
		training: make(map[Key]*training),
		models:   make(map[Key]*Model),
		failed:   make(map[Key]string),
	}
	if err := hackpadfs.MkdirAll(fsys, dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}
	entries, err := hackpadfs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list simple models: %w", err)
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".gob") {
			continue
		}
		data, err := hackpadfs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read simple model %s: %w", entry.Name(), err)
		}
		var model Model
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&model); err != nil {
			return nil, fmt.Errorf("failed to decode simple model %s: %w", entry.Name(), err)
		}
		m.models[model.Key] = &model
	}
	return m, nil
}

func (m *Manager) file(key Key) string {
	return path.Join(m.dir, url.PathEscape(key.User)+"__"+url.PathEscape(key.Scheme)+".gob")
}

func (m *Manager) save(model *Model) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(model); err != nil {
		return fmt.Errorf("failed to encode simple model: %w", err)
	}
	return jobs.WriteArtifact(m.fs, m.file(model.Key), buf.Bytes())
}

// Train starts fitting a model of kind for (user, scheme) on the named
// features and the current labels of the scheme.
func (m *Manager) Train(user, scheme string, names []string, kind string, params map[string]float64) error {
	k, params, err := resolveParams(kind, params)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return apperr.Newf(&apperr.InvalidInput, apperr.ErrNoFeature, "empty feature set")
	}

	key := Key{User: user, Scheme: scheme}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.training[key]; ok {
		return apperr.Newf(&apperr.Conflict, apperr.ErrAlreadyTraining, "simple model %s", key)
	}
	table, err := m.features.Require(names)
	if err != nil {
		return err
	}
	labels, err := m.schemes.Labels(scheme)
	if err != nil {
		return err
	}
	labeled, err := m.schemes.Labeled(scheme)
	if err != nil {
		return err
	}
	inScheme := make(map[string]bool, len(labels))
	for _, l := range labels {
		inScheme[l] = true
	}

	set := dataset{ids: m.corpus.IDs(), x: table.Values}
	index := table.Index()
	for id, label := range labeled {
		if !inScheme[label] {
			continue
		}
		if m.corpus.IsTest(id) {
			set.testRows = append(set.testRows, index[id])
			set.testY = append(set.testY, label)
		} else {
			set.trainRows = append(set.trainRows, index[id])
			set.trainY = append(set.trainY, label)
		}
	}
	set.sort()
	if n := len(distinctLabels(set.trainY)); n < 2 {
		return apperr.InvalidInput.New("scheme %q needs at least two labels in use to train, found %d", scheme, n)
	}

	info := Info{Key: key, Kind: kind, Params: params, Features: names}
	handle := jobs.Submit(m.pool, key.String(), jobs.KindSimpleModel, func(ctx context.Context) (*Model, error) {
		return fit(ctx, k.Trainer, set, info)
	})
	m.training[key] = &training{handle: handle, info: info}
	delete(m.failed, key)

	m.logger.Info("Simple model training started",
		zap.String("user", user),
		zap.String("scheme", scheme),
		zap.String("kind", kind),
		zap.Int("train_rows", len(set.trainRows)),
		zap.Int("test_rows", len(set.testRows)))
	return nil
}

// Reconcile absorbs every finished training job
func (m *Manager) Reconcile() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	var report Report
	for key, t := range m.training {
		if !t.handle.Done() {
			continue
		}
		model, err := t.handle.Take()
		delete(m.training, key)
		if !m.schemes.HasScheme(key.Scheme) {
			m.logger.Info("Discarding simple model of removed scheme",
				zap.String("user", key.User),
				zap.String("scheme", key.Scheme))
			continue
		}
		if err == nil {
			model.Key = key
			err = m.save(model)
		}
		if err != nil {
			m.failed[key] = err.Error()
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[key.String()] = err.Error()
			m.logger.Warn("Simple model training failed",
				zap.String("user", key.User),
				zap.String("scheme", key.Scheme),
				zap.Error(err))
			continue
		}
		m.models[key] = model
		report.Trained = append(report.Trained, key)
		m.logger.Info("Simple model trained",
			zap.String("user", key.User),
			zap.String("scheme", key.Scheme),
			zap.Float64("weighted_f1", model.Statistics.WeightedF1),
			zap.String("evaluation", model.Statistics.Evaluation))
	}
	sort.Slice(report.Trained, func(i, j int) bool { return report.Trained[i].String() < report.Trained[j].String() })
	return report
}

// Available describes every trained model
func (m *Manager) Available() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.models))
	for _, model := range m.models {
		out = append(out, Info{
			Key:        model.Key,
			Kind:       model.Kind,
			Params:     model.Params,
			Features:   model.Features,
			Statistics: model.Statistics,
			TrainedAt:  model.TrainedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Training lists the models being fitted
func (m *Manager) Training() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.training))
	for _, t := range m.training {
		out = append(out, t.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Failed lists the last training failure of each model
func (m *Manager) Failed() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.failed))
	for key, reason := range m.failed {
		out[key.String()] = reason
	}
	return out
}

// IsTraining reports whether (user, scheme) has a job in flight
func (m *Manager) IsTraining(user, scheme string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.training[Key{User: user, Scheme: scheme}]
	return ok
}

// Model returns the trained model of (user, scheme)
func (m *Manager) Model(user, scheme string) (*Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	model, ok := m.models[Key{User: user, Scheme: scheme}]
	if !ok {
		return nil, apperr.Newf(&apperr.Unavailable, apperr.ErrNoModelAvailable, "no simple model for %s/%s", user, scheme)
	}
	return model, nil
}

// Prediction returns the predicted label of element, if a model is trained
func (m *Manager) Prediction(user, scheme, element string) (models.Prediction, bool) {
	model, err := m.Model(user, scheme)
	if err != nil {
		return models.Prediction{}, false
	}
	return model.Prediction(element)
}

// Predictions returns the stored prediction of every element. Nothing is
// recomputed.
func (m *Manager) Predictions(user, scheme string) (map[string]models.Prediction, error) {
	model, err := m.Model(user, scheme)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Prediction, len(model.Proba))
	for id := range model.Proba {
		out[id], _ = model.Prediction(id)
	}
	return out, nil
}

// Delete removes the model of (user, scheme). A model in training keeps
// training.
func (m *Manager) Delete(user, scheme string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key{User: user, Scheme: scheme}
	if _, ok := m.models[key]; !ok {
		if _, failed := m.failed[key]; failed {
			delete(m.failed, key)
			return nil
		}
		return apperr.Newf(&apperr.NotFound, apperr.ErrUnknownModel, "simple model %s", key)
	}
	err := hackpadfs.Remove(m.fs, m.file(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove simple model: %w", err)
	}
	delete(m.models, key)
	return nil
}

// Close cancels every training
func (m *Manager) Close() {
	m.mu.Lock()
	ts := make([]*training, 0, len(m.training))
	for key, t := range m.training {
		ts = append(ts, t)
		delete(m.training, key)
	}
	m.mu.Unlock()
	for _, t := range ts {
		t.handle.Cancel()
	}
}

// DropScheme forgets every model trained on scheme and cancels its trainings
func (m *Manager) DropScheme(scheme string) {
	m.mu.Lock()
	var cancelled []*training
	for key, t := range m.training {
		if key.Scheme == scheme {
			cancelled = append(cancelled, t)
			delete(m.training, key)
		}
	}
	for key := range m.models {
		if key.Scheme == scheme {
			if err := hackpadfs.Remove(m.fs, m.file(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				m.logger.Warn("Failed to remove simple model", zap.String("model", key.String()), zap.Error(err))
			}
			delete(m.models, key)
		}
	}
	for key := range m.failed {
		if key.Scheme == scheme {
			delete(m.failed, key)
		}
	}
	m.mu.Unlock()

	for _, t := range cancelled {
		t.handle.Cancel()
	}
}

// RenameScheme moves the models, trainings and failures of scheme from to
// scheme to.
func (m *Manager) RenameScheme(from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var moved []Key
	for key := range m.models {
		if key.Scheme == from {
			moved = append(moved, key)
		}
	}
	for _, key := range moved {
		model := m.models[key]
		old := m.file(key)
		model.Key = Key{User: key.User, Scheme: to}
		if err := m.save(model); err != nil {
			model.Key = key
			return err
		}
		if err := hackpadfs.Remove(m.fs, old); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("Failed to remove simple model", zap.String("model", key.String()), zap.Error(err))
		}
		delete(m.models, key)
		m.models[model.Key] = model
	}

	for key, t := range m.training {
		if key.Scheme == from {
			delete(m.training, key)
			key.Scheme = to
			t.info.Key = key
			m.training[key] = t
		}
	}
	for key, msg := range m.failed {
		if key.Scheme == from {
			delete(m.failed, key)
			key.Scheme = to
			m.failed[key] = msg
		}
	}
	return nil
}

type dataset struct {
	ids       []string
	x         [][]float64
	trainRows []int
	trainY    []string
	testRows  []int
	testY     []string
}

// sort puts rows in corpus order so that fits are reproducible
func (d *dataset) sort() {
	sortRows(d.trainRows, d.trainY)
	sortRows(d.testRows, d.testY)
}

func sortRows(rows []int, y []string) {
	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return rows[idx[a]] < rows[idx[b]] })
	r2, y2 := make([]int, len(rows)), make([]string, len(y))
	for i, j := range idx {
		r2[i], y2[i] = rows[j], y[j]
	}
	copy(rows, r2)
	copy(y, y2)
}

func pick(x [][]float64, rows []int) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = x[r]
	}
	return out
}

func argmax(labels []string, p []float64) string {
	best := 0
	for c := range p {
		if p[c] > p[best] {
			best = c
		}
	}
	return labels[best]
}

const folds = 5

func fit(ctx context.Context, trainer Trainer, set dataset, info Info) (*Model, error) {
	var stats Statistics
	stats.TrainSize = len(set.trainRows)

	if len(set.testRows) > 0 {
		clf, err := trainer.Fit(ctx, pick(set.x, set.trainRows), set.trainY, info.Params)
		if err != nil {
			return nil, err
		}
		predicted := make([]string, len(set.testRows))
		for i, p := range clf.PredictProba(pick(set.x, set.testRows)) {
			predicted[i] = argmax(clf.Labels(), p)
		}
		stats.Scores = metrics.Score(set.testY, predicted)
		stats.Evaluation = "test"
	} else {
		k := folds
		if len(set.trainRows) < k {
			k = len(set.trainRows)
		}
		predicted := make([]string, len(set.trainRows))
		for f := 0; f < k; f++ {
			var fitRows, holdRows []int
			var fitY []string
			var holdAt []int
			for i, r := range set.trainRows {
				if i%k == f {
					holdRows = append(holdRows, r)
					holdAt = append(holdAt, i)
				} else {
					fitRows = append(fitRows, r)
					fitY = append(fitY, set.trainY[i])
				}
			}
			clf, err := trainer.Fit(ctx, pick(set.x, fitRows), fitY, info.Params)
			if err != nil {
				return nil, err
			}
			for i, p := range clf.PredictProba(pick(set.x, holdRows)) {
				predicted[holdAt[i]] = argmax(clf.Labels(), p)
			}
		}
		stats.Scores = metrics.Score(set.trainY, predicted)
		stats.Evaluation = "cross_validation"
	}

	clf, err := trainer.Fit(ctx, pick(set.x, set.trainRows), set.trainY, info.Params)
	if err != nil {
		return nil, err
	}
	proba := clf.PredictProba(set.x)
	model := &Model{
		Key:        info.Key,
		Kind:       info.Kind,
		Params:     info.Params,
		Features:   info.Features,
		Labels:     clf.Labels(),
		Statistics: stats,
		TrainedAt:  time.Now().UTC(),
		Proba:      make(map[string][]float64, len(set.ids)),
	}
	for i, id := range set.ids {
		model.Proba[id] = proba[i]
	}
	return model, nil
}
