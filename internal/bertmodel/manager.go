package bertmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hack-pad/hackpadfs"
	"go.uber.org/zap"

	"active-tagger/internal/apperr"
	"active-tagger/internal/export"
	"active-tagger/internal/jobs"
	"active-tagger/internal/metrics"
)

const (
	metaFile   = "model.json"
	outputFile = "predict_output.json"
)

// progress collects the loss of completed epochs reported by a running job
type progress struct {
	mu     sync.Mutex
	points []LossPoint
}

func (p *progress) add(point LossPoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// only an epoch after the last one extends the curve
	if n := len(p.points); n > 0 && point.Epoch <= p.points[n-1].Epoch {
		return
	}
	p.points = append(p.points, point)
}

func (p *progress) snapshot() []LossPoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]LossPoint(nil), p.points...)
}

type running struct {
	model    string
	user     string
	kind     jobs.Kind
	handle   *jobs.Handle[[]PredictedRow]
	progress *progress
	test     map[string]string // held-out labels by element id
	train    map[string]string
	// stopping is set while a canceller waits for the job to exit; the entry
	// still counts as the user's job until it is removed
	stopping bool
}

// Report lists what one reconciliation pass absorbed
type Report struct {
	Trained   []string          `json:"trained,omitempty"`
	Predicted []string          `json:"predicted,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Manager owns the transformer models of one project.
//
// At most one job, training or predicting, runs per user.
type Manager struct {
	mu      sync.Mutex
	fs      hackpadfs.FS
	dir     string
	pool    *jobs.Pool
	trainer Trainer
	seed    int64
	now     func() time.Time
	logger  *zap.Logger

	models  map[string]*Model
	running map[string]*running // by model name
}

// NewManager loads the models stored under dir. A model that was training
// when the previous process stopped is marked failed; one that was
// predicting is still trained and only records the interruption.
func NewManager(fsys hackpadfs.FS, dir string, trainer Trainer, pool *jobs.Pool, seed int64, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		fs:      fsys,
		dir:     dir,
		pool:    pool,
		trainer: trainer,
		seed:    seed,
		now:     time.Now,
		logger:  logger,
		models:  make(map[string]*Model),
		running: make(map[string]*running),
	}
	if err := hackpadfs.MkdirAll(fsys, dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bert directory: %w", err)
	}
	entries, err := hackpadfs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list bert models: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var model Model
		if err := readJSON(fsys, path.Join(dir, entry.Name(), metaFile), &model); err != nil {
			logger.Warn("Skipping unreadable bert model", zap.String("dir", entry.Name()), zap.Error(err))
			continue
		}
		if model.State == StateTraining || model.State == StatePredicting {
			if model.State == StateTraining {
				model.State = StateFailed
			} else {
				model.State = StateTrained
			}
			model.Error = "interrupted"
			if err := m.save(&model); err != nil {
				return nil, err
			}
		}
		m.models[model.Name] = &model
	}
	return m, nil
}

func (m *Manager) modelDir(name string) string {
	return path.Join(m.dir, name)
}

func (m *Manager) save(model *Model) error {
	data, err := json.MarshalIndent(model, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode model metadata: %w", err)
	}
	return jobs.WriteArtifact(m.fs, path.Join(m.modelDir(model.Name), metaFile), data)
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return apperr.InvalidInput.New("invalid model name %q", name)
	}
	return nil
}

// busy returns the job running for user, if any. Must hold m.mu.
func (m *Manager) busy(user string) *running {
	for _, r := range m.running {
		if r.user == user {
			return r
		}
	}
	return nil
}

// TrainRequest describes a training to start
type TrainRequest struct {
	Name         string
	User         string
	Scheme       string
	Labels       []string
	BaseModel    string
	Params       Params
	TestFraction float64
	// Rows are the labelled elements of the scheme
	Rows []Row
}

// StartTraining creates model req.Name and starts training it
func (m *Manager) StartTraining(req TrainRequest) error {
	if err := validName(req.Name); err != nil {
		return err
	}
	if req.TestFraction < 0 || req.TestFraction >= 1 {
		return apperr.InvalidInput.New("test_fraction must be in [0, 1), got %v", req.TestFraction)
	}
	if req.BaseModel == "" {
		return apperr.InvalidInput.New("base model is required")
	}
	if req.Params == (Params{}) {
		req.Params = DefaultParams
	}
	if req.Params.Epochs <= 0 || req.Params.BatchSize <= 0 || req.Params.LearningRate <= 0 {
		return apperr.InvalidInput.New("epochs, batch_size and learning_rate must be positive")
	}
	used := make(map[string]bool)
	for _, r := range req.Rows {
		used[r.Label] = true
	}
	if len(used) < 2 {
		return apperr.InvalidInput.New("training needs at least two labels in use, found %d", len(used))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if r := m.busy(req.User); r != nil {
		return apperr.Newf(&apperr.Conflict, apperr.ErrUserBusy, "user %q is already running %s on model %q", req.User, r.kind, r.model)
	}
	if _, ok := m.models[req.Name]; ok {
		return apperr.Newf(&apperr.Conflict, apperr.ErrNameCollision, "model %q", req.Name)
	}

	rows := append([]Row(nil), req.Rows...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	rand.New(rand.NewSource(m.seed)).Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
	nTest := int(float64(len(rows)) * req.TestFraction)
	test, train := rows[:nTest], rows[nTest:]

	now := m.now().UTC()
	model := &Model{
		Name:         req.Name,
		Scheme:       req.Scheme,
		User:         req.User,
		BaseModel:    req.BaseModel,
		Params:       req.Params,
		TestFraction: req.TestFraction,
		Labels:       append([]string(nil), req.Labels...),
		State:        StateTraining,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	dir := m.modelDir(req.Name)
	if err := hackpadfs.MkdirAll(m.fs, dir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	if err := m.save(model); err != nil {
		return err
	}

	prog := &progress{}
	job := TrainJob{
		FS:        m.fs,
		Dir:       dir,
		BaseModel: req.BaseModel,
		Params:    req.Params,
		Labels:    model.Labels,
		Train:     train,
		Test:      test,
		Progress:  prog.add,
	}
	r := &running{
		model:    req.Name,
		user:     req.User,
		kind:     jobs.KindBertTrain,
		progress: prog,
		train:    labelsOf(train),
		test:     labelsOf(test),
	}
	r.handle = jobs.Submit(m.pool, req.User, jobs.KindBertTrain, func(ctx context.Context) ([]PredictedRow, error) {
		return m.trainer.Train(ctx, job)
	})
	m.models[req.Name] = model
	m.running[req.Name] = r

	m.logger.Info("Bert training started",
		zap.String("model", req.Name),
		zap.String("user", req.User),
		zap.String("base_model", req.BaseModel),
		zap.Int("train_rows", len(train)),
		zap.Int("test_rows", len(test)))
	return nil
}

func labelsOf(rows []Row) map[string]string {
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.ID] = r.Label
	}
	return out
}

// StopTraining cancels the training of user and waits for it to exit. The
// model returns to untrained.
func (m *Manager) StopTraining(user string) error {
	m.mu.Lock()
	r := m.busy(user)
	if r == nil || r.kind != jobs.KindBertTrain || r.stopping {
		m.mu.Unlock()
		return apperr.NotFound.New("no training in progress for user %q", user)
	}
	r.stopping = true
	m.mu.Unlock()

	r.handle.Cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(r)
	model, ok := m.models[r.model]
	if _, replaced := m.running[r.model]; !ok || replaced {
		return nil
	}
	model.State = StateUntrained
	model.Loss = r.progress.snapshot()
	model.UpdatedAt = m.now().UTC()
	m.logger.Info("Bert training stopped", zap.String("model", r.model), zap.String("user", user))
	return m.save(model)
}

// release drops r from the running jobs unless another job replaced it.
// Must hold m.mu.
func (m *Manager) release(r *running) {
	if m.running[r.model] == r {
		delete(m.running, r.model)
	}
}

// StartPredicting labels rows with the trained model name
func (m *Manager) StartPredicting(name, user string, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	model, ok := m.models[name]
	if !ok {
		return apperr.Newf(&apperr.NotFound, apperr.ErrUnknownModel, "model %q", name)
	}
	if model.State != StateTrained {
		return apperr.Newf(&apperr.Unavailable, apperr.ErrNotTrained, "model %q is %s", name, model.State)
	}
	if r := m.busy(user); r != nil {
		return apperr.Newf(&apperr.Conflict, apperr.ErrUserBusy, "user %q is already running %s on model %q", user, r.kind, r.model)
	}
	if _, ok := m.running[name]; ok {
		return apperr.Newf(&apperr.Conflict, apperr.ErrBusy, "model %q", name)
	}

	model.State = StatePredicting
	model.UpdatedAt = m.now().UTC()
	if err := m.save(model); err != nil {
		return err
	}
	job := PredictJob{FS: m.fs, Dir: m.modelDir(name), Rows: rows}
	r := &running{model: name, user: user, kind: jobs.KindBertPredict, progress: &progress{}}
	r.handle = jobs.Submit(m.pool, user, jobs.KindBertPredict, func(ctx context.Context) ([]PredictedRow, error) {
		return m.trainer.Predict(ctx, job)
	})
	m.running[name] = r

	m.logger.Info("Bert prediction started",
		zap.String("model", name),
		zap.String("user", user),
		zap.Int("rows", len(rows)))
	return nil
}

// Reconcile absorbs finished jobs and refreshes the loss curve of running
// trainings.
func (m *Manager) Reconcile() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	var report Report
	fail := func(model *Model, err error) {
		model.State = StateFailed
		model.Error = err.Error()
		if report.Failed == nil {
			report.Failed = make(map[string]string)
		}
		report.Failed[model.Name] = err.Error()
		m.logger.Warn("Bert job failed", zap.String("model", model.Name), zap.Error(err))
	}

	for name, r := range m.running {
		model := m.models[name]
		if r.kind == jobs.KindBertTrain {
			model.Loss = r.progress.snapshot()
		}
		if r.stopping || !r.handle.Done() {
			continue
		}
		delete(m.running, name)
		out, err := r.handle.Take()

		switch {
		case r.kind == jobs.KindBertTrain && err != nil:
			fail(model, err)
		case r.kind == jobs.KindBertTrain:
			model.TrainScores, model.TestScores = score(out, r.train), score(out, r.test)
			model.State = StateTrained
			model.Error = ""
			report.Trained = append(report.Trained, name)
			m.logger.Info("Bert model trained", zap.String("model", name), zap.Int("epochs", len(model.Loss)))
		case err != nil:
			// a failed prediction leaves the trained model usable
			model.State = StateTrained
			model.Error = err.Error()
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[name] = err.Error()
			m.logger.Warn("Bert prediction failed", zap.String("model", name), zap.Error(err))
		default:
			if err := writeJSON(m.fs, path.Join(m.modelDir(name), outputFile), out); err != nil {
				fail(model, err)
				break
			}
			model.State = StateTrained
			model.Predicted = true
			model.Error = ""
			report.Predicted = append(report.Predicted, name)
			m.logger.Info("Bert predictions stored", zap.String("model", name), zap.Int("rows", len(out)))
		}
		model.UpdatedAt = m.now().UTC()
		if err := m.save(model); err != nil {
			m.logger.Error("Failed to save bert model", zap.String("model", name), zap.Error(err))
		}
	}
	sort.Strings(report.Trained)
	sort.Strings(report.Predicted)
	return report
}

func score(out []PredictedRow, truth map[string]string) *metrics.Scores {
	if len(truth) == 0 {
		return nil
	}
	var want, got []string
	for _, p := range out {
		if label, ok := truth[p.ID]; ok {
			want = append(want, label)
			got = append(got, p.Label)
		}
	}
	s := metrics.Score(want, got)
	return &s
}

// Rename moves model from to name to. State, artifacts and scores are kept.
func (m *Manager) Rename(from, to string) error {
	if err := validName(to); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	model, ok := m.models[from]
	if !ok {
		return apperr.Newf(&apperr.NotFound, apperr.ErrUnknownModel, "model %q", from)
	}
	if _, ok := m.models[to]; ok {
		return apperr.Newf(&apperr.Conflict, apperr.ErrNameCollision, "model %q", to)
	}
	if _, ok := m.running[from]; ok {
		return apperr.Newf(&apperr.Conflict, apperr.ErrBusy, "model %q", from)
	}
	if err := moveDir(m.fs, m.modelDir(from), m.modelDir(to)); err != nil {
		return fmt.Errorf("failed to rename model directory: %w", err)
	}
	model.Name = to
	if err := m.save(model); err != nil {
		return err
	}
	m.models[to] = model
	delete(m.models, from)

	m.logger.Info("Bert model renamed", zap.String("from", from), zap.String("to", to))
	return nil
}

// RenameScheme points the models trained on scheme from at scheme to
func (m *Manager) RenameScheme(from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, model := range m.models {
		if model.Scheme != from {
			continue
		}
		model.Scheme = to
		if err := m.save(model); err != nil {
			return err
		}
	}
	return nil
}

// Delete cancels any job of the model and removes it. Unknown names are
// ignored.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	r, ok := m.running[name]
	if ok {
		r.stopping = true
	}
	m.mu.Unlock()

	if ok {
		r.handle.Cancel()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.release(r)
	}
	if _, ok := m.models[name]; !ok {
		return nil
	}
	if err := hackpadfs.RemoveAll(m.fs, m.modelDir(name)); err != nil {
		return fmt.Errorf("failed to remove model %s: %w", name, err)
	}
	delete(m.models, name)
	m.logger.Info("Bert model deleted", zap.String("model", name))
	return nil
}

// Close cancels every running job
func (m *Manager) Close() {
	m.mu.Lock()
	var rs []*running
	for _, r := range m.running {
		r.stopping = true
		rs = append(rs, r)
	}
	m.mu.Unlock()
	for _, r := range rs {
		r.handle.Cancel()
	}

	m.mu.Lock()
	for _, r := range rs {
		m.release(r)
	}
	m.mu.Unlock()
}

// Models returns a copy of every model, optionally restricted to a scheme
func (m *Manager) Models(scheme string) []*Model {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Model, 0, len(m.models))
	for _, model := range m.models {
		if scheme == "" || model.Scheme == scheme {
			out = append(out, model.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Model returns a copy of model name
func (m *Manager) Model(name string) (*Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	model, ok := m.models[name]
	if !ok {
		return nil, apperr.Newf(&apperr.NotFound, apperr.ErrUnknownModel, "model %q", name)
	}
	return model.clone(), nil
}

// Predictions returns the rows of the last finished prediction of name
func (m *Manager) Predictions(name string) ([]PredictedRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.predictions(name)
}

func (m *Manager) predictions(name string) ([]PredictedRow, error) {
	model, ok := m.models[name]
	if !ok {
		return nil, apperr.Newf(&apperr.NotFound, apperr.ErrUnknownModel, "model %q", name)
	}
	if !model.Predicted {
		return nil, apperr.Newf(&apperr.Unavailable, apperr.ErrNotTrained, "model %q has no predictions", name)
	}
	var out []PredictedRow
	if err := readJSON(m.fs, path.Join(m.modelDir(name), outputFile), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Export writes the model archive or its predictions under dir
func (m *Manager) Export(name string, format export.Format, dir string) (export.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	model, ok := m.models[name]
	if !ok {
		return export.File{}, apperr.Newf(&apperr.NotFound, apperr.ErrUnknownModel, "model %q", name)
	}
	if format == export.FormatArchive {
		if model.State != StateTrained {
			return export.File{}, apperr.Newf(&apperr.Unavailable, apperr.ErrNotTrained, "model %q is %s", name, model.State)
		}
		return export.Archive(m.fs, m.modelDir(name), dir, name)
	}
	rows, err := m.predictions(name)
	if err != nil {
		return export.File{}, err
	}
	return export.Table(m.fs, dir, name+"_predictions", format, PredictionHeader, rows)
}

// moveDir renames a directory, copying it when the filesystem cannot rename
// directories.
func moveDir(fsys hackpadfs.FS, from, to string) error {
	if err := hackpadfs.Rename(fsys, from, to); err == nil {
		return nil
	}
	err := fs.WalkDir(fsys, from, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		target := path.Join(to, strings.TrimPrefix(p, from))
		if d.IsDir() {
			return hackpadfs.MkdirAll(fsys, target, 0o755)
		}
		data, err := hackpadfs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		return hackpadfs.WriteFullFile(fsys, target, data, 0o644)
	})
	if err != nil {
		if rerr := hackpadfs.RemoveAll(fsys, to); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			return errors.Join(err, rerr)
		}
		return err
	}
	return hackpadfs.RemoveAll(fsys, from)
}
