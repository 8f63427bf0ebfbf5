// Package project ties the stores and model managers of one corpus
// together and keeps the registry of loaded projects.
package project

import (
	"path"
	"sort"
	"sync"

	"github.com/hack-pad/hackpadfs"
	"go.uber.org/zap"

	"active-tagger/internal/apperr"
	"active-tagger/internal/bertmodel"
	"active-tagger/internal/corpus"
	"active-tagger/internal/features"
	"active-tagger/internal/jobs"
	"active-tagger/internal/models"
	"active-tagger/internal/schemes"
	"active-tagger/internal/selection"
	"active-tagger/internal/simplemodel"
)

// Options are shared by every project of a server
type Options struct {
	Seed int64
	// Extractors are the background features a user may request, by name
	Extractors        map[string]features.Extractor
	BertTrainer       bertmodel.Trainer
	BertBaseModels    []string
	BertDefaults      bertmodel.Params
	SimpleDefaultKind string
	ProjectionMethod  string
}

// Project is one loaded corpus with its schemes, features and models.
//
// Requests on one project are serialised with Lock/Unlock; the stores also
// guard themselves so background reads stay safe.
type Project struct {
	mu sync.Mutex

	Name string
	fs   hackpadfs.FS
	dir  string
	opts Options

	corpus    *corpus.Corpus
	schemes   *schemes.Store
	features  *features.Store
	simple    *simplemodel.Manager
	bert      *bertmodel.Manager
	selection *selection.Engine
	logger    *zap.Logger
}

// open loads the project stored under dir. The scheme store is restored from
// saved and log and then journals through journal.
func open(fsys hackpadfs.FS, dir, name string, pool *jobs.Pool, journal schemes.Journal,
	saved []schemes.Scheme, log []models.Annotation, opts Options, logger *zap.Logger) (*Project, error) {

	logger = logger.With(zap.String("project", name))

	c, err := corpus.Load(fsys, dir)
	if err != nil {
		return nil, err
	}
	sstore := schemes.NewStore(c, logger, schemes.WithJournal(journal))
	sstore.Restore(saved, log)

	fstore, err := features.NewStore(fsys, path.Join(dir, "features"), c, pool, logger)
	if err != nil {
		return nil, err
	}
	simple, err := simplemodel.NewManager(fsys, path.Join(dir, "simplemodels"), c, fstore, sstore, pool, logger)
	if err != nil {
		return nil, err
	}
	bert, err := bertmodel.NewManager(fsys, path.Join(dir, "bert"), opts.BertTrainer, pool, opts.Seed, logger)
	if err != nil {
		return nil, err
	}

	p := &Project{
		Name:      name,
		fs:        fsys,
		dir:       dir,
		opts:      opts,
		corpus:    c,
		schemes:   sstore,
		features:  fstore,
		simple:    simple,
		bert:      bert,
		selection: selection.NewEngine(c, sstore, simple, fstore, opts.Seed, logger),
		logger:    logger,
	}
	logger.Info("Project loaded",
		zap.Int("elements", c.Len()),
		zap.Int("schemes", len(saved)),
		zap.Int("annotations", len(log)))
	return p, nil
}

func (p *Project) Lock()   { p.mu.Lock() }
func (p *Project) Unlock() { p.mu.Unlock() }

func (p *Project) Filesystem() hackpadfs.FS           { return p.fs }
func (p *Project) Corpus() *corpus.Corpus             { return p.corpus }
func (p *Project) Schemes() *schemes.Store            { return p.schemes }
func (p *Project) Features() *features.Store          { return p.features }
func (p *Project) SimpleModels() *simplemodel.Manager { return p.simple }
func (p *Project) BertModels() *bertmodel.Manager     { return p.bert }

// Report lists what one reconciliation pass absorbed across the project
type Report struct {
	Features features.ReconcileReport `json:"features"`
	Simple   simplemodel.Report       `json:"simple"`
	Bert     bertmodel.Report         `json:"bert"`
}

// Empty reports whether nothing completed
func (r Report) Empty() bool {
	return r.Features.Empty() &&
		len(r.Simple.Trained) == 0 && len(r.Simple.Failed) == 0 &&
		len(r.Bert.Trained) == 0 && len(r.Bert.Predicted) == 0 && len(r.Bert.Failed) == 0
}

// Reconcile absorbs every finished background job. It never waits for a
// running job and applying an already absorbed result is a no-op.
func (p *Project) Reconcile() Report {
	r := Report{
		Features: p.features.Reconcile(),
		Simple:   p.simple.Reconcile(),
		Bert:     p.bert.Reconcile(),
	}
	if !r.Empty() {
		p.logger.Info("Reconciled background jobs",
			zap.Strings("features", r.Features.Features),
			zap.Int("simple_models", len(r.Simple.Trained)),
			zap.Strings("bert_trained", r.Bert.Trained),
			zap.Strings("bert_predicted", r.Bert.Predicted))
	}
	return r
}

// Next selects the next element to annotate
func (p *Project) Next(req selection.Request) (*selection.Result, error) {
	return p.selection.Next(req)
}

// RequestFeature starts computing the configured feature name
func (p *Project) RequestFeature(name string) error {
	ex, ok := p.opts.Extractors[name]
	if !ok {
		return apperr.InvalidInput.New("no extractor configured for feature %q", name)
	}
	return p.features.Request(name, ex)
}

// FeatureKinds lists the features that can be requested
func (p *Project) FeatureKinds() []string {
	out := make([]string, 0, len(p.opts.Extractors))
	for name := range p.opts.Extractors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RequestProjection projects features for user, with the default method
// when method is empty
func (p *Project) RequestProjection(user, method string, params map[string]float64, names []string) error {
	if method == "" {
		method = p.opts.ProjectionMethod
	}
	return p.features.RequestProjection(user, method, params, names)
}

// TrainSimple trains the simple model of (user, scheme), with the default
// kind when kind is empty
func (p *Project) TrainSimple(user, scheme string, names []string, kind string, params map[string]float64) error {
	if kind == "" {
		kind = p.opts.SimpleDefaultKind
	}
	return p.simple.Train(user, scheme, names, kind, params)
}

// BertRequest starts the training of a transformer model
type BertRequest struct {
	Name         string            `json:"name" binding:"required"`
	Scheme       string            `json:"scheme" binding:"required"`
	BaseModel    string            `json:"base_model"`
	Params       *bertmodel.Params `json:"params"`
	TestFraction float64           `json:"test_fraction"`
}

// TrainBert trains a transformer on the labelled train elements of the
// scheme
func (p *Project) TrainBert(user string, req BertRequest) error {
	if p.opts.BertTrainer == nil {
		return apperr.Unavailable.New("no transformer trainer configured")
	}
	base := req.BaseModel
	if base == "" && len(p.opts.BertBaseModels) > 0 {
		base = p.opts.BertBaseModels[0]
	}
	if !contains(p.opts.BertBaseModels, base) {
		return apperr.InvalidInput.New("unknown base model %q", base)
	}
	params := p.opts.BertDefaults
	if req.Params != nil {
		params = *req.Params
	}

	labels, err := p.schemes.Labels(req.Scheme)
	if err != nil {
		return err
	}
	labeled, err := p.schemes.Labeled(req.Scheme)
	if err != nil {
		return err
	}
	var rows []bertmodel.Row
	for _, id := range p.corpus.Partition(false) {
		label, ok := labeled[id]
		if !ok || !contains(labels, label) {
			continue
		}
		el, _ := p.corpus.Get(id)
		rows = append(rows, bertmodel.Row{ID: id, Text: el.Text, Label: label})
	}

	return p.bert.StartTraining(bertmodel.TrainRequest{
		Name:         req.Name,
		User:         user,
		Scheme:       req.Scheme,
		Labels:       labels,
		BaseModel:    base,
		Params:       params,
		TestFraction: req.TestFraction,
		Rows:         rows,
	})
}

// PredictBert labels every element of the corpus with model name
func (p *Project) PredictBert(name, user string) error {
	if p.opts.BertTrainer == nil {
		return apperr.Unavailable.New("no transformer trainer configured")
	}
	rows := make([]bertmodel.Row, p.corpus.Len())
	for i := range rows {
		el := p.corpus.At(i)
		rows[i] = bertmodel.Row{ID: el.ID, Text: el.Text}
	}
	return p.bert.StartPredicting(name, user, rows)
}

// DeleteScheme removes the scheme, its annotations and its simple models
func (p *Project) DeleteScheme(name string) error {
	if err := p.schemes.DeleteScheme(name); err != nil {
		return err
	}
	p.simple.DropScheme(name)
	return nil
}

// RenameScheme renames a scheme and moves the models trained on it
func (p *Project) RenameScheme(from, to string) error {
	if err := p.schemes.RenameScheme(from, to); err != nil {
		return err
	}
	if err := p.simple.RenameScheme(from, to); err != nil {
		return err
	}
	return p.bert.RenameScheme(from, to)
}

// ElementView is an element with its annotations in one scheme
type ElementView struct {
	corpus.Element
	Annotations map[string]models.Annotation `json:"annotations"`
	History     []models.Annotation          `json:"history"`
	Prediction  *models.Prediction           `json:"prediction,omitempty"`
}

// Element returns element id with the current annotations of every user in
// scheme and user's simple-model prediction
func (p *Project) Element(id, scheme, user string) (*ElementView, error) {
	el, err := p.corpus.Get(id)
	if err != nil {
		return nil, err
	}
	current, err := p.schemes.Current(scheme, id)
	if err != nil {
		return nil, err
	}
	history, err := p.schemes.History(scheme, id)
	if err != nil {
		return nil, err
	}
	view := &ElementView{Element: el, Annotations: current, History: history}
	if pred, ok := p.simple.Prediction(user, scheme, id); ok {
		view.Prediction = &pred
	}
	return view, nil
}

// SuggestionInput returns the text of element and the labels of scheme
func (p *Project) SuggestionInput(element, scheme string) (string, []string, error) {
	el, err := p.corpus.Get(element)
	if err != nil {
		return "", nil, err
	}
	labels, err := p.schemes.Labels(scheme)
	if err != nil {
		return "", nil, err
	}
	return el.Text, labels, nil
}

// close cancels every background job of the project
func (p *Project) close() {
	p.features.Close()
	p.simple.Close()
	p.bert.Close()
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
