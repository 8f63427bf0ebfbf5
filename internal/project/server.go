package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hack-pad/hackpadfs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"active-tagger/internal/apperr"
	"active-tagger/internal/corpus"
	"active-tagger/internal/jobs"
	"active-tagger/internal/llm"
	"active-tagger/internal/models"
	"active-tagger/internal/repository"
	"active-tagger/internal/schemes"
)

// DefaultScheme receives the labels imported with a corpus
const DefaultScheme = "default"

// Suggester proposes a label for a text
type Suggester interface {
	Suggest(ctx context.Context, text string, labels []string) (*llm.Suggestion, error)
}

// Store is the persistence the server needs besides the data filesystem
type Store interface {
	repository.ProjectRepository
	LoadSchemes(project string) ([]schemes.Scheme, []models.Annotation, error)
	Journal(project string) *repository.Journal
	SaveGeneration(project string, g models.Generation) error
	GetGenerations(project string, limit int) ([]models.Generation, error)
}

// Repositories joins the project and annotation repositories into a Store
type Repositories struct {
	repository.ProjectRepository
	*repository.AnnotationRepository
}

// Server is the registry of projects. Projects are loaded on first use and
// stay loaded until deleted.
type Server struct {
	mu        sync.Mutex
	fs        hackpadfs.FS
	pool      *jobs.Pool
	store     Store
	suggester Suggester
	opts      Options
	logger    *zap.Logger

	loaded map[string]*Project
}

// NewServer creates a registry over fsys, where each project lives in a
// directory named after it. suggester may be nil.
func NewServer(fsys hackpadfs.FS, pool *jobs.Pool, store Store, suggester Suggester, opts Options, logger *zap.Logger) *Server {
	return &Server{
		fs:        fsys,
		pool:      pool,
		store:     store,
		suggester: suggester,
		opts:      opts,
		logger:    logger,
		loaded:    make(map[string]*Project),
	}
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return apperr.InvalidInput.New("invalid project name %q", name)
	}
	return nil
}

// Project returns the loaded project name, loading it if needed. Loading
// runs without the registry lock; when two callers race, the first insert
// wins and the other copy is closed.
func (s *Server) Project(name string) (*Project, error) {
	s.mu.Lock()
	p, ok := s.loaded[name]
	s.mu.Unlock()
	if ok {
		return p, nil
	}

	if _, err := s.store.GetProject(name); err != nil {
		return nil, err
	}
	p, err := s.load(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.loaded[name]; ok {
		p.close()
		return existing, nil
	}
	// deleted while loading
	if _, err := s.store.GetProject(name); err != nil {
		p.close()
		return nil, err
	}
	s.loaded[name] = p
	return p, nil
}

func (s *Server) load(name string) (*Project, error) {
	saved, log, err := s.store.LoadSchemes(name)
	if err != nil {
		return nil, err
	}
	p, err := open(s.fs, name, name, s.pool, s.store.Journal(name), saved, log, s.opts, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load project %s: %w", name, err)
	}
	return p, nil
}

// CreateParams describes a new project
type CreateParams struct {
	Name string `json:"project_name" form:"project_name" binding:"required"`
	User string `json:"user" form:"user"`
	corpus.IngestOptions
}

// CreateProject ingests the CSV data and registers the project. Labels of
// the label column are imported by the creating user into DefaultScheme.
func (s *Server) CreateProject(params CreateParams, data io.Reader) (*Project, error) {
	if err := validName(params.Name); err != nil {
		return nil, err
	}
	if params.Seed == 0 {
		params.Seed = s.opts.Seed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.GetProject(params.Name); err == nil {
		return nil, apperr.Newf(&apperr.Conflict, apperr.ErrAlreadyExists, "project %q", params.Name)
	} else if !apperr.NotFound.Has(err) {
		return nil, err
	}

	ingested, err := corpus.ReadCSV(data, params.IngestOptions)
	if err != nil {
		return nil, err
	}
	if err := hackpadfs.MkdirAll(s.fs, params.Name, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create project directory: %w", err)
	}
	if err := ingested.Corpus.Save(s.fs, params.Name); err != nil {
		s.removeFiles(params.Name)
		return nil, err
	}

	encoded, err := json.Marshal(params)
	if err != nil {
		s.removeFiles(params.Name)
		return nil, fmt.Errorf("failed to encode project params: %w", err)
	}
	record := &repository.Project{
		Name:      params.Name,
		CreatedBy: params.User,
		Params:    string(encoded),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateProject(record); err != nil {
		s.removeFiles(params.Name)
		return nil, err
	}

	p, err := s.load(params.Name)
	if err == nil {
		err = importLabels(p, ingested.Labels, params.User)
	}
	if err != nil {
		if derr := s.store.DeleteProject(params.Name); derr != nil {
			s.logger.Error("Failed to roll back project", zap.String("project", params.Name), zap.Error(derr))
		}
		s.removeFiles(params.Name)
		return nil, err
	}
	s.loaded[params.Name] = p

	s.logger.Info("Project created",
		zap.String("project", params.Name),
		zap.String("user", params.User),
		zap.Int("elements", ingested.Corpus.Len()),
		zap.Int("imported_labels", len(ingested.Labels)))
	return p, nil
}

func importLabels(p *Project, labels map[string]string, user string) error {
	if len(labels) == 0 {
		return nil
	}
	set := make(map[string]bool)
	for _, l := range labels {
		set[l] = true
	}
	names := make([]string, 0, len(set))
	for l := range set {
		names = append(names, l)
	}
	sort.Strings(names)
	if err := p.schemes.AddScheme(DefaultScheme, names); err != nil {
		return err
	}

	edits := make([]models.TableEdit, 0, len(labels))
	for _, id := range p.corpus.IDs() {
		if l, ok := labels[id]; ok {
			edits = append(edits, models.TableEdit{ElementID: id, Label: l, Scheme: DefaultScheme})
		}
	}
	res := p.schemes.PushTable(edits, user)
	if len(res.Failures) > 0 {
		return fmt.Errorf("failed to import %d labels: %s", len(res.Failures), res.Failures[0].Reason)
	}
	return nil
}

func (s *Server) removeFiles(name string) {
	if err := hackpadfs.RemoveAll(s.fs, name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error("Failed to remove project files", zap.String("project", name), zap.Error(err))
	}
}

// DeleteProject evicts the project, cancels its background jobs and removes
// its files and rows
func (s *Server) DeleteProject(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteProject(name); err != nil {
		return err
	}
	if p, ok := s.loaded[name]; ok {
		p.Lock()
		p.close()
		p.Unlock()
		delete(s.loaded, name)
	}
	if err := hackpadfs.RemoveAll(s.fs, name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove project %s: %w", name, err)
	}
	s.logger.Info("Project deleted", zap.String("project", name))
	return nil
}

// Projects lists the registered projects
func (s *Server) Projects() ([]*repository.Project, error) {
	return s.store.GetAllProjects()
}

// ProjectInfo returns the registry row of name
func (s *Server) ProjectInfo(name string) (*repository.Project, error) {
	return s.store.GetProject(name)
}

// Generations lists the recorded suggestions of project name, newest first
func (s *Server) Generations(name string, limit int) ([]models.Generation, error) {
	if _, err := s.store.GetProject(name); err != nil {
		return nil, err
	}
	return s.store.GetGenerations(name, limit)
}

// Loaded lists the names of the loaded projects
func (s *Server) Loaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.loaded))
	for name := range s.loaded {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ReconcileAll reconciles every loaded project concurrently
func (s *Server) ReconcileAll(ctx context.Context) (map[string]Report, error) {
	s.mu.Lock()
	projects := make([]*Project, 0, len(s.loaded))
	for _, p := range s.loaded {
		projects = append(projects, p)
	}
	s.mu.Unlock()

	var mu sync.Mutex
	reports := make(map[string]Report, len(projects))
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range projects {
		p := p
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.Lock()
			r := p.Reconcile()
			p.Unlock()
			mu.Lock()
			reports[p.Name] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// Suggest asks the configured LLM providers for a label of element in
// scheme. The project is only locked while its data is read. The suggestion
// is recorded but never applied.
func (s *Server) Suggest(ctx context.Context, name, element, scheme, user string) (*models.Generation, error) {
	if s.suggester == nil {
		return nil, apperr.Unavailable.New("no LLM provider configured")
	}
	p, err := s.Project(name)
	if err != nil {
		return nil, err
	}
	p.Lock()
	text, labels, err := p.SuggestionInput(element, scheme)
	p.Unlock()
	if err != nil {
		return nil, err
	}

	sug, err := s.suggester.Suggest(ctx, text, labels)
	if err != nil {
		return nil, err
	}
	g := models.Generation{
		ElementID:     element,
		Scheme:        scheme,
		User:          user,
		Label:         sug.Label,
		Justification: sug.Justification,
		Provider:      sug.Provider,
		Model:         sug.Model,
		Time:          time.Now().UTC(),
	}
	if err := s.store.SaveGeneration(name, g); err != nil {
		return nil, err
	}
	s.logger.Info("Label suggested",
		zap.String("project", name),
		zap.String("element_id", element),
		zap.String("scheme", scheme),
		zap.String("label", sug.Label),
		zap.String("provider", sug.Provider))
	return &g, nil
}

// Close stops the transformer jobs of every loaded project
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.loaded {
		p.close()
	}
}
