package features

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/hack-pad/hackpadfs"
	"go.uber.org/zap"

	"active-tagger/internal/apperr"
	"active-tagger/internal/corpus"
	"active-tagger/internal/jobs"
)

const (
	availableExt = ".gob"
	pendingExt   = ".pending"
)

// Extractor computes a feature table for a corpus.
type Extractor interface {
	Extract(ctx context.Context, ids, texts []string) (*Table, error)
}

// ExtractorFunc adapts a function to Extractor
type ExtractorFunc func(ctx context.Context, ids, texts []string) (*Table, error)

func (f ExtractorFunc) Extract(ctx context.Context, ids, texts []string) (*Table, error) {
	return f(ctx, ids, texts)
}

type pendingFeature struct {
	handle   *jobs.Handle[*Table]
	artifact *jobs.Artifact[*Table]
}

// Status lists the features of a store by lifecycle state
type Status struct {
	Available []string          `json:"available"`
	Pending   []string          `json:"pending"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// ReconcileReport lists what one reconciliation pass absorbed
type ReconcileReport struct {
	Features    []string          `json:"features,omitempty"`
	Failed      map[string]string `json:"failed,omitempty"`
	Projections []string          `json:"projections,omitempty"`
}

// Empty reports whether the pass changed nothing
func (r ReconcileReport) Empty() bool {
	return len(r.Features) == 0 && len(r.Failed) == 0 && len(r.Projections) == 0
}

// Store is the feature table of one project.
//
// A feature name is absent, pending or available. Failed features are
// reported separately and count as absent.
type Store struct {
	mu     sync.Mutex
	fs     hackpadfs.FS
	dir    string
	pool   *jobs.Pool
	corpus *corpus.Corpus
	logger *zap.Logger

	available   map[string]*Table
	pending     map[string]*pendingFeature
	failed      map[string]string
	projections map[string]*Projection
}

// NewStore opens the feature store kept under dir on fsys, loading the
// available features and watching result artifacts left by a previous run.
func NewStore(fsys hackpadfs.FS, dir string, c *corpus.Corpus, pool *jobs.Pool, logger *zap.Logger) (*Store, error) {
	s := &Store{
		fs:          fsys,
		dir:         dir,
		pool:        pool,
		corpus:      c,
		logger:      logger,
		available:   make(map[string]*Table),
		pending:     make(map[string]*pendingFeature),
		failed:      make(map[string]string),
		projections: make(map[string]*Projection),
	}
	if err := hackpadfs.MkdirAll(fsys, dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create feature directory: %w", err)
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) recover() error {
	entries, err := hackpadfs.ReadDir(s.fs, s.dir)
	if err != nil {
		return fmt.Errorf("failed to list features: %w", err)
	}
	for _, entry := range entries {
		file := entry.Name()
		switch {
		case strings.HasSuffix(file, availableExt):
			name := strings.TrimSuffix(file, availableExt)
			data, err := hackpadfs.ReadFile(s.fs, path.Join(s.dir, file))
			if err != nil {
				return fmt.Errorf("failed to read feature %s: %w", name, err)
			}
			t, err := decodeTable(data)
			if err != nil {
				return fmt.Errorf("failed to decode feature %s: %w", name, err)
			}
			s.available[name] = t
		case strings.HasSuffix(file, pendingExt), strings.HasSuffix(file, jobs.FailPath(pendingExt)):
			name := strings.TrimSuffix(strings.TrimSuffix(file, jobs.FailPath("")), pendingExt)
			if _, ok := s.pending[name]; ok {
				continue
			}
			art := s.artifact(name)
			s.pending[name] = &pendingFeature{
				handle:   jobs.Watch[*Table]("", jobs.KindFeature, art),
				artifact: art,
			}
		}
	}
	// a result applied just before a crash may still have its artifact around
	for name, p := range s.pending {
		if _, ok := s.available[name]; ok {
			if err := p.artifact.Dispose(); err != nil {
				return err
			}
			delete(s.pending, name)
		}
	}
	if len(s.available)+len(s.pending) > 0 {
		s.logger.Info("Loaded features",
			zap.Int("available", len(s.available)),
			zap.Int("pending", len(s.pending)))
	}
	return nil
}

func (s *Store) artifact(name string) *jobs.Artifact[*Table] {
	return &jobs.Artifact[*Table]{
		FS:     s.fs,
		Path:   path.Join(s.dir, name+pendingExt),
		Decode: decodeTable,
	}
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return apperr.InvalidInput.New("invalid feature name %q", name)
	}
	return nil
}

// checkFree must be called with s.mu held
func (s *Store) checkFree(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if _, ok := s.pending[name]; ok {
		return apperr.Newf(&apperr.Conflict, apperr.ErrAlreadyPending, "feature %q", name)
	}
	if _, ok := s.available[name]; ok {
		return apperr.Newf(&apperr.Conflict, apperr.ErrAlreadyExists, "feature %q", name)
	}
	return nil
}

// Request starts computing feature name with extractor. The corpus is not
// blocked while it runs.
func (s *Store) Request(name string, extractor Extractor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFree(name); err != nil {
		return err
	}
	delete(s.failed, name)

	ids, texts := s.corpus.IDs(), s.corpus.Texts()
	art := s.artifact(name)
	// a leftover from an earlier failure must not be mistaken for this result
	if err := art.Dispose(); err != nil {
		return err
	}
	handle := jobs.SubmitArtifact(s.pool, name, jobs.KindFeature, art, func(ctx context.Context) ([]byte, error) {
		t, err := extractor.Extract(ctx, ids, texts)
		if err != nil {
			return nil, err
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		return encodeTable(t)
	})
	s.pending[name] = &pendingFeature{handle: handle, artifact: art}

	s.logger.Info("Feature requested", zap.String("feature", name), zap.String("job_id", handle.ID))
	return nil
}

// Add inserts a table computed synchronously
func (s *Store) Add(name string, t *Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFree(name); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return apperr.InvalidInput.Wrap(err)
	}
	if err := s.persist(name, t); err != nil {
		return err
	}
	delete(s.failed, name)
	s.available[name] = t
	return nil
}

// AddRegex computes a regex indicator feature and makes it available at once
func (s *Store) AddRegex(name, pattern string) error {
	extractor, err := NewRegexExtractor(pattern)
	if err != nil {
		return err
	}
	t, err := extractor.Extract(context.Background(), s.corpus.IDs(), s.corpus.Texts())
	if err != nil {
		return err
	}
	return s.Add(name, t)
}

func (s *Store) persist(name string, t *Table) error {
	data, err := encodeTable(t)
	if err != nil {
		return err
	}
	return jobs.WriteArtifact(s.fs, path.Join(s.dir, name+availableExt), data)
}

// Reconcile absorbs every finished feature and projection job. It is
// idempotent and never waits on a running job.
func (s *Store) Reconcile() ReconcileReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report ReconcileReport
	for name, p := range s.pending {
		if !p.handle.Done() {
			continue
		}
		t, err := p.handle.Take()
		if err == nil {
			err = s.persist(name, t)
		}
		if err != nil {
			s.failed[name] = err.Error()
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[name] = err.Error()
			s.logger.Warn("Feature computation failed", zap.String("feature", name), zap.Error(err))
		} else {
			s.available[name] = t
			report.Features = append(report.Features, name)
			s.logger.Info("Feature available",
				zap.String("feature", name),
				zap.Int("columns", len(t.Columns)))
		}
		delete(s.pending, name)
		if err := p.artifact.Dispose(); err != nil {
			s.logger.Warn("Failed to dispose feature artifact", zap.String("feature", name), zap.Error(err))
		}
	}

	for user, p := range s.projections {
		if p.handle == nil || !p.handle.Done() {
			continue
		}
		t, err := p.handle.Take()
		if err != nil {
			p.Err = err.Error()
			s.logger.Warn("Projection failed", zap.String("user", user), zap.Error(err))
		} else {
			p.Result = t
		}
		p.handle = nil
		report.Projections = append(report.Projections, user)
	}
	sort.Strings(report.Features)
	sort.Strings(report.Projections)
	return report
}

// Get returns the available features among names concatenated column-wise
// and aligned to the corpus. Pending names are skipped.
func (s *Store) Get(names []string) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(names)
}

func (s *Store) get(names []string) (*Table, error) {
	if len(names) == 0 {
		return nil, apperr.Newf(&apperr.InvalidInput, apperr.ErrNoFeature, "empty feature set")
	}
	var (
		found  []string
		tables []*Table
	)
	for _, name := range names {
		if t, ok := s.available[name]; ok {
			found = append(found, name)
			tables = append(tables, t)
			continue
		}
		if _, ok := s.pending[name]; ok {
			continue
		}
		return nil, apperr.Newf(&apperr.NotFound, apperr.ErrUnknownFeature, "feature %q", name)
	}
	return Concat(s.corpus.IDs(), found, tables), nil
}

// Require is Get restricted to available features: any name that is not
// available fails with NoFeature.
func (s *Store) Require(names []string) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range names {
		if _, ok := s.available[name]; !ok {
			return nil, apperr.Newf(&apperr.InvalidInput, apperr.ErrNoFeature, "feature %q is not available", name)
		}
	}
	return s.get(names)
}

// Delete removes an available or failed feature and its cache
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[name]; ok {
		return apperr.Newf(&apperr.Conflict, apperr.ErrStillPending, "feature %q", name)
	}
	if _, ok := s.failed[name]; ok {
		delete(s.failed, name)
		return nil
	}
	if _, ok := s.available[name]; !ok {
		return apperr.Newf(&apperr.NotFound, apperr.ErrUnknownFeature, "feature %q", name)
	}
	err := hackpadfs.Remove(s.fs, path.Join(s.dir, name+availableExt))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove feature %s: %w", name, err)
	}
	delete(s.available, name)
	s.logger.Info("Feature deleted", zap.String("feature", name))
	return nil
}

// Close cancels the pending features and the projections still computing
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.pending {
		p.handle.Cancel()
	}
	for _, p := range s.projections {
		if p.handle != nil {
			p.handle.Cancel()
		}
	}
}

// IsAvailable reports whether name can be read
func (s *Store) IsAvailable(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.available[name]
	return ok
}

func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Available: []string{}, Pending: []string{}}
	for name := range s.available {
		st.Available = append(st.Available, name)
	}
	for name := range s.pending {
		st.Pending = append(st.Pending, name)
	}
	if len(s.failed) > 0 {
		st.Failed = make(map[string]string, len(s.failed))
		for name, reason := range s.failed {
			st.Failed[name] = reason
		}
	}
	sort.Strings(st.Available)
	sort.Strings(st.Pending)
	return st
}
