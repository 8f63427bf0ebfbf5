// Package schemes keeps the annotation schemes of a project: their labels,
// the current annotation of every (element, scheme, user) triple and the
// append-only log of every change.
package schemes

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"active-tagger/internal/apperr"
	"active-tagger/internal/corpus"
	"active-tagger/internal/models"
)

// Scheme is a named label set
type Scheme struct {
	Name   string   `json:"name" db:"name"`
	Labels []string `json:"labels"`
}

// Journal persists scheme changes and the annotation log. It is written
// before memory is updated.
type Journal interface {
	SaveScheme(s Scheme) error
	DeleteScheme(name string) error
	RenameScheme(from, to string) error
	Append(a models.Annotation) error
}

type nopJournal struct{}

func (nopJournal) SaveScheme(Scheme) error { return nil }

func (nopJournal) DeleteScheme(string) error { return nil }

func (nopJournal) RenameScheme(string, string) error { return nil }

func (nopJournal) Append(models.Annotation) error { return nil }

// Store holds every scheme of a project
type Store struct {
	mu      sync.RWMutex
	corpus  *corpus.Corpus
	journal Journal
	logger  *zap.Logger
	now     func() time.Time
	last    time.Time

	schemes map[string]*Scheme
	order   []string
	// scheme -> element -> user -> current annotation
	current map[string]map[string]map[string]models.Annotation
	history map[string][]models.Annotation
}

// Option configures a Store
type Option func(*Store)

// WithJournal persists every change through j
func WithJournal(j Journal) Option {
	return func(s *Store) { s.journal = j }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(c *corpus.Corpus, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		corpus:  c,
		journal: nopJournal{},
		logger:  logger,
		now:     time.Now,
		schemes: make(map[string]*Scheme),
		current: make(map[string]map[string]map[string]models.Annotation),
		history: make(map[string][]models.Annotation),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// tick returns a strictly increasing timestamp so that log order and time
// order agree.
func (s *Store) tick() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

func cleanLabels(labels []string) ([]string, error) {
	out := make([]string, 0, len(labels))
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		if l == "" {
			return nil, apperr.Newf(&apperr.InvalidInput, apperr.ErrInvalidLabel, "empty label")
		}
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out, nil
}

func (s *Store) scheme(name string) (*Scheme, error) {
	sc, ok := s.schemes[name]
	if !ok {
		return nil, apperr.Newf(&apperr.NotFound, apperr.ErrUnknownScheme, "scheme %q", name)
	}
	return sc, nil
}

func (s *Store) hasLabel(sc *Scheme, label string) bool {
	for _, l := range sc.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Restore rebuilds the store from persisted schemes and the annotation log
// in log order. The journal is not written.
func (s *Store) Restore(schemes []Scheme, log []models.Annotation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sc := range schemes {
		sc := sc
		s.schemes[sc.Name] = &sc
		s.order = append(s.order, sc.Name)
		s.current[sc.Name] = make(map[string]map[string]models.Annotation)
	}
	for _, a := range log {
		if _, ok := s.schemes[a.Scheme]; !ok {
			continue
		}
		s.apply(a)
		if a.Time.After(s.last) {
			s.last = a.Time
		}
	}
	s.logger.Debug("Restored schemes",
		zap.Int("schemes", len(schemes)),
		zap.Int("annotations", len(log)))
}

func (s *Store) apply(a models.Annotation) {
	byElement := s.current[a.Scheme]
	if byElement[a.ElementID] == nil {
		byElement[a.ElementID] = make(map[string]models.Annotation)
	}
	if a.Action == models.ActionDelete {
		delete(byElement[a.ElementID], a.User)
		if len(byElement[a.ElementID]) == 0 {
			delete(byElement, a.ElementID)
		}
	} else {
		byElement[a.ElementID][a.User] = a
	}
	s.history[a.Scheme] = append(s.history[a.Scheme], a)
}

// Schemes returns every scheme in creation order
func (s *Store) Schemes() []Scheme {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Scheme, 0, len(s.order))
	for _, name := range s.order {
		sc := s.schemes[name]
		out = append(out, Scheme{Name: sc.Name, Labels: append([]string(nil), sc.Labels...)})
	}
	return out
}

// Labels returns the label list of scheme
func (s *Store) Labels(scheme string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, err := s.scheme(scheme)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), sc.Labels...), nil
}

func (s *Store) HasScheme(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.schemes[name]
	return ok
}

func (s *Store) AddScheme(name string, labels []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return apperr.InvalidInput.New("scheme name is empty")
	}
	if _, ok := s.schemes[name]; ok {
		return apperr.Newf(&apperr.Conflict, apperr.ErrAlreadyExists, "scheme %q", name)
	}
	labels, err := cleanLabels(labels)
	if err != nil {
		return err
	}
	sc := Scheme{Name: name, Labels: labels}
	if err := s.journal.SaveScheme(sc); err != nil {
		return err
	}
	s.schemes[name] = &sc
	s.order = append(s.order, name)
	s.current[name] = make(map[string]map[string]models.Annotation)

	s.logger.Info("Scheme added", zap.String("scheme", name), zap.Strings("labels", labels))
	return nil
}

// DeleteScheme removes a scheme and every annotation recorded under it.
// Deleting an unknown scheme succeeds.
func (s *Store) DeleteScheme(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schemes[name]; !ok {
		return nil
	}
	if err := s.journal.DeleteScheme(name); err != nil {
		return err
	}
	delete(s.schemes, name)
	delete(s.current, name)
	delete(s.history, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.logger.Info("Scheme deleted", zap.String("scheme", name))
	return nil
}

// UpdateScheme replaces the label set. Annotations whose label left the set
// are kept as orphans.
func (s *Store) UpdateScheme(name string, labels []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, err := s.scheme(name)
	if err != nil {
		return err
	}
	labels, err = cleanLabels(labels)
	if err != nil {
		return err
	}
	if err := s.journal.SaveScheme(Scheme{Name: name, Labels: labels}); err != nil {
		return err
	}
	sc.Labels = labels
	return nil
}

// RenameScheme moves a scheme and its annotations to a new name
func (s *Store) RenameScheme(from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, err := s.scheme(from)
	if err != nil {
		return err
	}
	if to == "" {
		return apperr.InvalidInput.New("scheme name is empty")
	}
	if _, ok := s.schemes[to]; ok {
		return apperr.Newf(&apperr.Conflict, apperr.ErrAlreadyExists, "scheme %q", to)
	}
	if err := s.journal.RenameScheme(from, to); err != nil {
		return err
	}

	sc.Name = to
	s.schemes[to] = sc
	delete(s.schemes, from)
	for i, n := range s.order {
		if n == from {
			s.order[i] = to
		}
	}
	current := s.current[from]
	for _, byUser := range current {
		for user, a := range byUser {
			a.Scheme = to
			byUser[user] = a
		}
	}
	s.current[to] = current
	delete(s.current, from)
	log := s.history[from]
	for i := range log {
		log[i].Scheme = to
	}
	s.history[to] = log
	delete(s.history, from)
	return nil
}

// AddLabel appends label to the scheme
func (s *Store) AddLabel(scheme, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, err := s.scheme(scheme)
	if err != nil {
		return err
	}
	if label == "" {
		return apperr.Newf(&apperr.InvalidInput, apperr.ErrInvalidLabel, "empty label")
	}
	if s.hasLabel(sc, label) {
		return apperr.Newf(&apperr.Conflict, apperr.ErrAlreadyExists, "label %q in scheme %q", label, scheme)
	}
	labels := append(append([]string(nil), sc.Labels...), label)
	if err := s.journal.SaveScheme(Scheme{Name: scheme, Labels: labels}); err != nil {
		return err
	}
	sc.Labels = labels
	return nil
}

// DeleteLabel removes label from the scheme. Existing annotations keep it.
func (s *Store) DeleteLabel(scheme, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, err := s.scheme(scheme)
	if err != nil {
		return err
	}
	if !s.hasLabel(sc, label) {
		return apperr.Newf(&apperr.NotFound, apperr.ErrUnknownLabel, "label %q in scheme %q", label, scheme)
	}
	labels := make([]string, 0, len(sc.Labels)-1)
	for _, l := range sc.Labels {
		if l != label {
			labels = append(labels, l)
		}
	}
	if err := s.journal.SaveScheme(Scheme{Name: scheme, Labels: labels}); err != nil {
		return err
	}
	sc.Labels = labels
	return nil
}

// RenameLabel renames a label and re-tags every current annotation holding
// it. Each re-tag is logged under the annotation's own user.
func (s *Store) RenameLabel(scheme, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, err := s.scheme(scheme)
	if err != nil {
		return err
	}
	if !s.hasLabel(sc, from) {
		return apperr.Newf(&apperr.NotFound, apperr.ErrUnknownLabel, "label %q in scheme %q", from, scheme)
	}
	if to == "" {
		return apperr.Newf(&apperr.InvalidInput, apperr.ErrInvalidLabel, "empty label")
	}
	if s.hasLabel(sc, to) {
		return apperr.Newf(&apperr.Conflict, apperr.ErrAlreadyExists, "label %q in scheme %q", to, scheme)
	}
	labels := make([]string, len(sc.Labels))
	for i, l := range sc.Labels {
		if l == from {
			l = to
		}
		labels[i] = l
	}
	if err := s.journal.SaveScheme(Scheme{Name: scheme, Labels: labels}); err != nil {
		return err
	}
	sc.Labels = labels

	var retag []models.Annotation
	for _, byUser := range s.current[scheme] {
		for _, a := range byUser {
			if a.Label == from {
				retag = append(retag, a)
			}
		}
	}
	sort.Slice(retag, func(i, j int) bool { return retag[i].Time.Before(retag[j].Time) })
	for _, a := range retag {
		if _, err := s.write(a.ElementID, to, scheme, a.User, a.Selection); err != nil {
			return err
		}
	}
	s.logger.Info("Label renamed",
		zap.String("scheme", scheme),
		zap.String("from", from),
		zap.String("to", to),
		zap.Int("retagged", len(retag)))
	return nil
}

// PushTag sets the current label of (element, scheme, user)
func (s *Store) PushTag(element, label, scheme, user string, selection models.SelectionMode) (models.Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushTag(element, label, scheme, user, selection)
}

func (s *Store) pushTag(element, label, scheme, user string, selection models.SelectionMode) (models.Annotation, error) {
	sc, err := s.scheme(scheme)
	if err != nil {
		return models.Annotation{}, err
	}
	if !s.corpus.Has(element) {
		return models.Annotation{}, apperr.Newf(&apperr.NotFound, apperr.ErrUnknownElement, "element %q", element)
	}
	if !s.hasLabel(sc, label) {
		return models.Annotation{}, apperr.Newf(&apperr.InvalidInput, apperr.ErrInvalidLabel,
			"label %q is not in scheme %q", label, scheme)
	}
	return s.write(element, label, scheme, user, selection)
}

func (s *Store) write(element, label, scheme, user string, selection models.SelectionMode) (models.Annotation, error) {
	action := models.ActionAdd
	if _, ok := s.current[scheme][element][user]; ok {
		action = models.ActionUpdate
	}
	a := models.Annotation{
		ElementID: element,
		Scheme:    scheme,
		User:      user,
		Label:     label,
		Action:    action,
		Selection: selection,
		Time:      s.tick(),
	}
	if err := s.journal.Append(a); err != nil {
		return models.Annotation{}, err
	}
	s.apply(a)
	return a, nil
}

// DeleteTag clears the current label of (element, scheme, user). The log
// keeps the previous label.
func (s *Store) DeleteTag(element, scheme, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteTag(element, scheme, user)
}

func (s *Store) deleteTag(element, scheme, user string) error {
	if _, err := s.scheme(scheme); err != nil {
		return err
	}
	if !s.corpus.Has(element) {
		return apperr.Newf(&apperr.NotFound, apperr.ErrUnknownElement, "element %q", element)
	}
	if _, ok := s.current[scheme][element][user]; !ok {
		return nil
	}
	a := models.Annotation{
		ElementID: element,
		Scheme:    scheme,
		User:      user,
		Action:    models.ActionDelete,
		Time:      s.tick(),
	}
	if err := s.journal.Append(a); err != nil {
		return err
	}
	s.apply(a)
	return nil
}

// PushTable applies a batch of edits for user. Each row follows the rules
// of PushTag; an empty label clears the tag. Invalid rows are skipped and
// reported, valid rows commit.
func (s *Store) PushTable(edits []models.TableEdit, user string) models.BulkResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result models.BulkResult
	for i, e := range edits {
		var err error
		if e.Label == "" {
			err = s.deleteTag(e.ElementID, e.Scheme, user)
		} else {
			_, err = s.pushTag(e.ElementID, e.Label, e.Scheme, user, "")
		}
		if err != nil {
			result.Failures = append(result.Failures, models.RowFailure{
				Index:     i,
				ElementID: e.ElementID,
				Reason:    err.Error(),
			})
			continue
		}
		result.Applied++
	}
	if len(result.Failures) > 0 {
		s.logger.Warn("Bulk push skipped rows",
			zap.String("user", user),
			zap.Int("applied", result.Applied),
			zap.Int("failed", len(result.Failures)))
	}
	return result
}
