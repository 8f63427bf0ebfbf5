package schemes

import (
	"sort"

	"active-tagger/internal/apperr"
	"active-tagger/internal/models"
)

// Effective returns, for every tagged element of scheme, the most recent
// current annotation across users.
func (s *Store) Effective(scheme string) (map[string]models.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.scheme(scheme); err != nil {
		return nil, err
	}
	return s.effective(scheme), nil
}

func (s *Store) effective(scheme string) map[string]models.Annotation {
	out := make(map[string]models.Annotation, len(s.current[scheme]))
	for element, byUser := range s.current[scheme] {
		var latest models.Annotation
		for _, a := range byUser {
			if a.Time.After(latest.Time) {
				latest = a
			}
		}
		if latest.Tagged() {
			out[element] = latest
		}
	}
	return out
}

// Labeled returns the effective label of every tagged element of scheme
func (s *Store) Labeled(scheme string) (map[string]string, error) {
	eff, err := s.Effective(scheme)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(eff))
	for id, a := range eff {
		out[id] = a.Label
	}
	return out, nil
}

// Current returns the current annotations of element in scheme keyed by user
func (s *Store) Current(scheme, element string) (map[string]models.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.scheme(scheme); err != nil {
		return nil, err
	}
	out := make(map[string]models.Annotation, len(s.current[scheme][element]))
	for user, a := range s.current[scheme][element] {
		out[user] = a
	}
	return out, nil
}

// History returns the log of scheme, oldest first, restricted to element
// when it is not empty.
func (s *Store) History(scheme, element string) ([]models.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.scheme(scheme); err != nil {
		return nil, err
	}
	var out []models.Annotation
	for _, a := range s.history[scheme] {
		if element == "" || a.ElementID == element {
			out = append(out, a)
		}
	}
	return out, nil
}

// Recent returns the elements user annotated last in scheme, newest first
func (s *Store) Recent(scheme, user string, n int) ([]models.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.scheme(scheme); err != nil {
		return nil, err
	}
	var out []models.Annotation
	seen := make(map[string]bool)
	log := s.history[scheme]
	for i := len(log) - 1; i >= 0 && len(out) < n; i-- {
		a := log[i]
		if a.User != user || seen[a.ElementID] {
			continue
		}
		seen[a.ElementID] = true
		if a.Action != models.ActionDelete {
			out = append(out, a)
		}
	}
	return out, nil
}

// Table returns the half-open range [min, max) of the view of scheme
// selected by mode. Out of range bounds are clamped; max <= 0 means the end
// of the view.
func (s *Store) Table(scheme string, min, max int, mode models.SampleMode) ([]models.TableRow, error) {
	if !mode.Valid() {
		return nil, apperr.InvalidInput.New("unknown sample mode %q", mode)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.scheme(scheme); err != nil {
		return nil, err
	}
	eff := s.effective(scheme)

	var view []models.TableRow
	row := func(id string) models.TableRow {
		e, _ := s.corpus.Get(id)
		r := models.TableRow{ElementID: id, Text: e.Text}
		if a, ok := eff[id]; ok {
			r.Label, r.User, r.Time = a.Label, a.User, a.Time
		}
		return r
	}
	switch mode {
	case models.SampleRecent:
		for id := range eff {
			view = append(view, row(id))
		}
		sort.Slice(view, func(i, j int) bool { return view[i].Time.After(view[j].Time) })
	default:
		for i := 0; i < s.corpus.Len(); i++ {
			id := s.corpus.At(i).ID
			_, tagged := eff[id]
			if mode == models.SampleTagged && !tagged || mode == models.SampleUntagged && tagged {
				continue
			}
			view = append(view, row(id))
		}
	}

	if max <= 0 || max > len(view) {
		max = len(view)
	}
	if min < 0 {
		min = 0
	}
	if min > max {
		min = max
	}
	return view[min:max], nil
}

// Candidates returns the ids of ids that pass mode for scheme, keeping
// their order. recent keeps tagged ids ordered by annotation time, newest
// first.
func (s *Store) Candidates(scheme string, mode models.SampleMode, ids []string) ([]string, error) {
	if !mode.Valid() {
		return nil, apperr.InvalidInput.New("unknown sample mode %q", mode)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.scheme(scheme); err != nil {
		return nil, err
	}
	eff := s.effective(scheme)

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		_, tagged := eff[id]
		switch mode {
		case models.SampleTagged, models.SampleRecent:
			if !tagged {
				continue
			}
		case models.SampleUntagged:
			if tagged {
				continue
			}
		}
		out = append(out, id)
	}
	if mode == models.SampleRecent {
		sort.SliceStable(out, func(i, j int) bool { return eff[out[i]].Time.After(eff[out[j]].Time) })
	}
	return out, nil
}

// Orphans returns the current annotations of scheme whose label is no
// longer in the scheme.
func (s *Store) Orphans(scheme string) ([]models.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, err := s.scheme(scheme)
	if err != nil {
		return nil, err
	}
	return s.orphans(sc), nil
}

func (s *Store) orphans(sc *Scheme) []models.Annotation {
	var out []models.Annotation
	for _, byUser := range s.current[sc.Name] {
		for _, a := range byUser {
			if a.Tagged() && !s.hasLabel(sc, a.Label) {
				out = append(out, a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// Stats summarises the annotations of a scheme
type Stats struct {
	Elements     int            `json:"elements"`
	Tagged       int            `json:"tagged"`
	TaggedByUser int            `json:"tagged_by_user"`
	TaggedTest   int            `json:"tagged_test"`
	PerLabel     map[string]int `json:"per_label"`
	Orphans      int            `json:"orphans"`
	History      int            `json:"history"`
}

// Stats counts the annotations of scheme overall and for user
func (s *Store) Stats(scheme, user string) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, err := s.scheme(scheme)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Elements: s.corpus.Len(),
		PerLabel: make(map[string]int, len(sc.Labels)),
		Orphans:  len(s.orphans(sc)),
		History:  len(s.history[scheme]),
	}
	for _, l := range sc.Labels {
		st.PerLabel[l] = 0
	}
	for id, a := range s.effective(scheme) {
		st.Tagged++
		st.PerLabel[a.Label]++
		if s.corpus.IsTest(id) {
			st.TaggedTest++
		}
	}
	for _, byUser := range s.current[scheme] {
		if a, ok := byUser[user]; ok && a.Tagged() {
			st.TaggedByUser++
		}
	}
	return st, nil
}
