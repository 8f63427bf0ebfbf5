package features

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"active-tagger/internal/apperr"
	"active-tagger/internal/jobs"
)

// Projector reduces a feature table to two coordinates per element
type Projector interface {
	Project(ctx context.Context, t *Table, params map[string]float64) (*Table, error)
}

// Projection is the latest projection requested by one user
type Projection struct {
	User        string             `json:"user"`
	Method      string             `json:"method"`
	Params      map[string]float64 `json:"params,omitempty"`
	Features    []string           `json:"features"`
	RequestedAt time.Time          `json:"requested_at"`
	Result      *Table             `json:"-"`
	Err         string             `json:"error,omitempty"`

	handle *jobs.Handle[*Table]
}

// ProjectionStatus describes a projection without its coordinates
type ProjectionStatus struct {
	Method   string   `json:"method"`
	Features []string `json:"features"`
	Status   string   `json:"status"`
	Error    string   `json:"error,omitempty"`
}

// Projectors lists the projection methods by name
var Projectors = map[string]Projector{
	"pca":  PCA{},
	"tsne": TSNE{},
}

// RequestProjection starts a projection of features names for user,
// replacing any earlier projection of that user. A replaced projection
// still computing is cancelled.
func (s *Store) RequestProjection(user, method string, params map[string]float64, names []string) error {
	projector, ok := Projectors[method]
	if !ok {
		return apperr.InvalidInput.New("unknown projection method %q", method)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range names {
		if _, ok := s.available[name]; !ok {
			return apperr.Newf(&apperr.InvalidInput, apperr.ErrNoFeature, "feature %q is not available", name)
		}
	}
	t, err := s.get(names)
	if err != nil {
		return err
	}
	if old, ok := s.projections[user]; ok && old.handle != nil {
		old.handle.Cancel()
	}

	p := &Projection{
		User:        user,
		Method:      method,
		Params:      params,
		Features:    names,
		RequestedAt: time.Now(),
	}
	p.handle = jobs.Submit(s.pool, user, jobs.KindProjection, func(ctx context.Context) (*Table, error) {
		return projector.Project(ctx, t, params)
	})
	s.projections[user] = p

	s.logger.Info("Projection requested",
		zap.String("user", user),
		zap.String("method", method),
		zap.Strings("features", names))
	return nil
}

// Projection returns the projection of user
func (s *Store) Projection(user string) (*Projection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projections[user]
	return p, ok
}

// Coordinates returns the resolved coordinates of user's projection keyed by
// element id.
func (s *Store) Coordinates(user string) (map[string][2]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projections[user]
	if !ok || p.Result == nil {
		return nil, apperr.Unavailable.New("no resolved projection for user %q", user)
	}
	coords := make(map[string][2]float64, len(p.Result.IDs))
	for i, id := range p.Result.IDs {
		row := p.Result.Values[i]
		coords[id] = [2]float64{row[0], row[1]}
	}
	return coords, nil
}

// Projections reports the status of every user's projection
func (s *Store) Projections() map[string]ProjectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]ProjectionStatus, len(s.projections))
	for user, p := range s.projections {
		st := ProjectionStatus{Method: p.Method, Features: p.Features, Error: p.Err}
		switch {
		case p.handle != nil:
			st.Status = "computing"
		case p.Err != "":
			st.Status = "failed"
		default:
			st.Status = "computed"
		}
		out[user] = st
	}
	return out
}

// PCA projects onto the first two principal components.
type PCA struct{}

func (PCA) Project(ctx context.Context, t *Table, params map[string]float64) (*Table, error) {
	n, d := len(t.Values), len(t.Columns)
	if n == 0 || d == 0 {
		return nil, apperr.InvalidInput.New("cannot project an empty table")
	}

	// center, and scale when asked
	mean := make([]float64, d)
	for _, row := range t.Values {
		for j, v := range row {
			mean[j] += v / float64(n)
		}
	}
	scale := make([]float64, d)
	for j := range scale {
		scale[j] = 1
	}
	if params["scale"] != 0 {
		for j := range scale {
			var ss float64
			for _, row := range t.Values {
				ss += (row[j] - mean[j]) * (row[j] - mean[j])
			}
			if sd := math.Sqrt(ss / float64(n)); sd > 0 {
				scale[j] = sd
			}
		}
	}
	x := make([][]float64, n)
	for i, row := range t.Values {
		x[i] = make([]float64, d)
		for j, v := range row {
			x[i][j] = (v - mean[j]) / scale[j]
		}
	}

	iterations := int(params["iterations"])
	if iterations <= 0 {
		iterations = 100
	}
	rng := rand.New(rand.NewSource(int64(params["seed"])))

	out := &Table{IDs: t.IDs, Columns: []string{"x", "y"}, Values: make([][]float64, n)}
	for i := range out.Values {
		out.Values[i] = make([]float64, 2)
	}
	var components [][]float64
	for c := 0; c < 2; c++ {
		v := make([]float64, d)
		for j := range v {
			v[j] = rng.Float64() - 0.5
		}
		for it := 0; it < iterations; it++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			// w = Xt X v, orthogonal to earlier components
			w := make([]float64, d)
			for _, row := range x {
				p := dot(row, v)
				for j := range w {
					w[j] += p * row[j]
				}
			}
			for _, prev := range components {
				p := dot(w, prev)
				for j := range w {
					w[j] -= p * prev[j]
				}
			}
			norm := math.Sqrt(dot(w, w))
			if norm == 0 {
				break
			}
			for j := range w {
				w[j] /= norm
			}
			v = w
		}
		components = append(components, v)
		for i, row := range x {
			out.Values[i][c] = dot(row, v)
		}
	}
	return out, nil
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// ProjectionMethods lists the available methods in a stable order
func ProjectionMethods() []string {
	methods := make([]string, 0, len(Projectors))
	for m := range Projectors {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}
