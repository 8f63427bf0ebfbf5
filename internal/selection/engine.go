// Package selection picks the next element to present to an annotator.
package selection

import (
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/zap"

	"active-tagger/internal/apperr"
	"active-tagger/internal/corpus"
	"active-tagger/internal/models"
)

// Tags is the scheme state selection reads
type Tags interface {
	Labels(scheme string) ([]string, error)
	Candidates(scheme string, mode models.SampleMode, ids []string) ([]string, error)
}

// Predictor serves stored simple-model predictions
type Predictor interface {
	Predictions(user, scheme string) (map[string]models.Prediction, error)
}

// Projections serves resolved projection coordinates
type Projections interface {
	Coordinates(user string) (map[string][2]float64, error)
}

// Frame is a rectangle in projection space, x1 <= x <= x2 and y1 <= y <= y2
type Frame struct {
	X1, Y1, X2, Y2 float64
}

func (f Frame) contains(p [2]float64) bool {
	return p[0] >= f.X1 && p[0] <= f.X2 && p[1] >= f.Y1 && p[1] <= f.Y2
}

// FrameFrom builds a frame from [x1, y1, x2, y2]
func FrameFrom(v []float64) (*Frame, error) {
	if len(v) == 0 {
		return nil, nil
	}
	if len(v) != 4 {
		return nil, apperr.InvalidInput.New("frame needs 4 values, got %d", len(v))
	}
	f := Frame{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
	if f.X1 > f.X2 {
		f.X1, f.X2 = f.X2, f.X1
	}
	if f.Y1 > f.Y2 {
		f.Y1, f.Y2 = f.Y2, f.Y1
	}
	return &f, nil
}

// Request asks for the next element
type Request struct {
	Scheme    string               `json:"scheme"`
	Selection models.SelectionMode `json:"selection"`
	Sample    models.SampleMode    `json:"sample"`
	User      string               `json:"user"`
	// Tag restricts maxprob to elements predicted as this label
	Tag     string   `json:"tag,omitempty"`
	Exclude []string `json:"history,omitempty"`
	Frame   *Frame   `json:"frame,omitempty"`
}

// Result is the selected element with the annotator's current prediction
type Result struct {
	ElementID  string               `json:"element_id"`
	Text       string               `json:"text"`
	Context    map[string]string    `json:"context,omitempty"`
	Selection  models.SelectionMode `json:"selection"`
	Prediction *models.Prediction   `json:"prediction,omitempty"`
}

// Engine implements the selection policies over one project
type Engine struct {
	corpus      *corpus.Corpus
	tags        Tags
	predictor   Predictor
	projections Projections
	logger      *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewEngine(c *corpus.Corpus, tags Tags, predictor Predictor, projections Projections, seed int64, logger *zap.Logger) *Engine {
	return &Engine{
		corpus:      c,
		tags:        tags,
		predictor:   predictor,
		projections: projections,
		logger:      logger,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Next returns the next element for req. It never returns an excluded id and
// fails with Exhausted once no candidate is left.
func (e *Engine) Next(req Request) (*Result, error) {
	if !req.Selection.Valid() {
		return nil, apperr.InvalidInput.New("unknown selection mode %q", req.Selection)
	}
	if req.Sample == "" {
		req.Sample = models.SampleUntagged
	}
	labels, err := e.tags.Labels(req.Scheme)
	if err != nil {
		return nil, err
	}
	if req.Tag != "" && !contains(labels, req.Tag) {
		return nil, apperr.Newf(&apperr.InvalidInput, apperr.ErrInvalidLabel, "label %q is not in scheme %q", req.Tag, req.Scheme)
	}

	var candidates []string
	if req.Selection == models.SelectTest {
		candidates = e.corpus.Partition(true)
	} else {
		candidates, err = e.tags.Candidates(req.Scheme, req.Sample, e.corpus.Partition(false))
		if err != nil {
			return nil, err
		}
	}

	excluded := make(map[string]bool, len(req.Exclude))
	for _, id := range req.Exclude {
		excluded[id] = true
	}
	candidates = filter(candidates, func(id string) bool { return !excluded[id] })

	if req.Frame != nil {
		coords, err := e.projections.Coordinates(req.User)
		if err != nil {
			return nil, err
		}
		candidates = filter(candidates, func(id string) bool {
			p, ok := coords[id]
			return ok && req.Frame.contains(p)
		})
	}

	// predictions are optional everywhere except maxprob
	predictions, perr := e.predictor.Predictions(req.User, req.Scheme)

	var picked string
	switch req.Selection {
	case models.SelectDeterministic, models.SelectTest:
		if len(candidates) > 0 {
			picked = candidates[0]
		}
	case models.SelectRandom:
		if len(candidates) > 0 {
			e.mu.Lock()
			picked = candidates[e.rng.Intn(len(candidates))]
			e.mu.Unlock()
		}
	case models.SelectMaxProb:
		if perr != nil {
			return nil, perr
		}
		picked = leastConfident(candidates, predictions, req.Tag)
	}
	if picked == "" {
		return nil, apperr.Newf(&apperr.Exhausted, apperr.ErrExhausted, "scheme %q, %s/%s", req.Scheme, req.Selection, req.Sample)
	}

	el, err := e.corpus.Get(picked)
	if err != nil {
		return nil, err
	}
	res := &Result{
		ElementID: el.ID,
		Text:      el.Text,
		Context:   el.Context,
		Selection: req.Selection,
	}
	if p, ok := predictions[picked]; ok {
		res.Prediction = &p
	}

	e.logger.Debug("Element selected",
		zap.String("scheme", req.Scheme),
		zap.String("user", req.User),
		zap.String("selection", string(req.Selection)),
		zap.String("sample", string(req.Sample)),
		zap.String("element_id", picked),
		zap.Int("candidates", len(candidates)))
	return res, nil
}

// leastConfident ranks candidates by ascending probability of their
// predicted label, keeping corpus order among ties. With a tag only elements
// predicted as tag compete.
func leastConfident(candidates []string, predictions map[string]models.Prediction, tag string) string {
	ranked := filter(candidates, func(id string) bool {
		p, ok := predictions[id]
		return ok && (tag == "" || p.Label == tag)
	})
	if len(ranked) == 0 {
		return ""
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return predictions[ranked[i]].Proba < predictions[ranked[j]].Proba
	})
	return ranked[0]
}

func filter(ids []string, keep func(string) bool) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if keep(id) {
			out = append(out, id)
		}
	}
	return out
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
