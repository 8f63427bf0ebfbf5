package simplemodel

import (
	"context"
	"math"
	"sort"

	"github.com/fogfish/hnsw"
	"github.com/fogfish/hnsw/vector"
	kvector "github.com/kshard/vector"

	"active-tagger/internal/apperr"
)

// Classifier assigns a probability to every label for each row
type Classifier interface {
	Labels() []string
	PredictProba(x [][]float64) [][]float64
}

// Trainer fits a classifier on labelled rows
type Trainer interface {
	Fit(ctx context.Context, x [][]float64, y []string, params map[string]float64) (Classifier, error)
}

// Kind is a trainer with its default parameters
type Kind struct {
	Trainer  Trainer            `json:"-"`
	Defaults map[string]float64 `json:"defaults"`
}

// Kinds lists the simple model kinds by name
var Kinds = map[string]Kind{
	"logistic": {
		Trainer:  Logistic{},
		Defaults: map[string]float64{"learning_rate": 0.1, "epochs": 200, "l2": 0.001},
	},
	"knn": {
		Trainer:  KNN{},
		Defaults: map[string]float64{"k": 5},
	},
}

// resolveParams fills defaults and rejects unknown or negative parameters
func resolveParams(kind string, params map[string]float64) (Kind, map[string]float64, error) {
	k, ok := Kinds[kind]
	if !ok {
		return Kind{}, nil, apperr.InvalidInput.New("unknown model kind %q", kind)
	}
	out := make(map[string]float64, len(k.Defaults))
	for name, v := range k.Defaults {
		out[name] = v
	}
	for name, v := range params {
		if _, ok := k.Defaults[name]; !ok {
			return Kind{}, nil, apperr.InvalidInput.New("unknown parameter %q for model kind %q", name, kind)
		}
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return Kind{}, nil, apperr.InvalidInput.New("parameter %q must be a positive number", name)
		}
		out[name] = v
	}
	return k, out, nil
}

func distinctLabels(y []string) []string {
	seen := make(map[string]bool)
	var labels []string
	for _, l := range y {
		if !seen[l] {
			seen[l] = true
			labels = append(labels, l)
		}
	}
	sort.Strings(labels)
	return labels
}

// Logistic is multinomial logistic regression fitted by batch gradient
// descent on standardised features.
type Logistic struct{}

type logisticModel struct {
	labels  []string
	mean    []float64
	scale   []float64
	weights [][]float64 // per label, bias last
}

func (Logistic) Fit(ctx context.Context, x [][]float64, y []string, params map[string]float64) (Classifier, error) {
	labels := distinctLabels(y)
	classes := make(map[string]int, len(labels))
	for i, l := range labels {
		classes[l] = i
	}
	n, d := len(x), len(x[0])
	m := &logisticModel{labels: labels, mean: make([]float64, d), scale: make([]float64, d)}
	for _, row := range x {
		for j, v := range row {
			m.mean[j] += v / float64(n)
		}
	}
	for j := range m.scale {
		var ss float64
		for _, row := range x {
			ss += (row[j] - m.mean[j]) * (row[j] - m.mean[j])
		}
		m.scale[j] = math.Sqrt(ss / float64(n))
		if m.scale[j] == 0 {
			m.scale[j] = 1
		}
	}
	z := make([][]float64, n)
	for i, row := range x {
		z[i] = m.standardize(row)
	}

	m.weights = make([][]float64, len(labels))
	for c := range m.weights {
		m.weights[c] = make([]float64, d+1)
	}
	lr, l2, epochs := params["learning_rate"], params["l2"], int(params["epochs"])
	grad := make([][]float64, len(labels))
	for c := range grad {
		grad[c] = make([]float64, d+1)
	}
	for epoch := 0; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for c := range grad {
			for j := range grad[c] {
				grad[c][j] = 0
			}
		}
		for i, row := range z {
			p := m.softmax(row)
			target := classes[y[i]]
			for c := range p {
				diff := p[c]
				if c == target {
					diff--
				}
				for j, v := range row {
					grad[c][j] += diff * v
				}
				grad[c][d] += diff
			}
		}
		for c := range m.weights {
			for j := range m.weights[c] {
				g := grad[c][j] / float64(n)
				if j < d {
					g += l2 * m.weights[c][j]
				}
				m.weights[c][j] -= lr * g
			}
		}
	}
	return m, nil
}

func (m *logisticModel) standardize(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - m.mean[j]) / m.scale[j]
	}
	return out
}

func (m *logisticModel) softmax(z []float64) []float64 {
	d := len(z)
	p := make([]float64, len(m.weights))
	top := math.Inf(-1)
	for c, w := range m.weights {
		s := w[d]
		for j, v := range z {
			s += w[j] * v
		}
		p[c] = s
		if s > top {
			top = s
		}
	}
	var sum float64
	for c := range p {
		p[c] = math.Exp(p[c] - top)
		sum += p[c]
	}
	for c := range p {
		p[c] /= sum
	}
	return p
}

func (m *logisticModel) Labels() []string {
	return m.labels
}

func (m *logisticModel) PredictProba(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = m.softmax(m.standardize(row))
	}
	return out
}

// KNN votes among the k nearest labelled rows of an HNSW index with cosine
// distance.
type KNN struct{}

type knnModel struct {
	labels  []string
	classes []int
	index   *hnsw.HNSW[vector.VF32]
	k       int
}

// toVector appends a constant component so all-zero rows keep a defined
// cosine, then zero-pads to a multiple of 4 as the cosine kernel requires.
// Zero padding leaves dot products and norms unchanged.
func toVector(row []float64) []float32 {
	n := len(row) + 1
	if r := n % 4; r != 0 {
		n += 4 - r
	}
	v := make([]float32, n)
	for j, x := range row {
		v[j] = float32(x)
	}
	v[len(row)] = 1
	return v
}

func (KNN) Fit(ctx context.Context, x [][]float64, y []string, params map[string]float64) (Classifier, error) {
	k := int(params["k"])
	if k < 1 {
		return nil, apperr.InvalidInput.New("k must be at least 1")
	}
	labels := distinctLabels(y)
	classes := make(map[string]int, len(labels))
	for i, l := range labels {
		classes[l] = i
	}

	m := &knnModel{
		labels:  labels,
		classes: make([]int, len(x)),
		index:   hnsw.New[vector.VF32](vector.SurfaceVF32(kvector.Cosine())),
		k:       k,
	}
	for i, row := range x {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.classes[i] = classes[y[i]]
		m.index.Insert(vector.VF32{Key: uint32(i), Vec: toVector(row)})
	}
	return m, nil
}

func (m *knnModel) Labels() []string {
	return m.labels
}

func (m *knnModel) PredictProba(x [][]float64) [][]float64 {
	k := m.k
	if size := m.index.Size(); k > size {
		k = size
	}
	ef := 2 * k
	if ef < 100 {
		ef = 100
	}
	out := make([][]float64, len(x))
	for i, row := range x {
		p := make([]float64, len(m.labels))
		neighbours := m.index.Search(vector.VF32{Vec: toVector(row)}, k, ef)
		for _, nb := range neighbours {
			p[m.classes[nb.Key]] += 1 / float64(len(neighbours))
		}
		if len(neighbours) == 0 {
			for c := range p {
				p[c] = 1 / float64(len(p))
			}
		}
		out[i] = p
	}
	return out
}
