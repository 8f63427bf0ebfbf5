package features

import (
	"context"
	"math"
	"math/rand"

	"active-tagger/internal/apperr"
)

// TSNE embeds with exact t-distributed stochastic neighbour embedding.
// Memory and time grow with the square of the number of elements.
type TSNE struct{}

func param(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok && v > 0 {
		return v
	}
	return def
}

func (TSNE) Project(ctx context.Context, t *Table, params map[string]float64) (*Table, error) {
	n := len(t.Values)
	if n == 0 || len(t.Columns) == 0 {
		return nil, apperr.InvalidInput.New("cannot project an empty table")
	}
	out := &Table{IDs: t.IDs, Columns: []string{"x", "y"}, Values: make([][]float64, n)}
	for i := range out.Values {
		out.Values[i] = make([]float64, 2)
	}
	if n < 3 {
		for i := range out.Values {
			out.Values[i][0] = float64(i)
		}
		return out, nil
	}

	perplexity := param(params, "perplexity", 30)
	if limit := float64(n-1) / 3; perplexity > limit {
		perplexity = math.Max(limit, 1)
	}
	iterations := int(param(params, "iterations", 500))
	rate := param(params, "learning_rate", 200)
	rng := rand.New(rand.NewSource(int64(params["seed"])))

	d2 := make([][]float64, n)
	for i := range d2 {
		d2[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			var s float64
			for k := range t.Values[i] {
				d := t.Values[i][k] - t.Values[j][k]
				s += d * d
			}
			d2[i][j], d2[j][i] = s, s
		}
	}

	p := make([][]float64, n)
	for i := range p {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		p[i] = affinities(d2[i], i, math.Log(perplexity))
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := math.Max((p[i][j]+p[j][i])/float64(2*n), 1e-12)
			p[i][j], p[j][i] = v, v
		}
	}

	y := make([][2]float64, n)
	vel := make([][2]float64, n)
	gain := make([][2]float64, n)
	for i := range y {
		y[i] = [2]float64{rng.NormFloat64() * 1e-4, rng.NormFloat64() * 1e-4}
		gain[i] = [2]float64{1, 1}
	}
	num := make([][]float64, n)
	for i := range num {
		num[i] = make([]float64, n)
	}

	early := iterations / 4
	if early > 100 {
		early = 100
	}
	for it := 0; it < iterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		exaggeration, momentum := 1.0, 0.8
		if it < early {
			exaggeration, momentum = 12, 0.5
		}

		var sumQ float64
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				dx, dy := y[i][0]-y[j][0], y[i][1]-y[j][1]
				q := 1 / (1 + dx*dx + dy*dy)
				num[i][j], num[j][i] = q, q
				sumQ += 2 * q
			}
		}
		for i := 0; i < n; i++ {
			var g [2]float64
			for j := 0; j < n; j++ {
				if i == j {
					continue
				}
				m := (exaggeration*p[i][j] - num[i][j]/sumQ) * num[i][j]
				g[0] += 4 * m * (y[i][0] - y[j][0])
				g[1] += 4 * m * (y[i][1] - y[j][1])
			}
			for k := 0; k < 2; k++ {
				if (g[k] > 0) != (vel[i][k] > 0) {
					gain[i][k] += 0.2
				} else {
					gain[i][k] = math.Max(gain[i][k]*0.8, 0.01)
				}
				vel[i][k] = momentum*vel[i][k] - rate*gain[i][k]*g[k]
			}
		}
		var mean [2]float64
		for i := range y {
			y[i][0] += vel[i][0]
			y[i][1] += vel[i][1]
			mean[0] += y[i][0] / float64(n)
			mean[1] += y[i][1] / float64(n)
		}
		for i := range y {
			y[i][0] -= mean[0]
			y[i][1] -= mean[1]
		}
	}

	for i := range y {
		out.Values[i][0], out.Values[i][1] = y[i][0], y[i][1]
	}
	return out, nil
}

// affinities returns the conditional probabilities of row i with the
// Gaussian bandwidth whose entropy matches target.
func affinities(d2 []float64, i int, target float64) []float64 {
	row := make([]float64, len(d2))
	beta, lo, hi := 1.0, 0.0, math.Inf(1)
	for try := 0; try < 50; try++ {
		var sum, weighted float64
		for j, d := range d2 {
			if j == i {
				row[j] = 0
				continue
			}
			row[j] = math.Exp(-d * beta)
			sum += row[j]
			weighted += d * row[j]
		}
		if sum == 0 {
			sum = 1e-12
		}
		entropy := math.Log(sum) + beta*weighted/sum
		diff := entropy - target
		if math.Abs(diff) < 1e-5 {
			break
		}
		if diff > 0 {
			lo = beta
			if math.IsInf(hi, 1) {
				beta *= 2
			} else {
				beta = (beta + hi) / 2
			}
		} else {
			hi = beta
			beta = (beta + lo) / 2
		}
	}
	var sum float64
	for _, v := range row {
		sum += v
	}
	if sum == 0 {
		uniform := 1 / float64(len(row)-1)
		for j := range row {
			if j != i {
				row[j] = uniform
			}
		}
		return row
	}
	for j := range row {
		row[j] /= sum
	}
	return row
}
