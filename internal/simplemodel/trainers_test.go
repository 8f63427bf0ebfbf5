package simplemodel

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKNNFeatureWidths(t *testing.T) {
	for _, dim := range []int{1, 2, 3, 4, 5, 768} {
		t.Run(fmt.Sprintf("dim=%d", dim), func(t *testing.T) {
			// pos rows point along the first axis, neg rows along the last
			var x [][]float64
			var y []string
			for i := 0; i < 10; i++ {
				row := make([]float64, dim)
				if i%2 == 0 {
					row[0] = 1 + float64(i)/10
					y = append(y, "pos")
				} else {
					row[dim-1] = -1 - float64(i)/10
					y = append(y, "neg")
				}
				x = append(x, row)
			}

			clf, err := KNN{}.Fit(context.Background(), x, y, map[string]float64{"k": 3})
			require.NoError(t, err)
			assert.Equal(t, []string{"neg", "pos"}, clf.Labels())

			query := make([]float64, dim)
			query[0] = 2
			proba := clf.PredictProba([][]float64{query, make([]float64, dim)})
			require.Len(t, proba, 2)
			assert.Len(t, proba[0], 2)
			assert.Greater(t, proba[0][1], proba[0][0])
			assert.InDelta(t, 1.0, proba[1][0]+proba[1][1], 1e-9)
		})
	}
}

func TestToVectorPadding(t *testing.T) {
	for _, tt := range []struct{ dim, want int }{{0, 4}, {1, 4}, {3, 4}, {4, 8}, {768, 772}} {
		v := toVector(make([]float64, tt.dim))
		assert.Len(t, v, tt.want)
		assert.Equal(t, float32(1), v[tt.dim])
	}
}
