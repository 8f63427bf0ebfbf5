// Package metrics scores predicted labels against reference labels.
package metrics

import "sort"

// Scores summarises a classifier on a labelled set
type Scores struct {
	N          int                `json:"n"`
	Accuracy   float64            `json:"accuracy"`
	WeightedF1 float64            `json:"weighted_f1"`
	MacroF1    float64            `json:"macro_f1"`
	F1         map[string]float64 `json:"f1_by_label,omitempty"`
}

// Score compares predicted with truth position by position.
// Scores are zero for an empty set.
func Score(truth, predicted []string) Scores {
	s := Scores{N: len(truth)}
	if len(truth) == 0 {
		return s
	}

	support := make(map[string]int)
	tp := make(map[string]int)
	fp := make(map[string]int)
	fn := make(map[string]int)
	var correct int
	for i, want := range truth {
		got := predicted[i]
		support[want]++
		if got == want {
			correct++
			tp[want]++
			continue
		}
		fp[got]++
		fn[want]++
	}
	s.Accuracy = float64(correct) / float64(len(truth))

	labels := make([]string, 0, len(support))
	for l := range support {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	s.F1 = make(map[string]float64, len(labels))
	for _, l := range labels {
		f1 := f1Score(tp[l], fp[l], fn[l])
		s.F1[l] = f1
		s.WeightedF1 += f1 * float64(support[l]) / float64(len(truth))
		s.MacroF1 += f1 / float64(len(labels))
	}
	return s
}

func f1Score(tp, fp, fn int) float64 {
	if tp == 0 {
		return 0
	}
	precision := float64(tp) / float64(tp+fp)
	recall := float64(tp) / float64(tp+fn)
	return 2 * precision * recall / (precision + recall)
}
