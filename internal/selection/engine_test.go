package selection

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"active-tagger/internal/apperr"
	"active-tagger/internal/corpus"
	"active-tagger/internal/models"
	"active-tagger/internal/schemes"
)

type stubPredictor map[string]models.Prediction

func (s stubPredictor) Predictions(user, scheme string) (map[string]models.Prediction, error) {
	if s == nil {
		return nil, apperr.Newf(&apperr.Unavailable, apperr.ErrNoModelAvailable, "%s/%s", user, scheme)
	}
	return s, nil
}

type stubProjections map[string][2]float64

func (s stubProjections) Coordinates(user string) (map[string][2]float64, error) {
	if s == nil {
		return nil, apperr.Unavailable.New("no projection for %q", user)
	}
	return s, nil
}

// ten elements e0..e9; e8 and e9 are held out
func newTestStore(t *testing.T) (*corpus.Corpus, *schemes.Store) {
	t.Helper()
	var elements []corpus.Element
	for i := 0; i < 10; i++ {
		elements = append(elements, corpus.Element{
			ID:   fmt.Sprintf("e%d", i),
			Text: fmt.Sprintf("text %d", i),
			Test: i >= 8,
		})
	}
	c, err := corpus.New(elements, nil)
	require.NoError(t, err)
	s := schemes.NewStore(c, zaptest.NewLogger(t))
	require.NoError(t, s.AddScheme("sentiment", []string{"pos", "neg"}))
	return c, s
}

func TestDeterministicUntilExhausted(t *testing.T) {
	c, s := newTestStore(t)
	e := NewEngine(c, s, stubPredictor(nil), stubProjections(nil), 1, zaptest.NewLogger(t))

	_, err := s.PushTag("e0", "pos", "sentiment", "alice", models.SelectDeterministic)
	require.NoError(t, err)

	req := Request{Scheme: "sentiment", Selection: models.SelectDeterministic, Sample: models.SampleUntagged, User: "alice"}
	var seen []string
	for {
		res, err := e.Next(req)
		if err != nil {
			assert.True(t, apperr.Exhausted.Has(err))
			assert.ErrorIs(t, err, apperr.ErrExhausted)
			break
		}
		assert.NotContains(t, req.Exclude, res.ElementID)
		assert.Nil(t, res.Prediction)
		seen = append(seen, res.ElementID)
		req.Exclude = append(req.Exclude, res.ElementID)
	}
	assert.Equal(t, []string{"e1", "e2", "e3", "e4", "e5", "e6", "e7"}, seen)
}

func TestSampleModes(t *testing.T) {
	c, s := newTestStore(t)
	e := NewEngine(c, s, stubPredictor(nil), stubProjections(nil), 1, zaptest.NewLogger(t))

	for _, id := range []string{"e3", "e1", "e5"} {
		_, err := s.PushTag(id, "neg", "sentiment", "bob", models.SelectDeterministic)
		require.NoError(t, err)
	}

	next := func(sample models.SampleMode) string {
		res, err := e.Next(Request{Scheme: "sentiment", Selection: models.SelectDeterministic, Sample: sample, User: "bob"})
		require.NoError(t, err)
		return res.ElementID
	}
	assert.Equal(t, "e0", next(models.SampleAll))
	assert.Equal(t, "e1", next(models.SampleTagged))
	assert.Equal(t, "e0", next(models.SampleUntagged))
	assert.Equal(t, "e5", next(models.SampleRecent))
}

func TestRandomStaysInCandidates(t *testing.T) {
	c, s := newTestStore(t)
	e := NewEngine(c, s, stubPredictor(nil), stubProjections(nil), 7, zaptest.NewLogger(t))

	req := Request{
		Scheme:    "sentiment",
		Selection: models.SelectRandom,
		Sample:    models.SampleAll,
		User:      "alice",
		Exclude:   []string{"e0", "e1", "e2", "e3", "e4"},
	}
	for i := 0; i < 50; i++ {
		res, err := e.Next(req)
		require.NoError(t, err)
		assert.Contains(t, []string{"e5", "e6", "e7"}, res.ElementID)
	}
}

func TestTestPartition(t *testing.T) {
	c, s := newTestStore(t)
	e := NewEngine(c, s, stubPredictor(nil), stubProjections(nil), 1, zaptest.NewLogger(t))

	// tag state is ignored for the test partition
	_, err := s.PushTag("e8", "pos", "sentiment", "alice", models.SelectTest)
	require.NoError(t, err)

	req := Request{Scheme: "sentiment", Selection: models.SelectTest, Sample: models.SampleUntagged, User: "alice"}
	res, err := e.Next(req)
	require.NoError(t, err)
	assert.Equal(t, "e8", res.ElementID)

	req.Exclude = []string{"e8", "e9"}
	_, err = e.Next(req)
	assert.True(t, apperr.Exhausted.Has(err))
}

func TestMaxProb(t *testing.T) {
	c, s := newTestStore(t)
	req := Request{Scheme: "sentiment", Selection: models.SelectMaxProb, Sample: models.SampleUntagged, User: "alice"}

	e := NewEngine(c, s, stubPredictor(nil), stubProjections(nil), 1, zaptest.NewLogger(t))
	_, err := e.Next(req)
	assert.True(t, apperr.Unavailable.Has(err))
	assert.ErrorIs(t, err, apperr.ErrNoModelAvailable)

	predictions := stubPredictor{}
	for i := 0; i < 10; i++ {
		label := "pos"
		if i%2 == 1 {
			label = "neg"
		}
		predictions[fmt.Sprintf("e%d", i)] = models.Prediction{Label: label, Proba: 0.5 + float64(9-i)/20}
	}
	e = NewEngine(c, s, predictions, stubProjections(nil), 1, zaptest.NewLogger(t))

	res, err := e.Next(req)
	require.NoError(t, err)
	assert.Equal(t, "e7", res.ElementID)
	require.NotNil(t, res.Prediction)
	assert.Equal(t, "neg", res.Prediction.Label)

	req.Tag = "pos"
	res, err = e.Next(req)
	require.NoError(t, err)
	assert.Equal(t, "e6", res.ElementID)

	req.Tag = "maybe"
	_, err = e.Next(req)
	assert.ErrorIs(t, err, apperr.ErrInvalidLabel)
}

func TestFrame(t *testing.T) {
	c, s := newTestStore(t)
	req := Request{Scheme: "sentiment", Selection: models.SelectDeterministic, Sample: models.SampleAll, User: "alice"}

	frame, err := FrameFrom([]float64{1, 1, 0, 0})
	require.NoError(t, err)
	req.Frame = frame

	e := NewEngine(c, s, stubPredictor(nil), stubProjections(nil), 1, zaptest.NewLogger(t))
	_, err = e.Next(req)
	assert.True(t, apperr.Unavailable.Has(err))

	coords := stubProjections{"e0": {2, 2}, "e4": {0.5, 0.5}, "e6": {0.1, 0.9}}
	e = NewEngine(c, s, stubPredictor(nil), coords, 1, zaptest.NewLogger(t))
	res, err := e.Next(req)
	require.NoError(t, err)
	assert.Equal(t, "e4", res.ElementID)

	_, err = FrameFrom([]float64{1, 2})
	assert.True(t, apperr.InvalidInput.Has(err))
}
