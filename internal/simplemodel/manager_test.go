package simplemodel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"active-tagger/internal/apperr"
	"active-tagger/internal/corpus"
	"active-tagger/internal/features"
	"active-tagger/internal/jobs"
	"active-tagger/internal/schemes"
)

type env struct {
	fs       hackpadfs.FS
	corpus   *corpus.Corpus
	pool     *jobs.Pool
	features *features.Store
	schemes  *schemes.Store
	manager  *Manager
}

// newEnv builds a 100 element corpus whose "sbert" feature separates even
// (pos) from odd (neg) elements.
func newEnv(t *testing.T, testEvery int) *env {
	t.Helper()
	fsys, err := mem.NewFS()
	require.NoError(t, err)

	elements := make([]corpus.Element, 100)
	for i := range elements {
		elements[i] = corpus.Element{
			ID:   fmt.Sprintf("e%03d", i),
			Text: fmt.Sprintf("document %d", i),
			Test: testEvery > 0 && i%testEvery == testEvery-1,
		}
	}
	c, err := corpus.New(elements, nil)
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	pool := jobs.NewPool(2, logger)
	t.Cleanup(pool.Close)

	fstore, err := features.NewStore(fsys, "features", c, pool, logger)
	require.NoError(t, err)
	tbl := &features.Table{IDs: c.IDs(), Columns: []string{"polarity", "position"}, Values: make([][]float64, 100)}
	for i := range tbl.Values {
		polarity := 1.0
		if i%2 == 1 {
			polarity = -1
		}
		tbl.Values[i] = []float64{polarity, float64(i) / 100}
	}
	require.NoError(t, fstore.Add("sbert", tbl))

	sstore := schemes.NewStore(c, logger)
	require.NoError(t, sstore.AddScheme("sentiment", []string{"pos", "neg"}))

	m, err := NewManager(fsys, "simplemodels", c, fstore, sstore, pool, logger)
	require.NoError(t, err)
	return &env{fs: fsys, corpus: c, pool: pool, features: fstore, schemes: sstore, manager: m}
}

func (e *env) tag(t *testing.T, user string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		label := "pos"
		if i%2 == 1 {
			label = "neg"
		}
		_, err := e.schemes.PushTag(fmt.Sprintf("e%03d", i), label, "sentiment", user, "")
		require.NoError(t, err)
	}
}

func (e *env) waitTrained(t *testing.T, user, scheme string) {
	t.Helper()
	require.Eventually(t, func() bool {
		e.manager.Reconcile()
		return !e.manager.IsTraining(user, scheme)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestTrainScenario(t *testing.T) {
	for _, kind := range []string{"logistic", "knn"} {
		t.Run(kind, func(t *testing.T) {
			e := newEnv(t, 0)
			e.tag(t, "alice", 10)

			require.NoError(t, e.manager.Train("alice", "sentiment", []string{"sbert"}, kind, nil))
			require.True(t, e.manager.IsTraining("alice", "sentiment"))
			e.waitTrained(t, "alice", "sentiment")
			require.Empty(t, e.manager.Failed())

			available := e.manager.Available()
			require.Len(t, available, 1)
			info := available[0]
			assert.Equal(t, Key{User: "alice", Scheme: "sentiment"}, info.Key)
			assert.Equal(t, "cross_validation", info.Statistics.Evaluation)
			assert.GreaterOrEqual(t, info.Statistics.WeightedF1, 0.0)
			assert.LessOrEqual(t, info.Statistics.WeightedF1, 1.0)
			assert.Equal(t, 10, info.Statistics.TrainSize)

			predictions, err := e.manager.Predictions("alice", "sentiment")
			require.NoError(t, err)
			assert.Len(t, predictions, 100)
			assert.Equal(t, "pos", predictions["e050"].Label)
			assert.Equal(t, "neg", predictions["e051"].Label)
		})
	}
}

func TestTrainOnHeldOutRows(t *testing.T) {
	e := newEnv(t, 4)
	// tags e000..e019; e003, e007, ... are in the test partition
	e.tag(t, "bob", 20)

	require.NoError(t, e.manager.Train("bob", "sentiment", []string{"sbert"}, "logistic", nil))
	e.waitTrained(t, "bob", "sentiment")

	model, err := e.manager.Model("bob", "sentiment")
	require.NoError(t, err)
	assert.Equal(t, "test", model.Statistics.Evaluation)
	assert.Equal(t, 5, model.Statistics.N)
	assert.Equal(t, 15, model.Statistics.TrainSize)
	assert.InDelta(t, 1.0, model.Statistics.Accuracy, 1e-9)
}

func TestTrainValidation(t *testing.T) {
	e := newEnv(t, 0)
	e.tag(t, "alice", 10)

	err := e.manager.Train("alice", "sentiment", []string{"missing"}, "logistic", nil)
	assert.True(t, apperr.InvalidInput.Has(err))
	assert.ErrorIs(t, err, apperr.ErrNoFeature)

	err = e.manager.Train("alice", "sentiment", nil, "logistic", nil)
	assert.ErrorIs(t, err, apperr.ErrNoFeature)

	err = e.manager.Train("alice", "sentiment", []string{"sbert"}, "forest", nil)
	assert.True(t, apperr.InvalidInput.Has(err))

	err = e.manager.Train("alice", "sentiment", []string{"sbert"}, "knn", map[string]float64{"depth": 3})
	assert.True(t, apperr.InvalidInput.Has(err))

	err = e.manager.Train("alice", "topics", []string{"sbert"}, "logistic", nil)
	assert.ErrorIs(t, err, apperr.ErrUnknownScheme)

	require.NoError(t, e.schemes.AddScheme("single", []string{"only"}))
	_, err = e.schemes.PushTag("e000", "only", "single", "alice", "")
	require.NoError(t, err)
	err = e.manager.Train("alice", "single", []string{"sbert"}, "logistic", nil)
	assert.True(t, apperr.InvalidInput.Has(err))

	_, err = e.manager.Predictions("alice", "sentiment")
	assert.True(t, apperr.Unavailable.Has(err))
	assert.ErrorIs(t, err, apperr.ErrNoModelAvailable)
}

type blockingTrainer struct {
	release chan struct{}
}

func (b blockingTrainer) Fit(ctx context.Context, x [][]float64, y []string, params map[string]float64) (Classifier, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return Logistic{}.Fit(ctx, x, y, map[string]float64{"learning_rate": 0.1, "epochs": 10})
}

func TestAlreadyTraining(t *testing.T) {
	release := make(chan struct{})
	Kinds["blocking"] = Kind{Trainer: blockingTrainer{release: release}, Defaults: map[string]float64{}}
	t.Cleanup(func() { delete(Kinds, "blocking") })

	e := newEnv(t, 0)
	e.tag(t, "alice", 10)

	require.NoError(t, e.manager.Train("alice", "sentiment", []string{"sbert"}, "blocking", nil))
	err := e.manager.Train("alice", "sentiment", []string{"sbert"}, "logistic", nil)
	assert.True(t, apperr.Conflict.Has(err))
	assert.ErrorIs(t, err, apperr.ErrAlreadyTraining)

	// another user is independent
	e.tag(t, "bob", 10)
	require.NoError(t, e.manager.Train("bob", "sentiment", []string{"sbert"}, "logistic", nil))

	assert.Len(t, e.manager.Training(), 2)
	close(release)
	e.waitTrained(t, "alice", "sentiment")
	e.waitTrained(t, "bob", "sentiment")
	assert.Len(t, e.manager.Available(), 2)
}

func TestModelsSurviveReload(t *testing.T) {
	e := newEnv(t, 0)
	e.tag(t, "alice", 10)
	require.NoError(t, e.manager.Train("alice", "sentiment", []string{"sbert"}, "logistic", nil))
	e.waitTrained(t, "alice", "sentiment")

	reloaded, err := NewManager(e.fs, "simplemodels", e.corpus, e.features, e.schemes, e.pool, zaptest.NewLogger(t))
	require.NoError(t, err)
	p, ok := reloaded.Prediction("alice", "sentiment", "e042")
	require.True(t, ok)
	assert.Equal(t, "pos", p.Label)

	require.NoError(t, reloaded.Delete("alice", "sentiment"))
	assert.ErrorIs(t, reloaded.Delete("alice", "sentiment"), apperr.ErrUnknownModel)
}

func TestDropSchemeCancelsTraining(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	Kinds["blocking"] = Kind{Trainer: blockingTrainer{release: release}, Defaults: map[string]float64{}}
	t.Cleanup(func() { delete(Kinds, "blocking") })

	e := newEnv(t, 0)
	e.tag(t, "alice", 10)
	require.NoError(t, e.manager.Train("alice", "sentiment", []string{"sbert"}, "blocking", nil))

	require.NoError(t, e.schemes.DeleteScheme("sentiment"))
	e.manager.DropScheme("sentiment")
	assert.Empty(t, e.manager.Training())

	e.manager.Reconcile()
	assert.Empty(t, e.manager.Available())
	assert.Empty(t, e.manager.Failed())
}

func TestTrainingOfRemovedSchemeIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	Kinds["blocking"] = Kind{Trainer: blockingTrainer{release: release}, Defaults: map[string]float64{}}
	t.Cleanup(func() { delete(Kinds, "blocking") })

	e := newEnv(t, 0)
	e.tag(t, "alice", 10)
	require.NoError(t, e.manager.Train("alice", "sentiment", []string{"sbert"}, "blocking", nil))
	require.NoError(t, e.schemes.DeleteScheme("sentiment"))

	close(release)
	e.waitTrained(t, "alice", "sentiment")
	assert.Empty(t, e.manager.Available())
	_, err := e.manager.Predictions("alice", "sentiment")
	assert.ErrorIs(t, err, apperr.ErrNoModelAvailable)
}

func TestRenameSchemeMovesModels(t *testing.T) {
	release := make(chan struct{})
	Kinds["blocking"] = Kind{Trainer: blockingTrainer{release: release}, Defaults: map[string]float64{}}
	t.Cleanup(func() { delete(Kinds, "blocking") })

	e := newEnv(t, 0)
	e.tag(t, "alice", 10)
	e.tag(t, "bob", 10)
	require.NoError(t, e.manager.Train("alice", "sentiment", []string{"sbert"}, "logistic", nil))
	e.waitTrained(t, "alice", "sentiment")
	require.NoError(t, e.manager.Train("bob", "sentiment", []string{"sbert"}, "blocking", nil))

	require.NoError(t, e.schemes.RenameScheme("sentiment", "polarity"))
	require.NoError(t, e.manager.RenameScheme("sentiment", "polarity"))

	_, err := e.manager.Predictions("alice", "sentiment")
	assert.ErrorIs(t, err, apperr.ErrNoModelAvailable)
	p, ok := e.manager.Prediction("alice", "polarity", "e042")
	require.True(t, ok)
	assert.Equal(t, "pos", p.Label)
	assert.True(t, e.manager.IsTraining("bob", "polarity"))

	close(release)
	e.waitTrained(t, "bob", "polarity")
	var keys []Key
	for _, info := range e.manager.Available() {
		keys = append(keys, info.Key)
	}
	assert.ElementsMatch(t, []Key{{User: "alice", Scheme: "polarity"}, {User: "bob", Scheme: "polarity"}}, keys)

	reloaded, err := NewManager(e.fs, "simplemodels", e.corpus, e.features, e.schemes, e.pool, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = reloaded.Model("alice", "sentiment")
	assert.Error(t, err)
	model, err := reloaded.Model("bob", "polarity")
	require.NoError(t, err)
	assert.Equal(t, Key{User: "bob", Scheme: "polarity"}, model.Key)
}
