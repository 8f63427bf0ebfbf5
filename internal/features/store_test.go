package features

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"active-tagger/internal/apperr"
	"active-tagger/internal/corpus"
	"active-tagger/internal/jobs"
)

type fixture struct {
	fs     hackpadfs.FS
	corpus *corpus.Corpus
	pool   *jobs.Pool
	store  *Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fsys, err := mem.NewFS()
	require.NoError(t, err)

	elements := []corpus.Element{
		{ID: "a", Text: "the cat sat on the mat"},
		{ID: "b", Text: "a dog barked"},
		{ID: "c", Text: "cat and dog"},
		{ID: "d", Text: "nothing to see"},
	}
	c, err := corpus.New(elements, nil)
	require.NoError(t, err)

	pool := jobs.NewPool(2, zaptest.NewLogger(t))
	t.Cleanup(pool.Close)

	store, err := NewStore(fsys, "features", c, pool, zaptest.NewLogger(t))
	require.NoError(t, err)
	return &fixture{fs: fsys, corpus: c, pool: pool, store: store}
}

// gated returns an extractor that blocks until release is closed
func gated(release <-chan struct{}, fail error) Extractor {
	return ExtractorFunc(func(ctx context.Context, ids, texts []string) (*Table, error) {
		<-release
		if fail != nil {
			return nil, fail
		}
		t := &Table{IDs: ids, Columns: []string{"len"}, Values: make([][]float64, len(ids))}
		for i, text := range texts {
			t.Values[i] = []float64{float64(len(text))}
		}
		return t, nil
	})
}

func (f *fixture) waitReconciled(t *testing.T, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.store.Reconcile()
		st := f.store.Status()
		for _, n := range st.Pending {
			if n == name {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRequestLifecycle(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})

	require.NoError(t, f.store.Request("sbert", gated(release, nil)))
	assert.Equal(t, []string{"sbert"}, f.store.Status().Pending)

	// pending features are skipped by Get but are not unknown
	tbl, err := f.store.Get([]string{"sbert"})
	require.NoError(t, err)
	assert.Empty(t, tbl.Columns)

	// nothing finished: reconcile is a no-op
	before := f.store.Status()
	assert.True(t, f.store.Reconcile().Empty())
	assert.Equal(t, before, f.store.Status())

	close(release)
	f.waitReconciled(t, "sbert")

	st := f.store.Status()
	assert.Equal(t, []string{"sbert"}, st.Available)
	assert.Empty(t, st.Pending)

	tbl, err = f.store.Get([]string{"sbert"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sbert__len"}, tbl.Columns)
	assert.Equal(t, f.corpus.IDs(), tbl.IDs)
	assert.Equal(t, []float64{22}, tbl.Values[0])

	// applying again is a no-op
	assert.True(t, f.store.Reconcile().Empty())

	err = f.store.Request("sbert", gated(release, nil))
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)
}

func TestRequestTwiceIsAlreadyPending(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, f.store.Request("fasttext", gated(release, nil)))
	err := f.store.Request("fasttext", gated(release, nil))
	require.Error(t, err)
	assert.True(t, apperr.Conflict.Has(err))
	assert.ErrorIs(t, err, apperr.ErrAlreadyPending)

	err = f.store.Delete("fasttext")
	assert.ErrorIs(t, err, apperr.ErrStillPending)
}

func TestFailedFeature(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	close(release)

	require.NoError(t, f.store.Request("broken", gated(release, errors.New("out of memory"))))
	f.waitReconciled(t, "broken")

	st := f.store.Status()
	assert.Empty(t, st.Available)
	assert.Contains(t, st.Failed["broken"], "out of memory")

	_, err := f.store.Get([]string{"broken"})
	assert.ErrorIs(t, err, apperr.ErrUnknownFeature)

	// a new request clears the failure
	require.NoError(t, f.store.Request("broken", gated(release, nil)))
	assert.Empty(t, f.store.Status().Failed)
	f.waitReconciled(t, "broken")
	assert.Equal(t, []string{"broken"}, f.store.Status().Available)
}

func TestGetAndDelete(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.Get(nil)
	assert.True(t, apperr.InvalidInput.Has(err))

	_, err = f.store.Get([]string{"missing"})
	assert.True(t, apperr.NotFound.Has(err))

	require.NoError(t, f.store.AddRegex("cats", `\bcat\b`))
	tbl, err := f.store.Get([]string{"cats"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1}, {0}, {1}, {0}}, tbl.Values)

	err = f.store.AddRegex("bad", `(`)
	assert.True(t, apperr.InvalidInput.Has(err))

	require.NoError(t, f.store.Delete("cats"))
	assert.Empty(t, f.store.Status().Available)
	assert.ErrorIs(t, f.store.Delete("cats"), apperr.ErrUnknownFeature)
}

func TestReload(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.AddRegex("dogs", "dog"))

	// a result that landed after the previous process stopped
	kw, err := NewKeywordExtractor([]string{"cat", "dog"})
	require.NoError(t, err)
	tbl, err := kw.Extract(context.Background(), f.corpus.IDs(), f.corpus.Texts())
	require.NoError(t, err)
	data, err := encodeTable(tbl)
	require.NoError(t, err)
	require.NoError(t, jobs.WriteArtifact(f.fs, "features/keywords"+pendingExt, data))

	reloaded, err := NewStore(f.fs, "features", f.corpus, f.pool, zaptest.NewLogger(t))
	require.NoError(t, err)
	st := reloaded.Status()
	assert.Equal(t, []string{"dogs"}, st.Available)
	assert.Equal(t, []string{"keywords"}, st.Pending)

	report := reloaded.Reconcile()
	assert.Equal(t, []string{"keywords"}, report.Features)

	got, err := reloaded.Get([]string{"keywords"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 0}, {0, 1}, {1, 1}, {0, 0}}, got.Values)
}

func TestProjection(t *testing.T) {
	f := newFixture(t)
	tbl := &Table{IDs: f.corpus.IDs(), Columns: []string{"x", "y", "z"}, Values: make([][]float64, 4)}
	for i := range tbl.Values {
		tbl.Values[i] = []float64{float64(i), float64(2 * i), 1}
	}
	require.NoError(t, f.store.Add("emb", tbl))

	_, err := f.store.Coordinates("alice")
	assert.True(t, apperr.Unavailable.Has(err))

	err = f.store.RequestProjection("alice", "tsne-ish", nil, []string{"emb"})
	assert.True(t, apperr.InvalidInput.Has(err))

	require.NoError(t, f.store.RequestProjection("alice", "pca", nil, []string{"emb"}))
	require.Eventually(t, func() bool {
		f.store.Reconcile()
		return f.store.Projections()["alice"].Status == "computed"
	}, 2*time.Second, 5*time.Millisecond)

	coords, err := f.store.Coordinates("alice")
	require.NoError(t, err)
	require.Len(t, coords, 4)
	// points on a line keep their spread on the first axis
	assert.InDelta(t, 0, coords["a"][0]+coords["d"][0], 1e-6, fmt.Sprint(coords))
}

// waitingProjector blocks until its job is cancelled
type waitingProjector struct {
	started   chan struct{}
	cancelled chan struct{}
}

func (w waitingProjector) Project(ctx context.Context, t *Table, params map[string]float64) (*Table, error) {
	close(w.started)
	<-ctx.Done()
	close(w.cancelled)
	return nil, ctx.Err()
}

func TestReplacedProjectionIsCancelled(t *testing.T) {
	f := newFixture(t)
	tbl := &Table{IDs: f.corpus.IDs(), Columns: []string{"x", "y"}, Values: [][]float64{{0, 1}, {1, 0}, {2, 2}, {3, 1}}}
	require.NoError(t, f.store.Add("emb", tbl))

	w := waitingProjector{started: make(chan struct{}), cancelled: make(chan struct{})}
	Projectors["waiting"] = w
	t.Cleanup(func() { delete(Projectors, "waiting") })

	require.NoError(t, f.store.RequestProjection("alice", "waiting", nil, []string{"emb"}))
	<-w.started
	assert.Equal(t, "computing", f.store.Projections()["alice"].Status)

	require.NoError(t, f.store.RequestProjection("alice", "pca", nil, []string{"emb"}))
	select {
	case <-w.cancelled:
	default:
		t.Fatal("replaced projection still running")
	}

	require.Eventually(t, func() bool {
		f.store.Reconcile()
		return f.store.Projections()["alice"].Status == "computed"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "pca", f.store.Projections()["alice"].Method)
}

func TestCloseCancelsJobs(t *testing.T) {
	f := newFixture(t)
	started, cancelled := make(chan struct{}), make(chan struct{})
	ex := ExtractorFunc(func(ctx context.Context, ids, texts []string) (*Table, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	require.NoError(t, f.store.Request("slow", ex))
	<-started

	f.store.Close()
	select {
	case <-cancelled:
	default:
		t.Fatal("pending feature still running")
	}
}

func TestTSNESeparatesClusters(t *testing.T) {
	var ids []string
	var values [][]float64
	for i := 0; i < 20; i++ {
		offset := 0.0
		if i >= 10 {
			offset = 50
		}
		ids = append(ids, fmt.Sprintf("e%02d", i))
		values = append(values, []float64{offset + float64(i%10)*0.1, offset - float64(i%3)*0.1, offset})
	}
	tbl := &Table{IDs: ids, Columns: []string{"a", "b", "c"}, Values: values}

	out, err := TSNE{}.Project(context.Background(), tbl, map[string]float64{"perplexity": 5, "iterations": 300, "seed": 1})
	require.NoError(t, err)
	require.Len(t, out.Values, 20)
	assert.Equal(t, []string{"x", "y"}, out.Columns)

	centroid := func(rows [][]float64) [2]float64 {
		var c [2]float64
		for _, r := range rows {
			c[0] += r[0] / float64(len(rows))
			c[1] += r[1] / float64(len(rows))
		}
		return c
	}
	dist := func(a [2]float64, b []float64) float64 {
		return math.Hypot(a[0]-b[0], a[1]-b[1])
	}
	left, right := centroid(out.Values[:10]), centroid(out.Values[10:])
	between := math.Hypot(left[0]-right[0], left[1]-right[1])
	for i, row := range out.Values {
		own, other := left, right
		if i >= 10 {
			own, other = right, left
		}
		assert.Less(t, dist(own, row), dist(other, row), "element %d", i)
	}
	assert.Greater(t, between, 0.0)

	_, err = TSNE{}.Project(context.Background(), &Table{}, nil)
	assert.True(t, apperr.InvalidInput.Has(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = TSNE{}.Project(ctx, tbl, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeywordExtractor(t *testing.T) {
	kw, err := NewKeywordExtractor([]string{"Cat", "dog", "cat", " "})
	require.NoError(t, err)

	tbl, err := kw.Extract(context.Background(), []string{"a", "b"}, []string{"Cat cat concatenate DOG", "hotdog stand"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, tbl.Columns)
	assert.Equal(t, [][]float64{{2, 1}, {0, 0}}, tbl.Values)

	_, err = NewKeywordExtractor([]string{"", "  "})
	assert.True(t, apperr.InvalidInput.Has(err))
}
