package schemes

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"active-tagger/internal/apperr"
	"active-tagger/internal/corpus"
	"active-tagger/internal/models"
)

type recordingJournal struct {
	schemes map[string]Scheme
	log     []models.Annotation
	fail    error
}

func (j *recordingJournal) SaveScheme(s Scheme) error {
	if j.fail != nil {
		return j.fail
	}
	j.schemes[s.Name] = s
	return nil
}

func (j *recordingJournal) DeleteScheme(name string) error {
	delete(j.schemes, name)
	return nil
}

func (j *recordingJournal) RenameScheme(from, to string) error {
	s := j.schemes[from]
	s.Name = to
	j.schemes[to] = s
	delete(j.schemes, from)
	return nil
}

func (j *recordingJournal) Append(a models.Annotation) error {
	if j.fail != nil {
		return j.fail
	}
	j.log = append(j.log, a)
	return nil
}

func newCorpus(t *testing.T, n int) *corpus.Corpus {
	t.Helper()
	elements := make([]corpus.Element, n)
	for i := range elements {
		elements[i] = corpus.Element{ID: fmt.Sprintf("e%02d", i), Text: fmt.Sprintf("text %d", i), Test: i%5 == 4}
	}
	c, err := corpus.New(elements, nil)
	require.NoError(t, err)
	return c
}

func newStore(t *testing.T) (*Store, *recordingJournal) {
	t.Helper()
	j := &recordingJournal{schemes: make(map[string]Scheme)}
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewStore(newCorpus(t, 10), zaptest.NewLogger(t), WithJournal(j), WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	require.NoError(t, s.AddScheme("sentiment", []string{"pos", "neg"}))
	return s, j
}

func ids(rows []models.TableRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ElementID
	}
	return out
}

func TestSchemeLifecycle(t *testing.T) {
	s, j := newStore(t)

	err := s.AddScheme("sentiment", nil)
	assert.True(t, apperr.Conflict.Has(err))
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)

	_, err = s.PushTag("e01", "pos", "sentiment", "alice", models.SelectDeterministic)
	require.NoError(t, err)

	require.NoError(t, s.DeleteScheme("sentiment"))
	assert.False(t, s.HasScheme("sentiment"))
	assert.NotContains(t, j.schemes, "sentiment")

	// unknown scheme: success, nothing happens
	require.NoError(t, s.DeleteScheme("sentiment"))

	// a scheme re-created under the same name starts empty
	require.NoError(t, s.AddScheme("sentiment", []string{"pos"}))
	h, err := s.History("sentiment", "")
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestPushTagValidation(t *testing.T) {
	s, _ := newStore(t)

	_, err := s.PushTag("e01", "pos", "topic", "alice", "")
	assert.ErrorIs(t, err, apperr.ErrUnknownScheme)

	_, err = s.PushTag("nope", "pos", "sentiment", "alice", "")
	assert.ErrorIs(t, err, apperr.ErrUnknownElement)

	_, err = s.PushTag("e01", "meh", "sentiment", "alice", "")
	assert.True(t, apperr.InvalidInput.Has(err))
	assert.ErrorIs(t, err, apperr.ErrInvalidLabel)
}

func TestTagThenTable(t *testing.T) {
	s, _ := newStore(t)

	a, err := s.PushTag("e03", "pos", "sentiment", "alice", models.SelectRandom)
	require.NoError(t, err)
	assert.Equal(t, models.ActionAdd, a.Action)

	rows, err := s.Table("sentiment", 0, 0, models.SampleTagged)
	require.NoError(t, err)
	assert.Equal(t, []string{"e03"}, ids(rows))
	assert.Equal(t, "pos", rows[0].Label)

	h1, _ := s.History("sentiment", "e03")

	require.NoError(t, s.DeleteTag("e03", "sentiment", "alice"))
	rows, err = s.Table("sentiment", 0, 0, models.SampleTagged)
	require.NoError(t, err)
	assert.Empty(t, rows)

	h2, _ := s.History("sentiment", "e03")
	assert.GreaterOrEqual(t, len(h2), len(h1))
	assert.Equal(t, "pos", h2[0].Label)
	assert.Equal(t, models.ActionDelete, h2[len(h2)-1].Action)

	rows, err = s.Table("sentiment", 0, 0, models.SampleUntagged)
	require.NoError(t, err)
	assert.Len(t, rows, 10)
}

func TestTableModesAndClamping(t *testing.T) {
	s, _ := newStore(t)
	for _, id := range []string{"e05", "e01", "e07"} {
		_, err := s.PushTag(id, "neg", "sentiment", "bob", "")
		require.NoError(t, err)
	}
	// update keeps one current annotation
	a, err := s.PushTag("e05", "pos", "sentiment", "bob", "")
	require.NoError(t, err)
	assert.Equal(t, models.ActionUpdate, a.Action)

	rows, err := s.Table("sentiment", 0, 0, models.SampleTagged)
	require.NoError(t, err)
	assert.Equal(t, []string{"e01", "e05", "e07"}, ids(rows))

	rows, err = s.Table("sentiment", 0, 100, models.SampleRecent)
	require.NoError(t, err)
	assert.Equal(t, []string{"e05", "e07", "e01"}, ids(rows))

	tests := []struct {
		min, max int
		want     []string
	}{
		{0, 2, []string{"e00", "e02"}},
		{5, 100, []string{"e08", "e09"}},
		{-3, 1, []string{"e00"}},
		{9, 3, []string{}},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%d-%d", tc.min, tc.max), func(t *testing.T) {
			rows, err := s.Table("sentiment", tc.min, tc.max, models.SampleUntagged)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ids(rows))
		})
	}

	_, err = s.Table("sentiment", 0, 0, "weird")
	assert.True(t, apperr.InvalidInput.Has(err))
}

func TestEffectiveLabelAcrossUsers(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.PushTag("e02", "pos", "sentiment", "alice", "")
	require.NoError(t, err)
	_, err = s.PushTag("e02", "neg", "sentiment", "bob", "")
	require.NoError(t, err)

	labeled, err := s.Labeled("sentiment")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"e02": "neg"}, labeled)

	// bob withdraws: alice's label is effective again
	require.NoError(t, s.DeleteTag("e02", "sentiment", "bob"))
	labeled, err = s.Labeled("sentiment")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"e02": "pos"}, labeled)

	current, err := s.Current("sentiment", "e02")
	require.NoError(t, err)
	assert.Len(t, current, 1)
	assert.Contains(t, current, "alice")
}

func TestPushTablePartialFailure(t *testing.T) {
	s, _ := newStore(t)
	result := s.PushTable([]models.TableEdit{
		{ElementID: "e00", Label: "pos", Scheme: "sentiment"},
		{ElementID: "e01", Label: "bogus", Scheme: "sentiment"},
		{ElementID: "missing", Label: "pos", Scheme: "sentiment"},
		{ElementID: "e02", Label: "neg", Scheme: "sentiment"},
	}, "carol")

	assert.Equal(t, 2, result.Applied)
	require.Len(t, result.Failures, 2)
	assert.Equal(t, 1, result.Failures[0].Index)
	assert.Equal(t, "missing", result.Failures[1].ElementID)

	labeled, err := s.Labeled("sentiment")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"e00": "pos", "e02": "neg"}, labeled)
}

func TestLabelsAndOrphans(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.PushTag("e01", "neg", "sentiment", "alice", "")
	require.NoError(t, err)

	require.NoError(t, s.AddLabel("sentiment", "neutral"))
	assert.ErrorIs(t, s.AddLabel("sentiment", "neutral"), apperr.ErrAlreadyExists)

	require.NoError(t, s.DeleteLabel("sentiment", "neg"))
	assert.ErrorIs(t, s.DeleteLabel("sentiment", "neg"), apperr.ErrUnknownLabel)

	// the annotation keeps its stale label
	labeled, err := s.Labeled("sentiment")
	require.NoError(t, err)
	assert.Equal(t, "neg", labeled["e01"])

	orphans, err := s.Orphans("sentiment")
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "e01", orphans[0].ElementID)

	st, err := s.Stats("sentiment", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Orphans)
	assert.Equal(t, 1, st.TaggedByUser)

	// update keeps annotations whose label survives
	require.NoError(t, s.UpdateScheme("sentiment", []string{"pos", "neg"}))
	orphans, err = s.Orphans("sentiment")
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestRenames(t *testing.T) {
	s, j := newStore(t)
	_, err := s.PushTag("e01", "neg", "sentiment", "alice", "")
	require.NoError(t, err)

	require.NoError(t, s.RenameLabel("sentiment", "neg", "negative"))
	labels, err := s.Labels("sentiment")
	require.NoError(t, err)
	assert.Equal(t, []string{"pos", "negative"}, labels)
	labeled, _ := s.Labeled("sentiment")
	assert.Equal(t, "negative", labeled["e01"])

	require.NoError(t, s.AddScheme("topic", []string{"a"}))
	assert.ErrorIs(t, s.RenameScheme("sentiment", "topic"), apperr.ErrAlreadyExists)
	require.NoError(t, s.RenameScheme("sentiment", "polarity"))
	assert.False(t, s.HasScheme("sentiment"))
	h, err := s.History("polarity", "e01")
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, "polarity", h[1].Scheme)
	assert.Contains(t, j.schemes, "polarity")
}

func TestJournalFailureLeavesStateUntouched(t *testing.T) {
	s, j := newStore(t)
	j.fail = errors.New("disk full")

	_, err := s.PushTag("e01", "pos", "sentiment", "alice", "")
	require.Error(t, err)

	labeled, _ := s.Labeled("sentiment")
	assert.Empty(t, labeled)
}

func TestRestoreReplaysLog(t *testing.T) {
	s, j := newStore(t)
	_, err := s.PushTag("e01", "pos", "sentiment", "alice", "")
	require.NoError(t, err)
	_, err = s.PushTag("e02", "neg", "sentiment", "alice", "")
	require.NoError(t, err)
	require.NoError(t, s.DeleteTag("e01", "sentiment", "alice"))

	restored := NewStore(newCorpus(t, 10), zaptest.NewLogger(t))
	restored.Restore([]Scheme{j.schemes["sentiment"]}, j.log)

	labeled, err := restored.Labeled("sentiment")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"e02": "neg"}, labeled)

	h, err := restored.History("sentiment", "")
	require.NoError(t, err)
	assert.Len(t, h, 3)

	recent, err := restored.Recent("sentiment", "alice", 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "e02", recent[0].ElementID)
}
