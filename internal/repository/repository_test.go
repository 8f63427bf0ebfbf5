package repository

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"active-tagger/internal/apperr"
	"active-tagger/internal/corpus"
	"active-tagger/internal/models"
	"active-tagger/internal/schemes"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := Open("sqlite", filepath.Join(t.TempDir(), "test.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestProjects(t *testing.T) {
	db := openTestDB(t)
	repo := NewProjectRepository(db, zaptest.NewLogger(t))

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.CreateProject(&Project{Name: "p1", CreatedBy: "alice", Params: `{"col_id":"id"}`, CreatedAt: created}))
	err := repo.CreateProject(&Project{Name: "p1", CreatedBy: "bob", Params: "{}", CreatedAt: created})
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)

	p, err := repo.GetProject("p1")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.CreatedBy)
	assert.True(t, created.Equal(p.CreatedAt))

	all, err := repo.GetAllProjects()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, repo.DeleteProject("p1"))
	_, err = repo.GetProject("p1")
	assert.True(t, apperr.NotFound.Has(err))
	assert.True(t, apperr.NotFound.Has(repo.DeleteProject("p1")))
}

func TestJournalReplay(t *testing.T) {
	db := openTestDB(t)
	repo := NewAnnotationRepository(db, zaptest.NewLogger(t))
	logger := zaptest.NewLogger(t)

	c, err := corpus.New([]corpus.Element{{ID: "a", Text: "x"}, {ID: "b", Text: "y"}}, nil)
	require.NoError(t, err)

	store := schemes.NewStore(c, logger, schemes.WithJournal(repo.Journal("p1")))
	require.NoError(t, store.AddScheme("topic", []string{"sport", "news"}))
	require.NoError(t, store.AddScheme("tone", []string{"calm", "angry"}))
	_, err = store.PushTag("a", "sport", "topic", "alice", models.SelectDeterministic)
	require.NoError(t, err)
	_, err = store.PushTag("a", "news", "topic", "bob", models.SelectRandom)
	require.NoError(t, err)
	_, err = store.PushTag("b", "calm", "tone", "alice", models.SelectDeterministic)
	require.NoError(t, err)
	require.NoError(t, store.DeleteTag("a", "topic", "alice"))
	require.NoError(t, store.RenameScheme("topic", "subject"))
	require.NoError(t, store.AddLabel("subject", "other"))
	require.NoError(t, store.DeleteScheme("tone"))

	// another project does not leak in
	other := schemes.NewStore(c, logger, schemes.WithJournal(repo.Journal("p2")))
	require.NoError(t, other.AddScheme("subject", []string{"x", "y"}))

	saved, log, err := repo.LoadSchemes("p1")
	require.NoError(t, err)
	assert.Equal(t, []schemes.Scheme{{Name: "subject", Labels: []string{"sport", "news", "other"}}}, saved)
	require.Len(t, log, 3)
	assert.Equal(t, models.ActionDelete, log[2].Action)

	restored := schemes.NewStore(c, logger)
	restored.Restore(saved, log)
	want, err := store.Labeled("subject")
	require.NoError(t, err)
	got, err := restored.Labeled("subject")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, map[string]string{"a": "news"}, got)

	history, err := restored.History("subject", "a")
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestGenerations(t *testing.T) {
	db := openTestDB(t)
	repo := NewAnnotationRepository(db, zaptest.NewLogger(t))

	for i, label := range []string{"sport", "news"} {
		require.NoError(t, repo.SaveGeneration("p1", models.Generation{
			ElementID:     "a",
			Scheme:        "topic",
			User:          "alice",
			Label:         label,
			Justification: "mentions a match",
			Provider:      "gemini",
			Model:         "gemini-2.0-flash",
			Time:          time.Date(2024, 3, 1, 12, i, 0, 0, time.UTC),
		}))
	}
	got, err := repo.GetGenerations("p1", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "news", got[0].Label)
	assert.Equal(t, "alice", got[0].User)

	got, err = repo.GetGenerations("p2", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
