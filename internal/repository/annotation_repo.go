package repository

import (
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"active-tagger/internal/models"
	"active-tagger/internal/schemes"
)

// AnnotationRepository stores the schemes, the annotation log and the
// generations of projects
type AnnotationRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewAnnotationRepository creates a new repository
func NewAnnotationRepository(db *sqlx.DB, logger *zap.Logger) *AnnotationRepository {
	return &AnnotationRepository{db: db, logger: logger}
}

type schemeRow struct {
	Name   string `db:"name"`
	Labels string `db:"labels"`
}

// LoadSchemes returns the schemes of project in creation order and its
// annotation log in append order
func (r *AnnotationRepository) LoadSchemes(project string) ([]schemes.Scheme, []models.Annotation, error) {
	var rows []schemeRow
	err := r.db.Select(&rows, r.db.Rebind(`SELECT name, labels FROM schemes WHERE project = ? ORDER BY position`), project)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query schemes: %w", err)
	}
	out := make([]schemes.Scheme, 0, len(rows))
	for _, row := range rows {
		sc := schemes.Scheme{Name: row.Name}
		if err := json.Unmarshal([]byte(row.Labels), &sc.Labels); err != nil {
			return nil, nil, fmt.Errorf("failed to decode labels of scheme %s: %w", row.Name, err)
		}
		out = append(out, sc)
	}

	var log []models.Annotation
	err = r.db.Select(&log, r.db.Rebind(`
		SELECT element_id, scheme, user_name, label, action, selection, created_at
		FROM annotations
		WHERE project = ?
		ORDER BY id
	`), project)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query annotations: %w", err)
	}
	return out, log, nil
}

// SaveGeneration records one zero-shot suggestion
func (r *AnnotationRepository) SaveGeneration(project string, g models.Generation) error {
	query := r.db.Rebind(`
		INSERT INTO generations (
			project, element_id, scheme, user_name, label, justification, provider, model, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := r.db.Exec(query, project, g.ElementID, g.Scheme, g.User, g.Label, g.Justification, g.Provider, g.Model, g.Time.UTC())
	if err != nil {
		return fmt.Errorf("failed to save generation: %w", err)
	}
	return nil
}

// GetGenerations returns the latest generations of project, newest first
func (r *AnnotationRepository) GetGenerations(project string, limit int) ([]models.Generation, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.Generation
	err := r.db.Select(&out, r.db.Rebind(`
		SELECT element_id, scheme, user_name, label, justification, provider, model, created_at
		FROM generations
		WHERE project = ?
		ORDER BY id DESC
		LIMIT ?
	`), project, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query generations: %w", err)
	}
	return out, nil
}

// Journal returns the scheme journal of project
func (r *AnnotationRepository) Journal(project string) *Journal {
	return &Journal{repo: r, project: project}
}

// Journal persists the scheme changes of one project
type Journal struct {
	repo    *AnnotationRepository
	project string
}

var _ schemes.Journal = (*Journal)(nil)

func (j *Journal) SaveScheme(s schemes.Scheme) error {
	labels, err := json.Marshal(s.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	db := j.repo.db
	query := db.Rebind(`
		INSERT INTO schemes (project, name, labels, position)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM schemes WHERE project = ?))
		ON CONFLICT (project, name) DO UPDATE SET labels = excluded.labels
	`)
	if _, err := db.Exec(query, j.project, s.Name, string(labels), j.project); err != nil {
		return fmt.Errorf("failed to save scheme: %w", err)
	}
	return nil
}

func (j *Journal) DeleteScheme(name string) error {
	return j.inTx(func(tx *sqlx.Tx) error {
		for _, table := range []string{"schemes", "annotations"} {
			col := "scheme"
			if table == "schemes" {
				col = "name"
			}
			query := tx.Rebind(`DELETE FROM ` + table + ` WHERE project = ? AND ` + col + ` = ?`)
			if _, err := tx.Exec(query, j.project, name); err != nil {
				return fmt.Errorf("failed to delete scheme %s: %w", table, err)
			}
		}
		return nil
	})
}

func (j *Journal) RenameScheme(from, to string) error {
	return j.inTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(tx.Rebind(`UPDATE schemes SET name = ? WHERE project = ? AND name = ?`), to, j.project, from); err != nil {
			return fmt.Errorf("failed to rename scheme: %w", err)
		}
		if _, err := tx.Exec(tx.Rebind(`UPDATE annotations SET scheme = ? WHERE project = ? AND scheme = ?`), to, j.project, from); err != nil {
			return fmt.Errorf("failed to rename scheme annotations: %w", err)
		}
		return nil
	})
}

func (j *Journal) Append(a models.Annotation) error {
	query := j.repo.db.Rebind(`
		INSERT INTO annotations (project, element_id, scheme, user_name, label, action, selection, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := j.repo.db.Exec(query, j.project, a.ElementID, a.Scheme, a.User, a.Label, string(a.Action), string(a.Selection), a.Time.UTC())
	if err != nil {
		return fmt.Errorf("failed to append annotation: %w", err)
	}
	return nil
}

func (j *Journal) inTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := j.repo.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
