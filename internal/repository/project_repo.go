package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"active-tagger/internal/apperr"
)

// Project is a registry row. Params holds the JSON creation parameters.
type Project struct {
	Name      string    `json:"name" db:"name"`
	CreatedBy string    `json:"created_by" db:"created_by"`
	Params    string    `json:"params" db:"params"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type ProjectRepository interface {
	CreateProject(p *Project) error
	GetProject(name string) (*Project, error)
	GetAllProjects() ([]*Project, error)
	DeleteProject(name string) error
}

type projectRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewProjectRepository(db *sqlx.DB, logger *zap.Logger) ProjectRepository {
	return &projectRepository{db: db, logger: logger}
}

func (r *projectRepository) CreateProject(p *Project) error {
	query := r.db.Rebind(`INSERT INTO projects (name, created_by, params, created_at) VALUES (?, ?, ?, ?)`)
	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.Get(&n, r.db.Rebind(`SELECT COUNT(*) FROM projects WHERE name = ?`), p.Name); err != nil {
		return fmt.Errorf("failed to check project: %w", err)
	}
	if n > 0 {
		return apperr.Newf(&apperr.Conflict, apperr.ErrAlreadyExists, "project %q", p.Name)
	}
	if _, err := tx.Exec(query, p.Name, p.CreatedBy, p.Params, p.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return tx.Commit()
}

func (r *projectRepository) GetProject(name string) (*Project, error) {
	var p Project
	err := r.db.Get(&p, r.db.Rebind(`SELECT name, created_by, params, created_at FROM projects WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(&apperr.NotFound, apperr.ErrUnknownProject, "project %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

func (r *projectRepository) GetAllProjects() ([]*Project, error) {
	var out []*Project
	if err := r.db.Select(&out, `SELECT name, created_by, params, created_at FROM projects ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	return out, nil
}

// DeleteProject removes the project row with its schemes, annotations and
// generations.
func (r *projectRepository) DeleteProject(name string) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(r.db.Rebind(`DELETE FROM projects WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.Newf(&apperr.NotFound, apperr.ErrUnknownProject, "project %q", name)
	}
	for _, table := range []string{"schemes", "annotations", "generations"} {
		if _, err := tx.Exec(r.db.Rebind(`DELETE FROM `+table+` WHERE project = ?`), name); err != nil {
			return fmt.Errorf("failed to delete project %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit project deletion: %w", err)
	}
	r.logger.Info("Project rows deleted", zap.String("project", name))
	return nil
}
