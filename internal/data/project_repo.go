package data

import (
	"context"
	"database/sql"
	"fmt"

	apperrors "github.com/fairlens/fairlens-worker/internal/errors"
)

// ProjectRepo answers project ownership checks against the projects table.
type ProjectRepo struct {
	DB *sql.DB
}

// NewProjectRepo creates a new ProjectRepo backed by the given database.
func NewProjectRepo(db *sql.DB) *ProjectRepo {
	return &ProjectRepo{DB: db}
}

// OwnedBy reports whether the project exists and belongs to the given user.
func (r *ProjectRepo) OwnedBy(ctx context.Context, projectID, userID string) (bool, error) {
	var owned bool
	err := r.DB.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM projects
			WHERE id = $1 AND user_id = $2
		)
	`, projectID, userID).Scan(&owned)
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("project ownership check: %w", err))
	}
	return owned, nil
}
