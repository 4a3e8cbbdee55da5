package data

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	apperrors "github.com/fairlens/fairlens-worker/internal/errors"

	"github.com/fairlens/fairlens-worker/internal/domain/model"
)

// PromptRepo reads the fixed prompt bank used by automated API test jobs.
type PromptRepo struct {
	DB     *sql.DB
	logger *slog.Logger
}

// NewPromptRepo creates a new PromptRepo backed by the given database.
func NewPromptRepo(db *sql.DB, logger *slog.Logger) *PromptRepo {
	return &PromptRepo{DB: db, logger: logger}
}

// List returns every prompt in the bank in a stable order so repeated runs
// of a job walk the prompts in the same sequence.
func (r *PromptRepo) List(ctx context.Context) ([]model.Prompt, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT category, prompt
		FROM test_prompts
		ORDER BY category, id
	`)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("list prompts: %w", err))
	}
	defer rows.Close()

	var prompts []model.Prompt
	for rows.Next() {
		var p model.Prompt
		if scanErr := rows.Scan(&p.Category, &p.Text); scanErr != nil {
			return nil, fmt.Errorf("scan prompt: %w", scanErr)
		}
		prompts = append(prompts, p)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("list prompts: %w", rowsErr))
	}
	return prompts, nil
}
