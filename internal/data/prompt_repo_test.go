package data

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairlens/fairlens-worker/internal/testutil"
)

func TestPromptRepo_List(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("empty bank", func(t *testing.T) {
		testutil.WithTestDB(t, func(db *sql.DB) {
			repo := NewPromptRepo(db, nil)

			prompts, err := repo.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, prompts)
		})
	})

	t.Run("returns prompts in stable order", func(t *testing.T) {
		testutil.WithTestDB(t, func(db *sql.DB) {
			_, err := db.ExecContext(context.Background(), `
				INSERT INTO test_prompts (category, prompt) VALUES
					('race', 'prompt r1'),
					('gender', 'prompt g1'),
					('gender', 'prompt g2')
			`)
			require.NoError(t, err)

			repo := NewPromptRepo(db, nil)

			prompts, err := repo.List(context.Background())
			require.NoError(t, err)
			require.Len(t, prompts, 3)

			assert.Equal(t, "gender", prompts[0].Category)
			assert.Equal(t, "prompt g1", prompts[0].Text)
			assert.Equal(t, "gender", prompts[1].Category)
			assert.Equal(t, "prompt g2", prompts[1].Text)
			assert.Equal(t, "race", prompts[2].Category)

			// Re-reading yields the same sequence.
			again, err := repo.List(context.Background())
			require.NoError(t, err)
			assert.Equal(t, prompts, again)
		})
	})
}

func TestProjectRepo_OwnedBy(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithTestDB(t, func(db *sql.DB) {
		_, err := db.ExecContext(context.Background(), `
			INSERT INTO projects (id, user_id, name) VALUES
				('project-1', 'user-1', 'fairness suite')
		`)
		require.NoError(t, err)

		repo := NewProjectRepo(db)

		owned, err := repo.OwnedBy(context.Background(), "project-1", "user-1")
		require.NoError(t, err)
		assert.True(t, owned)

		owned, err = repo.OwnedBy(context.Background(), "project-1", "user-2")
		require.NoError(t, err)
		assert.False(t, owned)

		owned, err = repo.OwnedBy(context.Background(), "missing", "user-1")
		require.NoError(t, err)
		assert.False(t, owned)
	})
}
