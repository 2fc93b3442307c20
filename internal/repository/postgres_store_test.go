package repository_test

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository/repotest"
)

// Runs only against a disposable database: the suite truncates every table.
func TestPostgresStoreConformance(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	repotest.Run(t, func(t *testing.T) repository.Store {
		db, err := sql.Open("postgres", dsn)
		require.NoError(t, err)
		store := repository.NewPostgresStore(db)
		ctx := context.Background()
		require.NoError(t, store.Migrate(ctx))
		// TRUNCATE does not fire the row-level append-only trigger.
		_, err = db.ExecContext(ctx, `TRUNCATE merchants, benefits, redemption_records, benefit_usage RESTART IDENTITY`)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}
