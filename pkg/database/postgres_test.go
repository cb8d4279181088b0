package database

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// TestPostgresStore runs the shared suite against a live server. Set
// HUDDLE_TEST_POSTGRES_URL to a scratch database to enable it; every subtest
// truncates all tables.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("HUDDLE_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("HUDDLE_TEST_POSTGRES_URL not set")
	}

	storeSuite(t, func(t *testing.T) Store {
		ctx := context.Background()
		db, err := OpenPostgres(ctx, url, zaptest.NewLogger(t))
		require.NoError(t, err)
		_, err = db.pool.Exec(ctx, `TRUNCATE group_messages, group_members, chat_groups, direct_messages, accounts RESTART IDENTITY`)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return db
	})
}
