package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"creditline/internal/db"
	"creditline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	require.NoError(t, migrate.MigrateContext(ctx, conn))
	require.NoError(t, migrate.MigrateContext(ctx, conn))

	available, err := migrate.Available()
	require.NoError(t, err)
	require.NotEmpty(t, available)

	v, err := migrate.CurrentVersion(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, available[len(available)-1].Version, v)

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT count(*) FROM workflows`).Scan(&n))
	require.Zero(t, n)
}
