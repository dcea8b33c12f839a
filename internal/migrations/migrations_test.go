package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFiles_Paired(t *testing.T) {
	names, err := fs.Glob(migrationFiles, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, n := range names {
		switch {
		case strings.HasSuffix(n, ".up.sql"):
			ups[strings.TrimSuffix(n, ".up.sql")] = true
		case strings.HasSuffix(n, ".down.sql"):
			downs[strings.TrimSuffix(n, ".down.sql")] = true
		default:
			t.Errorf("unexpected migration file %s", n)
		}
	}
	assert.Equal(t, ups, downs)
}

func TestMigrationFiles_MatchAdapterColumns(t *testing.T) {
	up, err := fs.ReadFile(migrationFiles, "000001_create_metrics.up.sql")
	require.NoError(t, err)

	for _, col := range []string{
		"name", "precision", "id", "entity_id", "time_bucket", "function",
		"value", "summation", "count", "last_update", "updated_at",
	} {
		assert.Contains(t, string(up), "\n    "+col+" ", col)
	}
	assert.Contains(t, string(up), "PRIMARY KEY (name, precision, id)")
}

func TestLatestVersion(t *testing.T) {
	src, err := iofs.New(migrationFiles, ".")
	require.NoError(t, err)
	defer src.Close()

	latest, err := latestVersion(src)
	require.NoError(t, err)
	assert.Equal(t, uint(1), latest)
}

func TestCheckApplicable(t *testing.T) {
	tests := []struct {
		name        string
		status      Status
		autoMigrate bool
		wantErr     error
		errContains string
	}{
		{name: "fresh database with auto migrate", status: Status{Current: 0, Latest: 1}, autoMigrate: true},
		{name: "up to date without auto migrate", status: Status{Current: 1, Latest: 1}},
		{name: "behind without auto migrate", status: Status{Current: 0, Latest: 1}, wantErr: ErrSchemaBehind},
		{name: "newer than binary", status: Status{Current: 2, Latest: 1}, autoMigrate: true, errContains: "newer than this binary"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkApplicable(tt.status, tt.autoMigrate)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.errContains != "":
				assert.ErrorContains(t, err, tt.errContains)
			default:
				assert.NoError(t, err)
			}
		})
	}
}
