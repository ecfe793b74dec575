package postgres

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])

	data, err := migrationsFS.ReadFile("migrations/001_init.sql")
	require.NoError(t, err)
	for _, table := range []string{"orders", "positions", "bankroll", "performance_records", "opportunities"} {
		assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS "+table+" ")
	}
}

func TestOrderColumnsMatchArgs(t *testing.T) {
	cols := strings.Split(orderSelectCols, ",")
	assert.Len(t, orderArgs(domain.Order{}), len(cols))
	assert.Equal(t, len(cols), strings.Count(upsertOrder, "$"))
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{})
	assert.Error(t, err)
}
