package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/windowarb/internal/config"
	"github.com/alanyoungcy/windowarb/internal/store/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWireWithoutBackendsUsesMemory(t *testing.T) {
	cfg := config.Defaults()

	deps, cleanup, err := Wire(context.Background(), &cfg, quietLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.IsType(t, &memory.OrderStore{}, deps.Orders)
	assert.IsType(t, &memory.LedgerStore{}, deps.Ledger)
	assert.IsType(t, &memory.AuditStore{}, deps.Audit)
	assert.IsType(t, &memory.Bus{}, deps.Bus)
	assert.Nil(t, deps.Quotes)
	assert.Nil(t, deps.Locks)
	assert.Nil(t, deps.Archiver)
	assert.NotNil(t, deps.Notifier)
	assert.Empty(t, deps.HealthChecks)
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "backtest"

	a := New(&cfg, quietLogger())
	defer a.Close()
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported mode "backtest"`)
}
