package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Tick(time.Second)
	m.Skip("no_edge")
	m.OrderTerminal("filled")
	m.Bankroll(decimal.NewFromInt(1), decimal.Zero)
}

func TestCollectorsUpdate(t *testing.T) {
	m := New()
	m.Skip("no_edge")
	m.Skip("no_edge")
	m.Skip("")
	m.Opportunity("complementary", "buy")
	m.Bankroll(decimal.RequireFromString("85.3"), decimal.RequireFromString("14.7"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tickSkips.WithLabelValues("no_edge")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.opportunities.WithLabelValues("complementary", "buy")))
	assert.InDelta(t, 85.3, testutil.ToFloat64(m.available), 1e-9)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "windowarb_bankroll_exposure 14.7"))
}
