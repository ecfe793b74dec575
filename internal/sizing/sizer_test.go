package sizing

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func leg(price, size string) domain.Leg {
	return domain.Leg{
		Side:       domain.OrderSideBuy,
		LimitPrice: d(price),
		Cost:       d(price),
		VenueSize:  d(size),
	}
}

func opp(legs ...domain.Leg) domain.ArbitrageOpportunity {
	cost := decimal.Zero
	for _, l := range legs {
		cost = cost.Add(l.Cost)
	}
	return domain.ArbitrageOpportunity{
		ID:              "opp-1",
		LinkedSetID:     "set-1",
		ImpliedCost:     cost,
		TheoreticalEdge: decimal.NewFromInt(1).Sub(cost),
		Legs:            legs,
	}
}

func bank(avail string) domain.BankrollSnapshot {
	return domain.BankrollSnapshot{Available: d(avail)}
}

func defaultSizer() *Sizer {
	return New(Config{
		RiskCeiling:    d("20"),
		MinTradeAmount: d("1"),
		MaxOpenPerSet:  1,
		LotSize:        d("1"),
		MinOrderSize:   d("1"),
		MaxSlippage:    d("0.02"),
	})
}

func TestSizeVenueSizeBound(t *testing.T) {
	orders, skip := defaultSizer().Size(opp(leg("0.46", "15"), leg("0.52", "40")), bank("100"), 0)
	require.Equal(t, SkipNone, skip)
	require.Len(t, orders, 2)
	for i, o := range orders {
		assert.True(t, o.Quantity.Equal(d("15")), "leg %d qty=%s", i, o.Quantity)
		assert.Equal(t, i, o.LegIndex)
		assert.Equal(t, "opp-1", o.OpportunityID)
	}
	assert.True(t, orders[0].LimitPrice.Equal(d("0.46")))
	assert.True(t, Committed(orders).Equal(d("14.7")), "committed=%s", Committed(orders))
}

func TestSizeCeilingBound(t *testing.T) {
	orders, skip := defaultSizer().Size(opp(leg("0.46", "500"), leg("0.52", "500")), bank("100"), 0)
	require.Equal(t, SkipNone, skip)
	// 20 / 0.98 = 20.4 -> 20
	assert.True(t, orders[0].Quantity.Equal(d("20")), "qty=%s", orders[0].Quantity)
	assert.True(t, Committed(orders).LessThanOrEqual(d("20")))
}

func TestSizeCeilingLimitedByAvailableBankroll(t *testing.T) {
	orders, skip := defaultSizer().Size(opp(leg("0.46", "500"), leg("0.52", "500")), bank("10"), 0)
	require.Equal(t, SkipNone, skip)
	assert.True(t, orders[0].Quantity.Equal(d("10")), "qty=%s", orders[0].Quantity)
}

func TestSizeRiskFraction(t *testing.T) {
	s := New(Config{
		RiskCeiling:    d("50"),
		RiskFraction:   d("0.1"),
		MinTradeAmount: d("1"),
		LotSize:        d("0.01"),
	})
	orders, skip := s.Size(opp(leg("0.40", "500"), leg("0.50", "500")), bank("100"), 0)
	require.Equal(t, SkipNone, skip)
	// ceiling = min(100, 50, 10) = 10; 10 / 0.9 = 11.11
	assert.True(t, orders[0].Quantity.Equal(d("11.11")), "qty=%s", orders[0].Quantity)
}

func TestSizeSkips(t *testing.T) {
	s := defaultSizer()

	_, skip := s.Size(opp(leg("0.46", "15"), leg("0.52", "40")), bank("0.5"), 0)
	assert.Equal(t, SkipLowBankroll, skip)

	_, skip = s.Size(opp(leg("0.46", "15"), leg("0.52", "40")), bank("100"), 1)
	assert.Equal(t, SkipPositionOpen, skip)

	_, skip = s.Size(opp(leg("0.46", "0.4"), leg("0.52", "40")), bank("100"), 0)
	assert.Equal(t, SkipZeroQuantity, skip)

	strict := New(Config{RiskCeiling: d("20"), LotSize: d("1"), MinOrderSize: d("5")})
	_, skip = strict.Size(opp(leg("0.46", "3"), leg("0.52", "40")), bank("100"), 0)
	assert.Equal(t, SkipBelowVenueMinimum, skip)
}

func TestSizeAllowsMoreOpenPositionsWhenConfigured(t *testing.T) {
	s := New(Config{RiskCeiling: d("20"), MaxOpenPerSet: 2, LotSize: d("1")})
	_, skip := s.Size(opp(leg("0.46", "15"), leg("0.52", "40")), bank("100"), 1)
	assert.Equal(t, SkipNone, skip)
}

func TestSizeNeverExceedsCeiling(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	lots := []string{"1", "0.1", "0.01"}
	for i := 0; i < 2000; i++ {
		ceiling := decimal.NewFromFloat(1 + r.Float64()*200).Round(2)
		s := New(Config{
			RiskCeiling:  ceiling,
			RiskFraction: decimal.NewFromFloat(r.Float64()).Round(3),
			LotSize:      d(lots[r.Intn(len(lots))]),
		})
		n := 2 + r.Intn(3)
		legs := make([]domain.Leg, n)
		for j := range legs {
			px := decimal.NewFromFloat(0.01 + r.Float64()*0.3).Round(3)
			size := decimal.NewFromFloat(r.Float64() * 1000).Round(2)
			legs[j] = domain.Leg{LimitPrice: px, Cost: px, VenueSize: size}
		}
		b := domain.BankrollSnapshot{Available: decimal.NewFromFloat(r.Float64() * 1000).Round(2)}

		orders, skip := s.Size(opp(legs...), b, 0)
		if skip != SkipNone {
			continue
		}
		limit := s.Ceiling(b)
		require.True(t, Committed(orders).LessThanOrEqual(limit),
			"iteration %d: committed %s exceeds ceiling %s", i, Committed(orders), limit)
		require.True(t, Committed(orders).LessThanOrEqual(ceiling))
		for j, o := range orders {
			require.True(t, o.Quantity.LessThanOrEqual(legs[j].VenueSize))
		}
	}
}
