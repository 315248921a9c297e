package exchange

import (
	"testing"

	"github.com/cockroachdb/apd/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradewire/pkg/core"
)

func reqDec(t *testing.T, s string) apd.Decimal {
	t.Helper()
	var d apd.Decimal
	_, _, err := d.SetString(s)
	require.NoError(t, err)
	return d
}

func validLimitOrder(t *testing.T) *OrderRequest {
	return &OrderRequest{
		Symbol:        "BTC-USD",
		Side:          core.SideBuy,
		Type:          core.TypeLimit,
		Price:         reqDec(t, "42000.50"),
		Quantity:      reqDec(t, "0.001"),
		TimeInForce:   core.GTC,
		ClientOrderID: "client-1",
	}
}

func TestOrderRequestValidateAccepts(t *testing.T) {
	assert.NoError(t, validLimitOrder(t).Validate())

	market := validLimitOrder(t)
	market.Type = core.TypeMarket
	market.Price = apd.Decimal{}
	assert.NoError(t, market.Validate(), "market orders need no price")
}

func TestOrderRequestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*OrderRequest)
	}{
		{"missing symbol", func(r *OrderRequest) { r.Symbol = "" }},
		{"zero quantity", func(r *OrderRequest) { r.Quantity = apd.Decimal{} }},
		{"negative quantity", func(r *OrderRequest) { r.Quantity = reqDec(t, "-1") }},
		{"limit without price", func(r *OrderRequest) { r.Price = apd.Decimal{} }},
		{"stop limit without stop price", func(r *OrderRequest) { r.Type = core.TypeStopLossLimit }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validLimitOrder(t)
			tt.mutate(req)
			err := req.Validate()
			require.Error(t, err)
			assert.True(t, core.IsRejected(err))
			assert.False(t, core.IsRetryable(err))
		})
	}
}

func TestApplyOptions(t *testing.T) {
	opts := ApplyOptions(
		WithLimit(100),
		WithInterval("1m"),
		WithBefore("cursor-a"),
		WithAfter("cursor-b"),
	)

	assert.Equal(t, 100, opts.Limit)
	assert.Equal(t, "1m", opts.Interval)
	assert.Equal(t, "cursor-a", opts.Before)
	assert.Equal(t, "cursor-b", opts.After)
}
