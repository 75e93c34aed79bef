package billing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRound2HalfUp(t *testing.T) {
	require.Equal(t, 1.01, Round2(1.005))
	require.Equal(t, 1.0, Round2(1.004))
	require.Equal(t, 0.0, Round2(0))
	require.Equal(t, 1234.57, Round2(1234.565))
	// Classic float trap: 2.675 is stored just below 2.675.
	require.Equal(t, 2.68, Round2(2.675))
	require.Equal(t, 0.58, Round2(0.575))
}

func TestNormalizeClamps(t *testing.T) {
	it := Normalize(LineItem{Quantity: 0, UnitPrice: -5, DiscountPct: 150})
	require.Equal(t, 1.0, it.Quantity)
	require.Equal(t, 0.0, it.UnitPrice)
	require.Equal(t, 100.0, it.DiscountPct)

	it = Normalize(LineItem{Quantity: 2, UnitPrice: 300, DiscountPct: -1})
	require.Equal(t, 2.0, it.Quantity)
	require.Equal(t, 0.0, it.DiscountPct)
}

func TestLineTotalDiscount(t *testing.T) {
	it := Normalize(LineItem{Quantity: 2, UnitPrice: 300, DiscountPct: 10})
	require.Equal(t, 540.0, LineTotal(it))

	// full discount floors at zero
	it = Normalize(LineItem{Quantity: 1, UnitPrice: 100, DiscountPct: 100})
	require.Equal(t, 0.0, LineTotal(it))
}

func TestComputeScenarioA(t *testing.T) {
	items := []LineItem{
		{Type: ItemService, Name: "Full service", Quantity: 1, UnitPrice: 500},
		{Type: ItemPart, Name: "Brake pads", Quantity: 2, UnitPrice: 300},
	}
	out, sum := Compute(items, Summary{TaxRate: 10}, false)

	require.Equal(t, 500.0, out[0].Total)
	require.Equal(t, 600.0, out[1].Total)
	require.Equal(t, 1100.0, sum.Subtotal)
	require.Equal(t, 110.0, sum.TaxAmount)
	require.Equal(t, 1210.0, sum.GrandTotal)
}

func TestComputeApprovedOnly(t *testing.T) {
	items := []LineItem{
		{Type: ItemService, Quantity: 1, UnitPrice: 500, Approved: true},
		{Type: ItemPart, Quantity: 2, UnitPrice: 300},
	}
	_, sum := Compute(items, Summary{TaxRate: 18}, true)
	require.Equal(t, 500.0, sum.Subtotal)
	require.Equal(t, 90.0, sum.TaxAmount)
	require.Equal(t, 590.0, sum.GrandTotal)
}

func TestComputeDiscountFloor(t *testing.T) {
	items := []LineItem{{Type: ItemLabour, Quantity: 1, UnitPrice: 100}}
	_, sum := Compute(items, Summary{Discount: 500, TaxRate: 18}, false)
	require.Equal(t, 100.0, sum.Subtotal)
	require.Equal(t, 0.0, sum.TaxAmount)
	require.Equal(t, 0.0, sum.GrandTotal)
}

func TestComputeIdempotent(t *testing.T) {
	items := []LineItem{
		{Type: ItemPart, Quantity: 3, UnitPrice: 333.33, DiscountPct: 7.5},
		{Type: ItemLabour, Quantity: 2, UnitPrice: 450},
	}
	out1, sum1 := Compute(items, Summary{Discount: 50, TaxRate: 18}, false)
	out2, sum2 := Compute(out1, sum1, false)
	require.Equal(t, sum1, sum2)
	require.Equal(t, out1, out2)
}

func TestGrandTotalInvariant(t *testing.T) {
	cases := [][]LineItem{
		{{Type: ItemService, Quantity: 1, UnitPrice: 999.99, DiscountPct: 33.33}},
		{{Type: ItemPart, Quantity: 7, UnitPrice: 142.857}},
		{{Type: ItemExternal, Quantity: 2, UnitPrice: 0.005}},
	}
	for _, items := range cases {
		_, sum := Compute(items, Summary{Discount: 10, TaxRate: 18}, false)
		after := sum.Subtotal - sum.Discount
		if after < 0 {
			after = 0
		}
		require.Equal(t, Round2(after+sum.TaxAmount), sum.GrandTotal)
	}
}
