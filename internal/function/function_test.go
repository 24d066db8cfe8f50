package function_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/serial-entry/internal/function"
)

func TestIndexLookups(t *testing.T) {
	idx := function.IndexOf([]string{"ItemNumber", "", "Quantity", "Discount", "Quantity"})

	pos, ok := idx.First(function.Quantity)
	require.True(t, ok)
	require.Equal(t, 2, pos)
	require.Equal(t, []int{2, 4}, idx.All(function.Quantity))

	_, ok = idx.First(function.UnitPrice)
	require.False(t, ok)
	require.False(t, idx.Has(""))
}

func TestPricingTriggers(t *testing.T) {
	require.True(t, function.Quantity.IsPricingTrigger())
	require.True(t, function.UnitPrice.IsPricingTrigger())
	require.True(t, function.Name("RebateCustomer").IsPricingTrigger())
	require.False(t, function.Discount.IsPricingTrigger())
}

func TestTier(t *testing.T) {
	n, ok := function.Name("BulkVolumePrice2").Tier(function.BulkVolumePricePrefix)
	require.True(t, ok)
	require.Equal(t, 2, n)

	_, ok = function.Name("BulkVolumePrice").Tier(function.BulkVolumePricePrefix)
	require.False(t, ok)
	_, ok = function.Name("UnitPrice").Tier(function.BulkVolumePricePrefix)
	require.False(t, ok)
}

func TestWithPrefix(t *testing.T) {
	idx := function.IndexOf([]string{"Rebate2", "Quantity", "Rebate1"})
	require.Equal(t, []function.Name{"Rebate1", "Rebate2"}, idx.WithPrefix(function.RebatePrefix))
}
