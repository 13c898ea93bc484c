package main

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemsFlag(t *testing.T) {
	var items itemsFlag
	require.NoError(t, items.Set("A:2:5"))
	require.NoError(t, items.Set("B:1:10.25"))

	require.Len(t, items, 2)
	assert.Equal(t, "A", items[0].ProductID)
	assert.Equal(t, 2, items[0].Quantity)
	assert.True(t, items[1].UnitPrice.Equal(decimal.RequireFromString("10.25")))
	assert.Equal(t, "A:2:5,B:1:10.25", items.String())

	assert.Error(t, items.Set("A:2"))
	assert.Error(t, items.Set("A:two:5"))
	assert.Error(t, items.Set("A:2:five"))
	assert.Len(t, items, 2)
}
