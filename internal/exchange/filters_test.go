package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlignPrice_RoundsToNearestTick(t *testing.T) {
	assert.InDelta(t, 100.10, AlignPrice(100.104, 0.01), 1e-12)
	assert.InDelta(t, 100.11, AlignPrice(100.106, 0.01), 1e-12)
	assert.InDelta(t, 65000.5, AlignPrice(65000.49, 0.5), 1e-12)
	// Zero tick passes through.
	assert.Equal(t, 123.456, AlignPrice(123.456, 0))
}

func TestAlignQty_FloorsToStep(t *testing.T) {
	assert.InDelta(t, 0.003, AlignQty(0.0039, 0.001), 1e-12)
	assert.InDelta(t, 0.003, AlignQty(0.003, 0.001), 1e-12)
	// Decimal math: no float drift on awkward steps.
	assert.InDelta(t, 0.1, AlignQty(0.19999999, 0.1), 1e-12)
}

func TestMeetsMinNotional(t *testing.T) {
	assert.True(t, MeetsMinNotional(0.001, 65000, 5))
	assert.False(t, MeetsMinNotional(0.0001, 40000, 5))
	assert.True(t, MeetsMinNotional(0.0001, 40000, 0))
}

func TestSuggestQty_SmallestPassingQty(t *testing.T) {
	qty := SuggestQty(50000, 0.001, 10)
	assert.InDelta(t, 0.001, qty, 1e-12)
	assert.True(t, MeetsMinNotional(qty, 50000, 10))

	qty = SuggestQty(3000, 0.01, 100)
	assert.InDelta(t, 0.04, qty, 1e-12)
	assert.True(t, MeetsMinNotional(qty, 3000, 100))
}
