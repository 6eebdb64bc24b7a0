package pricing

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

func mustTier(t *testing.T, mode Mode, qty, price string, active bool) Tier {
	t.Helper()
	tier, err := NewTier(mode, qty, dec(price), active, fixedNow)
	require.NoError(t, err)
	return tier
}

func TestNewTierComputesTotal(t *testing.T) {
	tier := mustTier(t, ModeQuantity, "1.000,5", "2", true)

	assert.Equal(t, "1000.5", tier.Quantity)
	assertDecimal(t, "2001", tier.Total)
	assert.True(t, tier.IsActive)
	assert.Equal(t, fixedNow, tier.CreatedAt)
}

func TestNewTierRejectsInvalidInput(t *testing.T) {
	_, err := NewTier(ModeQuantity, "0", dec("1"), false, fixedNow)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = NewTier(ModeQuantity, "abc", dec("1"), false, fixedNow)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = NewTier(ModeUnit, "10", dec("-0.01"), false, fixedNow)
	assert.ErrorIs(t, err, ErrInvalidPrice)

	tier, err := NewTier(ModeUnit, "10", dec("0"), false, fixedNow)
	require.NoError(t, err)
	assertDecimal(t, "0", tier.Total)
}

func TestAddTierKeepsSingleActiveAndSorts(t *testing.T) {
	var tiers []Tier
	tiers = AddTier(tiers, mustTier(t, ModeQuantity, "500", "3", false))
	require.Len(t, tiers, 1)
	assert.True(t, tiers[0].IsActive)

	tiers = AddTier(tiers, mustTier(t, ModeQuantity, "100", "4", false))
	require.Len(t, tiers, 2)
	assert.Equal(t, "100", tiers[0].Quantity)
	assert.Equal(t, "500", tiers[1].Quantity)
	assert.True(t, tiers[1].IsActive)
	assert.Equal(t, 1, CountActive(tiers))

	tiers = AddTier(tiers, mustTier(t, ModeQuantity, "1000", "2.5", true))
	assert.Equal(t, []string{"100", "500", "1000"}, []string{tiers[0].Quantity, tiers[1].Quantity, tiers[2].Quantity})
	assert.Equal(t, 1, CountActive(tiers))
	assertDecimal(t, "2500", ActiveTotal(tiers))
}

func TestAddTierDoesNotMutateInput(t *testing.T) {
	tiers := []Tier{mustTier(t, ModeQuantity, "10", "1", true)}
	_ = AddTier(tiers, mustTier(t, ModeQuantity, "20", "1", true))
	assert.True(t, tiers[0].IsActive)
}

func TestSetActive(t *testing.T) {
	tiers := []Tier{
		mustTier(t, ModeUnit, "1", "10", true),
		mustTier(t, ModeUnit, "10", "8", false),
	}
	later := fixedNow.Add(time.Hour)

	out, err := SetActive(tiers, 1, later)
	require.NoError(t, err)
	assert.False(t, out[0].IsActive)
	assert.True(t, out[1].IsActive)
	assert.Equal(t, later, out[1].UpdatedAt)
	assertDecimal(t, "80", ActiveTotal(out))

	_, err = SetActive(tiers, 2, later)
	assert.ErrorIs(t, err, ErrTierOutOfRange)
	_, err = SetActive(tiers, -1, later)
	assert.ErrorIs(t, err, ErrTierOutOfRange)
	_, err = SetActive(nil, 0, later)
	assert.ErrorIs(t, err, ErrEmptyTierList)
}

func TestNormalize(t *testing.T) {
	assert.Nil(t, Normalize(nil, ModeQuantity))

	none := []Tier{
		mustTier(t, ModeQuantity, "5", "1", false),
		mustTier(t, ModeQuantity, "10", "1", false),
	}
	out := Normalize(none, ModeUnit)
	assert.True(t, out[0].IsActive)
	assert.Equal(t, ModeUnit, out[0].Mode)
	assert.Equal(t, 1, CountActive(out))

	many := []Tier{
		mustTier(t, ModeQuantity, "5", "1", false),
		mustTier(t, ModeQuantity, "10", "1", true),
		mustTier(t, ModeQuantity, "20", "1", true),
	}
	out = Normalize(many, ModeQuantity)
	assert.Equal(t, 1, CountActive(out))
	assert.True(t, out[1].IsActive)
}

func TestActiveOnEmptyList(t *testing.T) {
	_, idx, ok := Active(nil)
	assert.False(t, ok)
	assert.Equal(t, -1, idx)
	assertDecimal(t, "0", ActiveTotal(nil))
}

func TestTierJSONShapes(t *testing.T) {
	qty := mustTier(t, ModeQuantity, "1000", "2.5", true)
	data, err := json.Marshal(qty)
	require.NoError(t, err)
	assert.JSONEq(t, `{"quantity":"1000","price":"2.5","total":"2500","is_active":true}`, string(data))

	unit := mustTier(t, ModeUnit, "10", "1.2", false)
	data, err = json.Marshal(unit)
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, json.Unmarshal(data, &generic))
	assert.Equal(t, "1.2", generic["unit_price"])
	assert.Equal(t, "12", generic["total_price"])
	assert.Contains(t, generic, "created_at")
	assert.NotContains(t, generic, "price")
}

func TestTierUnmarshalAcceptsBothShapes(t *testing.T) {
	var q Tier
	require.NoError(t, json.Unmarshal([]byte(`{"quantity":250,"price":"1.5","total":"375","is_active":true}`), &q))
	assert.Equal(t, ModeQuantity, q.Mode)
	assert.Equal(t, "250", q.Quantity)
	assertDecimal(t, "375", q.Total)
	assert.True(t, q.IsActive)

	var u Tier
	require.NoError(t, json.Unmarshal([]byte(`{"quantity":"5","unit_price":"2","total_price":"10","is_active":false,"created_at":"2024-03-15T09:30:00Z"}`), &u))
	assert.Equal(t, ModeUnit, u.Mode)
	assertDecimal(t, "2", u.Price)
	assert.Equal(t, fixedNow, u.CreatedAt.UTC())
	assert.False(t, q.PriceMissing())
	assert.False(t, u.PriceMissing())

	var bare Tier
	require.NoError(t, json.Unmarshal([]byte(`{"quantity":"100","is_active":true}`), &bare))
	assert.True(t, bare.PriceMissing())
}
