// Package pricing holds the offer pricing engine: price tiers, tier list
// operations, the spreadsheet paste parser and the totals calculator. It has
// no persistence or transport dependencies.
package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects which of a line item's two tier lists drives pricing.
type Mode string

const (
	ModeQuantity Mode = "quantity"
	ModeUnit     Mode = "unit"
)

// ModeFor maps an offer's unit-price switch to the tier list it selects.
func ModeFor(useUnitPrices bool) Mode {
	if useUnitPrices {
		return ModeUnit
	}
	return ModeQuantity
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeQuantity || m == ModeUnit
}

var (
	ErrInvalidQuantity = errors.New("quantity must be a positive number")
	ErrInvalidPrice    = errors.New("price must be a non-negative number")
	ErrEmptyTierList   = errors.New("price list is empty")
	ErrTierOutOfRange  = errors.New("price index out of range")
)

// Tier is one (quantity, price) pairing. Total is fixed at construction and
// never re-derived lazily.
type Tier struct {
	Mode      Mode
	Quantity  string
	Price     decimal.Decimal
	Total     decimal.Decimal
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time

	// set when decoded from JSON without a price or unit_price key
	priceMissing bool
}

// PriceMissing reports whether the tier was decoded without any price key.
func (t Tier) PriceMissing() bool {
	return t.priceMissing
}

// NewTier validates the pairing and computes total = quantity × price.
func NewTier(mode Mode, quantity string, price decimal.Decimal, active bool, now time.Time) (Tier, error) {
	qty, ok := ParseNumber(quantity)
	if !ok || !qty.IsPositive() {
		return Tier{}, fmt.Errorf("%w: %q", ErrInvalidQuantity, quantity)
	}
	if price.IsNegative() {
		return Tier{}, fmt.Errorf("%w: %s", ErrInvalidPrice, price.String())
	}
	return Tier{
		Mode:      mode,
		Quantity:  CanonicalQuantity(quantity),
		Price:     price,
		Total:     qty.Mul(price),
		IsActive:  active,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// QuantityValue returns the numeric tier breakpoint, zero when unparsable.
func (t Tier) QuantityValue() decimal.Decimal {
	qty, _ := ParseNumber(t.Quantity)
	return qty
}

type quantityTierJSON struct {
	Quantity string          `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Total    decimal.Decimal `json:"total"`
	IsActive bool            `json:"is_active"`
}

type unitTierJSON struct {
	Quantity   string          `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalPrice decimal.Decimal `json:"total_price"`
	IsActive   bool            `json:"is_active"`
	CreatedAt  *time.Time      `json:"created_at,omitempty"`
	UpdatedAt  *time.Time      `json:"updated_at,omitempty"`
}

// MarshalJSON emits the quantity-price or unit-price shape depending on Mode.
func (t Tier) MarshalJSON() ([]byte, error) {
	if t.Mode == ModeUnit {
		out := unitTierJSON{
			Quantity:   t.Quantity,
			UnitPrice:  t.Price,
			TotalPrice: t.Total,
			IsActive:   t.IsActive,
		}
		if !t.CreatedAt.IsZero() {
			out.CreatedAt = &t.CreatedAt
		}
		if !t.UpdatedAt.IsZero() {
			out.UpdatedAt = &t.UpdatedAt
		}
		return json.Marshal(out)
	}
	return json.Marshal(quantityTierJSON{
		Quantity: t.Quantity,
		Price:    t.Price,
		Total:    t.Total,
		IsActive: t.IsActive,
	})
}

// UnmarshalJSON accepts either shape. The mode is inferred from the price
// key and may be overridden by the owning list.
func (t *Tier) UnmarshalJSON(data []byte) error {
	var raw struct {
		Quantity   json.RawMessage  `json:"quantity"`
		Price      *decimal.Decimal `json:"price"`
		Total      *decimal.Decimal `json:"total"`
		UnitPrice  *decimal.Decimal `json:"unit_price"`
		TotalPrice *decimal.Decimal `json:"total_price"`
		IsActive   bool             `json:"is_active"`
		CreatedAt  *time.Time       `json:"created_at"`
		UpdatedAt  *time.Time       `json:"updated_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	quantity, err := rawQuantity(raw.Quantity)
	if err != nil {
		return err
	}
	*t = Tier{Mode: ModeQuantity, Quantity: quantity, IsActive: raw.IsActive}
	switch {
	case raw.UnitPrice != nil:
		t.Mode = ModeUnit
		t.Price = *raw.UnitPrice
	case raw.Price != nil:
		t.Price = *raw.Price
	default:
		t.priceMissing = true
	}
	switch {
	case raw.TotalPrice != nil:
		t.Total = *raw.TotalPrice
	case raw.Total != nil:
		t.Total = *raw.Total
	}
	if raw.CreatedAt != nil {
		t.CreatedAt = *raw.CreatedAt
	}
	if raw.UpdatedAt != nil {
		t.UpdatedAt = *raw.UpdatedAt
	}
	return nil
}

// rawQuantity accepts the breakpoint as a JSON string or number.
func rawQuantity(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("pricing: quantity: %w", err)
	}
	return n.String(), nil
}

// Active returns the active tier of the list, if any.
func Active(tiers []Tier) (Tier, int, bool) {
	for i, t := range tiers {
		if t.IsActive {
			return t, i, true
		}
	}
	return Tier{}, -1, false
}

// ActiveTotal returns the active tier's total, or zero for an inactive list.
func ActiveTotal(tiers []Tier) decimal.Decimal {
	if t, _, ok := Active(tiers); ok {
		return t.Total
	}
	return decimal.Zero
}

// AddTier inserts t into a copy of tiers. An active t deactivates every other
// tier. The result is sorted ascending by numeric quantity and, when nothing
// is active afterwards, the lowest-quantity tier becomes active.
func AddTier(tiers []Tier, t Tier) []Tier {
	out := make([]Tier, 0, len(tiers)+1)
	for _, existing := range tiers {
		if t.IsActive {
			existing.IsActive = false
		}
		out = append(out, existing)
	}
	out = append(out, t)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].QuantityValue().LessThan(out[j].QuantityValue())
	})
	if _, _, ok := Active(out); !ok {
		out[0].IsActive = true
	}
	return out
}

// SetActive marks tiers[index] active and every other tier inactive.
func SetActive(tiers []Tier, index int, now time.Time) ([]Tier, error) {
	if len(tiers) == 0 {
		return nil, ErrEmptyTierList
	}
	if index < 0 || index >= len(tiers) {
		return nil, fmt.Errorf("%w: %d (list has %d)", ErrTierOutOfRange, index, len(tiers))
	}
	out := make([]Tier, len(tiers))
	for i, t := range tiers {
		active := i == index
		if t.IsActive != active {
			t.UpdatedAt = now
		}
		t.IsActive = active
		out[i] = t
	}
	return out, nil
}

// Normalize returns a copy of tiers carrying mode with exactly one active
// tier: the first one flagged active is kept, and when none is flagged the
// first tier is activated. An empty list stays empty.
func Normalize(tiers []Tier, mode Mode) []Tier {
	if len(tiers) == 0 {
		return nil
	}
	out := make([]Tier, len(tiers))
	seen := false
	for i, t := range tiers {
		t.Mode = mode
		if t.IsActive {
			if seen {
				t.IsActive = false
			}
			seen = true
		}
		out[i] = t
	}
	if !seen {
		out[0].IsActive = true
	}
	return out
}

// CountActive reports how many tiers are flagged active.
func CountActive(tiers []Tier) int {
	n := 0
	for _, t := range tiers {
		if t.IsActive {
			n++
		}
	}
	return n
}
