package pricing

import (
	"github.com/shopspring/decimal"
)

// DefaultTaxRate is the VAT rate applied to every offer.
var DefaultTaxRate = decimal.RequireFromString("0.19")

var hundred = decimal.NewFromInt(100)

// Line is the pricing-relevant projection of an offer line item.
type Line struct {
	IsComponent    bool
	LineTotal      decimal.Decimal
	BasePrice      decimal.NullDecimal
	BaseQuantity   *string
	QuantityPrices []Tier
	UnitPrices     []Tier
}

// Tiers returns the list selected by mode.
func (l Line) Tiers(mode Mode) []Tier {
	if mode == ModeUnit {
		return l.UnitPrices
	}
	return l.QuantityPrices
}

// Config carries the offer-level pricing inputs.
type Config struct {
	UseUnitPrices      bool
	DiscountPercentage decimal.Decimal
	DiscountAmount     decimal.Decimal
	ShippingCost       decimal.NullDecimal
	// TaxRate falls back to DefaultTaxRate when unset.
	TaxRate            decimal.NullDecimal
}

// Totals is the result of a calculator run. LineTotals is indexed like the
// input lines; components keep their stored value. Changed marks lines whose
// total was newly derived and must be persisted.
type Totals struct {
	LineTotals     []decimal.Decimal
	Changed        []bool
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	ShippingCost   decimal.Decimal
	TaxableAmount  decimal.Decimal
	TaxAmount      decimal.Decimal
	TotalAmount    decimal.Decimal
}

// ResolveLineTotal derives a non-component line's total. A non-zero stored
// total is trusted; otherwise base price × base quantity is used when both are
// present, and finally the active tier of the selected list.
func ResolveLineTotal(line Line, mode Mode) (decimal.Decimal, bool) {
	if !line.LineTotal.IsZero() {
		return line.LineTotal, false
	}
	if line.BasePrice.Valid && line.BaseQuantity != nil {
		if qty, ok := ParseNumber(*line.BaseQuantity); ok {
			total := line.BasePrice.Decimal.Mul(qty)
			return total, !total.Equal(line.LineTotal)
		}
	}
	if tier, _, ok := Active(line.Tiers(mode)); ok {
		return tier.Total, !tier.Total.Equal(line.LineTotal)
	}
	return line.LineTotal, false
}

// Calculate re-derives line totals and the offer rollups:
//
//	subtotal = Σ line totals of non-component lines
//	discount = subtotal × pct / 100 when pct > 0, else the stored amount
//	taxable  = subtotal − discount + shipping
//	tax      = taxable × rate
//	total    = taxable + tax
//
// Subtotal and discount are rounded to two places before they feed the later
// steps so stored values satisfy total = round2((subtotal − discount +
// shipping) × (1 + rate)). Calculate is idempotent.
func Calculate(cfg Config, lines []Line) Totals {
	mode := ModeFor(cfg.UseUnitPrices)
	rate := DefaultTaxRate
	if cfg.TaxRate.Valid {
		rate = cfg.TaxRate.Decimal
	}

	out := Totals{
		LineTotals: make([]decimal.Decimal, len(lines)),
		Changed:    make([]bool, len(lines)),
	}
	subtotal := decimal.Zero
	for i, line := range lines {
		if line.IsComponent {
			out.LineTotals[i] = line.LineTotal
			continue
		}
		total, changed := ResolveLineTotal(line, mode)
		out.LineTotals[i] = total
		out.Changed[i] = changed
		subtotal = subtotal.Add(total)
	}

	// a 100.0049 subtotal totals 119.00 here, not 119.01
	out.Subtotal = Round2(subtotal)
	if cfg.DiscountPercentage.IsPositive() {
		out.DiscountAmount = Round2(out.Subtotal.Mul(cfg.DiscountPercentage).Div(hundred))
	} else {
		out.DiscountAmount = cfg.DiscountAmount
	}
	if cfg.ShippingCost.Valid {
		out.ShippingCost = cfg.ShippingCost.Decimal
	} else {
		out.ShippingCost = decimal.Zero
	}
	out.TaxableAmount = out.Subtotal.Sub(out.DiscountAmount).Add(out.ShippingCost)
	tax := out.TaxableAmount.Mul(rate)
	out.TaxAmount = Round2(tax)
	out.TotalAmount = Round2(out.TaxableAmount.Add(tax))
	return out
}
