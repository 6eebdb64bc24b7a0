package offers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradedesk/tradedesk/internal/pricing"
)

// CreateOfferRequest carries the optional configuration for a new offer.
type CreateOfferRequest struct {
	Title                   *string          `json:"title,omitempty" validate:"omitempty,max=255"`
	Description             *string          `json:"description,omitempty"`
	ValidUntil              *time.Time       `json:"valid_until,omitempty"`
	PaymentTerms            *string          `json:"payment_terms,omitempty"`
	DeliveryTerms           *string          `json:"delivery_terms,omitempty"`
	Notes                   *string          `json:"notes,omitempty"`
	DeliveryAddress         *string          `json:"delivery_address,omitempty"`
	AssemblyName            *string          `json:"assembly_name,omitempty" validate:"omitempty,max=255"`
	AssemblyDescription     *string          `json:"assembly_description,omitempty"`
	Currency                *Currency        `json:"currency,omitempty" validate:"omitempty,oneof=RMB HKD EUR USD"`
	DiscountPercentage      *decimal.Decimal `json:"discount_percentage,omitempty"`
	DiscountAmount          *decimal.Decimal `json:"discount_amount,omitempty"`
	ShippingCost            *decimal.Decimal `json:"shipping_cost,omitempty"`
	UseUnitPrices           *bool            `json:"use_unit_prices,omitempty"`
	UnitPriceDecimalPlaces  *int32           `json:"unit_price_decimal_places,omitempty" validate:"omitempty,gte=0,lte=6"`
	TotalPriceDecimalPlaces *int32           `json:"total_price_decimal_places,omitempty" validate:"omitempty,gte=0,lte=6"`
}

// UpdateOfferRequest patches offer header fields. Nil fields are left alone.
type UpdateOfferRequest struct {
	CreateOfferRequest
}

// pricingChanged reports whether the patch touches a calculator input.
func (r UpdateOfferRequest) pricingChanged() bool {
	return r.DiscountPercentage != nil || r.DiscountAmount != nil || r.ShippingCost != nil || r.UseUnitPrices != nil
}

// LineItemInput patches one line item. Price lists, when present, replace the
// stored list wholesale.
type LineItemInput struct {
	ItemName         *string          `json:"item_name,omitempty" validate:"omitempty,min=1,max=255"`
	Material         *string          `json:"material,omitempty"`
	Specification    *string          `json:"specification,omitempty"`
	Description      *string          `json:"description,omitempty"`
	Weight           *decimal.Decimal `json:"weight,omitempty"`
	Width            *decimal.Decimal `json:"width,omitempty"`
	Height           *decimal.Decimal `json:"height,omitempty"`
	Length           *decimal.Decimal `json:"length,omitempty"`
	BaseQuantity     *string          `json:"base_quantity,omitempty"`
	BasePrice        *decimal.Decimal `json:"base_price,omitempty"`
	QuantityPrices   *[]pricing.Tier  `json:"quantity_prices,omitempty"`
	UnitPrices       *[]pricing.Tier  `json:"unit_prices,omitempty"`
	PurchasePrice    *decimal.Decimal `json:"purchase_price,omitempty"`
	PurchaseCurrency *string          `json:"purchase_currency,omitempty" validate:"omitempty,max=8"`
	Comment          *string          `json:"comment,omitempty"`
	ExtraNote        *string          `json:"extra_note,omitempty"`
	IsEstimated      *bool            `json:"is_estimated,omitempty"`
}

// BulkLineItemInput updates the line item with ID, or appends a new one when ID is nil.
type BulkLineItemInput struct {
	ID *int64 `json:"id,omitempty"`
	LineItemInput
}

// BulkLineItemsRequest is the body of the bulk update endpoint.
type BulkLineItemsRequest struct {
	Items []BulkLineItemInput `json:"items" validate:"required,min=1,dive"`
}

// ItemError reports one rejected entry of a bulk operation.
type ItemError struct {
	Index   int    `json:"index"`
	ItemID  *int64 `json:"item_id,omitempty"`
	Message string `json:"message"`
}

// BulkResult is the outcome of a best effort bulk update.
type BulkResult struct {
	Offer  *Offer      `json:"offer"`
	Errors []ItemError `json:"errors,omitempty"`
}

// AddPriceRequest adds one tier to a line item.
type AddPriceRequest struct {
	Quantity flexString        `json:"quantity" validate:"required"`
	Price    *decimal.Decimal `json:"price" validate:"required"`
	IsActive bool             `json:"is_active"`
	// Mode defaults to the offer's current mode.
	Mode *pricing.Mode `json:"mode,omitempty" validate:"omitempty,oneof=quantity unit"`
}

// SetActivePriceRequest selects a tier of the list the offer currently uses.
type SetActivePriceRequest struct {
	Index *int `json:"index" validate:"required,gte=0"`
}

// PasteRequest carries spreadsheet text copied from the clipboard.
type PasteRequest struct {
	Text string `json:"text" validate:"required"`
}

// PasteResult summarises a paste operation.
type PasteResult struct {
	Offer        *Offer `json:"offer"`
	Rows         int    `json:"rows"`
	Applied      int    `json:"applied"`
	Unchanged    int    `json:"unchanged"`
	IgnoredRows  int    `json:"ignored_rows"`
	SkippedPairs int    `json:"skipped_pairs"`
}

type StatusRequest struct {
	Status Status `json:"status" validate:"required"`
}

// ListFilter narrows offer listings.
type ListFilter struct {
	InquiryID  *int64
	CustomerID *int64
	Status     *Status
	Search     string
	Page       int
	PerPage    int
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	*f = flexString(n.String())
	return nil
}
