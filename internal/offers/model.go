package offers

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradedesk/tradedesk/internal/pricing"
)

type Status string

const (
	StatusDraft       Status = "Draft"
	StatusSubmitted   Status = "Submitted"
	StatusNegotiation Status = "Negotiation"
	StatusAccepted    Status = "Accepted"
	StatusRejected    Status = "Rejected"
	StatusExpired     Status = "Expired"
	StatusCancelled   Status = "Cancelled"
)

// Statuses lists every status in display order.
var Statuses = []Status{
	StatusDraft, StatusSubmitted, StatusNegotiation, StatusAccepted,
	StatusRejected, StatusExpired, StatusCancelled,
}

func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// expirable are the statuses the expiry sweep moves to Expired.
var expirable = []Status{StatusDraft, StatusSubmitted, StatusNegotiation}

type Currency string

const (
	CurrencyRMB Currency = "RMB"
	CurrencyHKD Currency = "HKD"
	CurrencyEUR Currency = "EUR"
	CurrencyUSD Currency = "USD"
)

func (c Currency) Valid() bool {
	switch c {
	case CurrencyRMB, CurrencyHKD, CurrencyEUR, CurrencyUSD:
		return true
	}
	return false
}

const (
	defaultCurrency                = CurrencyEUR
	defaultUnitPriceDecimalPlaces  = 3
	defaultTotalPriceDecimalPlaces = 2
)

// InquirySnapshot is the frozen copy of the source inquiry taken at creation.
type InquirySnapshot struct {
	ID                    int64               `json:"id"`
	Name                  string              `json:"name"`
	Description           *string             `json:"description,omitempty"`
	IsAssembly            bool                `json:"is_assembly"`
	IsEstimated           bool                `json:"is_estimated"`
	PurchasePrice         decimal.NullDecimal `json:"purchase_price"`
	PurchasePriceCurrency *string             `json:"purchase_price_currency,omitempty"`
}

// CustomerSnapshot is the frozen copy of the customer taken at creation.
type CustomerSnapshot struct {
	ID          int64   `json:"id"`
	CompanyName string  `json:"company_name"`
	LegalName   *string `json:"legal_name,omitempty"`
	Email       *string `json:"email,omitempty"`
	Phone       *string `json:"phone,omitempty"`
	Address     *string `json:"address,omitempty"`
	PostalCode  *string `json:"postal_code,omitempty"`
	City        *string `json:"city,omitempty"`
	State       *string `json:"state,omitempty"`
	Country     *string `json:"country,omitempty"`
	VATNumber   *string `json:"vat_number,omitempty"`
}

// DisplayName prefers the legal name for documents.
func (c CustomerSnapshot) DisplayName() string {
	if c.LegalName != nil && *c.LegalName != "" {
		return *c.LegalName
	}
	return c.CompanyName
}

type Offer struct {
	ID                  int64            `json:"id"`
	OfferNumber         string           `json:"offer_number"`
	InquiryID           *int64           `json:"inquiry_id,omitempty"`
	CustomerID          *int64           `json:"customer_id,omitempty"`
	Title               *string          `json:"title,omitempty"`
	Description         *string          `json:"description,omitempty"`
	ValidUntil          *time.Time       `json:"valid_until,omitempty"`
	PaymentTerms        *string          `json:"payment_terms,omitempty"`
	DeliveryTerms       *string          `json:"delivery_terms,omitempty"`
	Notes               *string          `json:"notes,omitempty"`
	DeliveryAddress     *string          `json:"delivery_address,omitempty"`
	AssemblyName        *string          `json:"assembly_name,omitempty"`
	AssemblyDescription *string          `json:"assembly_description,omitempty"`
	InquirySnapshot     InquirySnapshot  `json:"inquiry_snapshot"`
	CustomerSnapshot    CustomerSnapshot `json:"customer_snapshot"`

	Currency                Currency            `json:"currency"`
	DiscountPercentage      decimal.Decimal     `json:"discount_percentage"`
	DiscountAmount          decimal.Decimal     `json:"discount_amount"`
	ShippingCost            decimal.NullDecimal `json:"shipping_cost"`
	UseUnitPrices           bool                `json:"use_unit_prices"`
	UnitPriceDecimalPlaces  int32               `json:"unit_price_decimal_places"`
	TotalPriceDecimalPlaces int32               `json:"total_price_decimal_places"`

	Subtotal         decimal.Decimal `json:"subtotal"`
	TaxAmount        decimal.Decimal `json:"tax_amount"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	TotalsComputedAt *time.Time      `json:"totals_computed_at,omitempty"`

	Status              Status  `json:"status"`
	Revision            int     `json:"revision"`
	PreviousOfferNumber *string `json:"previous_offer_number,omitempty"`

	PDFGenerated   bool       `json:"pdf_generated"`
	PDFDocumentID  *uuid.UUID `json:"pdf_document_id,omitempty"`
	PDFGeneratedAt *time.Time `json:"pdf_generated_at,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LineItems []LineItem `json:"line_items,omitempty"`
}

type LineItem struct {
	ID               int64               `json:"id"`
	OfferID          int64               `json:"offer_id"`
	RequestedItemID  *int64              `json:"requested_item_id,omitempty"`
	ItemName         string              `json:"item_name"`
	Material         *string             `json:"material,omitempty"`
	Specification    *string             `json:"specification,omitempty"`
	Description      *string             `json:"description,omitempty"`
	Weight           decimal.NullDecimal `json:"weight"`
	Width            decimal.NullDecimal `json:"width"`
	Height           decimal.NullDecimal `json:"height"`
	Length           decimal.NullDecimal `json:"length"`
	Position         int                 `json:"position"`
	BaseQuantity     *string             `json:"base_quantity,omitempty"`
	BasePrice        decimal.NullDecimal `json:"base_price"`
	QuantityPrices   []pricing.Tier      `json:"quantity_prices"`
	UnitPrices       []pricing.Tier      `json:"unit_prices"`
	LineTotal        decimal.Decimal     `json:"line_total"`
	IsAssemblyItem   bool                `json:"is_assembly_item"`
	IsComponent      bool                `json:"is_component"`
	ParentItemID     *int64              `json:"parent_item_id,omitempty"`
	PurchasePrice    decimal.NullDecimal `json:"purchase_price"`
	PurchaseCurrency *string             `json:"purchase_currency,omitempty"`
	Comment          *string             `json:"comment,omitempty"`
	ExtraNote        *string             `json:"extra_note,omitempty"`
	IsEstimated      bool                `json:"is_estimated"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Mode returns the tier list currently driving prices.
func (o *Offer) Mode() pricing.Mode {
	return pricing.ModeFor(o.UseUnitPrices)
}

// NeedsTotals reports whether the calculator has never run for the offer.
func (o *Offer) NeedsTotals() bool {
	return o.TotalsComputedAt == nil
}

// FindLineItem returns a pointer into o.LineItems.
func (o *Offer) FindLineItem(id int64) *LineItem {
	for i := range o.LineItems {
		if o.LineItems[i].ID == id {
			return &o.LineItems[i]
		}
	}
	return nil
}

// CustomerLines returns the non-component line items ordered as stored.
func (o *Offer) CustomerLines() []LineItem {
	out := make([]LineItem, 0, len(o.LineItems))
	for _, li := range o.LineItems {
		if !li.IsComponent {
			out = append(out, li)
		}
	}
	return out
}

// NextPosition returns the position a newly appended line item gets.
func (o *Offer) NextPosition() int {
	last := 0
	for _, li := range o.LineItems {
		if li.Position > last {
			last = li.Position
		}
	}
	return last + 1
}

// Tiers returns the list for mode.
func (li *LineItem) Tiers(mode pricing.Mode) []pricing.Tier {
	if mode == pricing.ModeUnit {
		return li.UnitPrices
	}
	return li.QuantityPrices
}

// SetTiers replaces the list for mode.
func (li *LineItem) SetTiers(mode pricing.Mode, tiers []pricing.Tier) {
	if mode == pricing.ModeUnit {
		li.UnitPrices = tiers
		return
	}
	li.QuantityPrices = tiers
}

// PricingLine projects the fields the calculator reads.
func (li *LineItem) PricingLine() pricing.Line {
	return pricing.Line{
		IsComponent:    li.IsComponent,
		LineTotal:      li.LineTotal,
		BasePrice:      li.BasePrice,
		BaseQuantity:   li.BaseQuantity,
		QuantityPrices: li.QuantityPrices,
		UnitPrices:     li.UnitPrices,
	}
}

// DisplayPricing resolves the quantity and unit price shown to customers: the
// active tier of the offer's mode, or the base quantity and price.
func (li *LineItem) DisplayPricing(mode pricing.Mode) (string, decimal.Decimal) {
	if tier, _, ok := pricing.Active(li.Tiers(mode)); ok {
		return tier.Quantity, tier.Price
	}
	qty := ""
	if li.BaseQuantity != nil {
		qty = *li.BaseQuantity
	}
	if li.BasePrice.Valid {
		return qty, li.BasePrice.Decimal
	}
	return qty, decimal.Zero
}

// Summary is the list projection used by statistics.
type Summary struct {
	ID           int64           `json:"id"`
	OfferNumber  string          `json:"offer_number"`
	Title        *string         `json:"title,omitempty"`
	CustomerName string          `json:"customer_name"`
	Status       Status          `json:"status"`
	Currency     Currency        `json:"currency"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	CreatedAt    time.Time       `json:"created_at"`
}

// StatusTotal aggregates offers sharing a status.
type StatusTotal struct {
	Status Status
	Count  int
	Value  decimal.Decimal
}

// Statistics summarises the offer book.
type Statistics struct {
	Total              int                        `json:"total"`
	ByStatus           map[Status]int             `json:"by_status"`
	TotalValueByStatus map[Status]decimal.Decimal `json:"total_value_by_status"`
	Recent             []Summary                  `json:"recent"`
}

// Document is a rendered PDF of an offer.
type Document struct {
	ID          uuid.UUID `json:"id"`
	OfferID     int64     `json:"offer_id"`
	OfferNumber string    `json:"offer_number"`
	FileName    string    `json:"file_name"`
	Content     []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}
