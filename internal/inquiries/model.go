// Package inquiries reads the customer inquiries offers are built from.
// Inquiry, requested item and customer maintenance live elsewhere; this
// package only loads them.
package inquiries

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Inquiry is a customer's request for prices on one or more items.
type Inquiry struct {
	ID                    int64               `json:"id"`
	Name                  string              `json:"name"`
	Description           *string             `json:"description,omitempty"`
	IsAssembly            bool                `json:"is_assembly"`
	IsEstimated           bool                `json:"is_estimated"`
	PurchasePrice         decimal.NullDecimal `json:"purchase_price"`
	PurchasePriceCurrency *string             `json:"purchase_price_currency,omitempty"`
	CustomerID            *int64              `json:"customer_id,omitempty"`
	Requests              []RequestedItem     `json:"requests"`
	Customer              *Customer           `json:"customer,omitempty"`
}

// RequestedItem is one item the customer asked a price for.
type RequestedItem struct {
	ID            int64               `json:"id"`
	ItemName      string              `json:"item_name"`
	Material      *string             `json:"material,omitempty"`
	Specification *string             `json:"specification,omitempty"`
	Weight        decimal.NullDecimal `json:"weight"`
	Width         decimal.NullDecimal `json:"width"`
	Height        decimal.NullDecimal `json:"height"`
	Length        decimal.NullDecimal `json:"length"`
	Qty           *string             `json:"qty,omitempty"`
	PurchasePrice decimal.NullDecimal `json:"purchase_price"`
	Currency      *string             `json:"currency,omitempty"`
	Comment       *string             `json:"comment,omitempty"`
	ExtraNote     *string             `json:"extra_note,omitempty"`
	IsEstimated   bool                `json:"is_estimated"`
}

// Customer is the company an inquiry belongs to.
type Customer struct {
	ID              int64            `json:"id"`
	CompanyName     string           `json:"company_name"`
	LegalName       *string          `json:"legal_name,omitempty"`
	Email           *string          `json:"email,omitempty"`
	Phone           *string          `json:"phone,omitempty"`
	BusinessDetails *BusinessDetails `json:"business_details,omitempty"`
}

// BusinessDetails holds the registered business address of a customer.
type BusinessDetails struct {
	Address    *string `json:"address,omitempty"`
	PostalCode *string `json:"postal_code,omitempty"`
	City       *string `json:"city,omitempty"`
	State      *string `json:"state,omitempty"`
	Country    *string `json:"country,omitempty"`
	VATNumber  *string `json:"vat_number,omitempty"`
}

// FormattedAddress renders the address as newline separated lines, skipping
// empty parts. Postal code and city share a line.
func (b *BusinessDetails) FormattedAddress() string {
	if b == nil {
		return ""
	}
	cityLine := strings.TrimSpace(strings.Join(nonEmpty(b.PostalCode, b.City), " "))
	lines := nonEmpty(b.Address, &cityLine, b.State, b.Country)
	return strings.Join(lines, "\n")
}

func nonEmpty(values ...*string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == nil {
			continue
		}
		if s := strings.TrimSpace(*v); s != "" {
			out = append(out, s)
		}
	}
	return out
}
