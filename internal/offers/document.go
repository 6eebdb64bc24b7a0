package offers

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tradedesk/tradedesk/web"
)

const documentTemplate = "templates/offer/document.html"

var (
	documentOnce sync.Once
	documentTpl  *template.Template
	documentErr  error
)

func loadDocumentTemplate() (*template.Template, error) {
	documentOnce.Do(func() {
		documentTpl, documentErr = template.New("document.html").ParseFS(web.Templates, documentTemplate)
	})
	return documentTpl, documentErr
}

type documentCustomer struct {
	Name      string
	Address   string
	VATNumber string
}

type documentLine struct {
	Position      int
	Name          string
	Material      string
	Specification string
	Quantity      string
	UnitPrice     string
	Total         string
}

// documentView is the template payload. Every amount is preformatted.
type documentView struct {
	Lang                string
	OfferNumber         string
	Title               string
	Description         string
	Revision            int
	PreviousOfferNumber string
	Date                string
	ValidUntil          string
	Currency            Currency
	Customer            documentCustomer
	Lines               []documentLine
	Subtotal            string
	Discount            string
	DiscountPercentage  string
	Shipping            string
	Tax                 string
	Total               string
	DeliveryAddress     string
	PaymentTerms        string
	DeliveryTerms       string
	Notes               string
}

// RenderDocument renders the customer-facing HTML of an offer. Components and
// purchase prices never appear in it.
func RenderDocument(o *Offer, now time.Time) (string, error) {
	tpl, err := loadDocumentTemplate()
	if err != nil {
		return "", fmt.Errorf("parse offer template: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, buildDocumentView(o, now)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func buildDocumentView(o *Offer, now time.Time) documentView {
	f := newAmountFormatter(o.Currency)
	view := documentView{
		Lang:            f.tag.String(),
		OfferNumber:     o.OfferNumber,
		Title:           deref(o.Title),
		Description:     deref(o.Description),
		Date:            now.Format("2006-01-02"),
		Currency:        o.Currency,
		Subtotal:        f.Amount(o.Subtotal, o.TotalPriceDecimalPlaces),
		Tax:             f.Amount(o.TaxAmount, o.TotalPriceDecimalPlaces),
		Total:           f.Amount(o.TotalAmount, o.TotalPriceDecimalPlaces),
		DeliveryAddress: deref(o.DeliveryAddress),
		PaymentTerms:    deref(o.PaymentTerms),
		DeliveryTerms:   deref(o.DeliveryTerms),
		Notes:           deref(o.Notes),
	}
	if o.Revision > 1 {
		view.Revision = o.Revision
		view.PreviousOfferNumber = deref(o.PreviousOfferNumber)
	}
	if o.ValidUntil != nil {
		view.ValidUntil = o.ValidUntil.Format("2006-01-02")
	}
	if !o.DiscountAmount.IsZero() {
		view.Discount = f.Amount(o.DiscountAmount, o.TotalPriceDecimalPlaces)
		if o.DiscountPercentage.IsPositive() {
			view.DiscountPercentage = o.DiscountPercentage.String()
		}
	}
	if o.ShippingCost.Valid && !o.ShippingCost.Decimal.IsZero() {
		view.Shipping = f.Amount(o.ShippingCost.Decimal, o.TotalPriceDecimalPlaces)
	}

	c := o.CustomerSnapshot
	view.Customer = documentCustomer{
		Name:      c.DisplayName(),
		Address:   customerAddress(c),
		VATNumber: deref(c.VATNumber),
	}

	mode := o.Mode()
	lines := o.CustomerLines()
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Position < lines[j].Position })
	for i := range lines {
		li := &lines[i]
		qty, price := li.DisplayPricing(mode)
		view.Lines = append(view.Lines, documentLine{
			Position:      li.Position,
			Name:          li.ItemName,
			Material:      deref(li.Material),
			Specification: deref(li.Specification),
			Quantity:      f.Quantity(qty),
			UnitPrice:     f.Amount(price, o.UnitPriceDecimalPlaces),
			Total:         f.Amount(li.LineTotal, o.TotalPriceDecimalPlaces),
		})
	}
	return view
}

func customerAddress(c CustomerSnapshot) string {
	cityLine := strings.TrimSpace(deref(c.PostalCode) + " " + deref(c.City))
	var parts []string
	for _, p := range []string{deref(c.Address), cityLine, deref(c.State), deref(c.Country)} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
