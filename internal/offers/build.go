package offers

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradedesk/tradedesk/internal/inquiries"
	"github.com/tradedesk/tradedesk/internal/pricing"
)

func snapshotInquiry(inq *inquiries.Inquiry) InquirySnapshot {
	return InquirySnapshot{
		ID:                    inq.ID,
		Name:                  inq.Name,
		Description:           inq.Description,
		IsAssembly:            inq.IsAssembly,
		IsEstimated:           inq.IsEstimated,
		PurchasePrice:         inq.PurchasePrice,
		PurchasePriceCurrency: inq.PurchasePriceCurrency,
	}
}

func snapshotCustomer(c *inquiries.Customer) CustomerSnapshot {
	snap := CustomerSnapshot{
		ID:          c.ID,
		CompanyName: c.CompanyName,
		LegalName:   c.LegalName,
		Email:       c.Email,
		Phone:       c.Phone,
	}
	if bd := c.BusinessDetails; bd != nil {
		snap.Address = bd.Address
		snap.PostalCode = bd.PostalCode
		snap.City = bd.City
		snap.State = bd.State
		snap.Country = bd.Country
		snap.VATNumber = bd.VATNumber
	}
	return snap
}

// newOffer builds an unsaved offer shell for inq. The customer must be loaded.
func newOffer(inq *inquiries.Inquiry, req CreateOfferRequest) *Offer {
	customerID := inq.Customer.ID
	inquiryID := inq.ID
	o := &Offer{
		InquiryID:               &inquiryID,
		CustomerID:              &customerID,
		Title:                   req.Title,
		Description:             req.Description,
		ValidUntil:              req.ValidUntil,
		PaymentTerms:            req.PaymentTerms,
		DeliveryTerms:           req.DeliveryTerms,
		Notes:                   req.Notes,
		AssemblyName:            req.AssemblyName,
		AssemblyDescription:     req.AssemblyDescription,
		InquirySnapshot:         snapshotInquiry(inq),
		CustomerSnapshot:        snapshotCustomer(inq.Customer),
		Currency:                defaultCurrency,
		UnitPriceDecimalPlaces:  defaultUnitPriceDecimalPlaces,
		TotalPriceDecimalPlaces: defaultTotalPriceDecimalPlaces,
		Status:                  StatusDraft,
		Revision:                1,
	}
	if o.Title == nil {
		title := inq.Name
		o.Title = &title
	}
	o.DeliveryAddress = resolveDeliveryAddress(req.DeliveryAddress, inq.Customer)
	if req.Currency != nil {
		o.Currency = *req.Currency
	}
	if req.DiscountPercentage != nil {
		o.DiscountPercentage = *req.DiscountPercentage
	}
	if req.DiscountAmount != nil {
		o.DiscountAmount = *req.DiscountAmount
	}
	if req.ShippingCost != nil {
		o.ShippingCost = decimal.NewNullDecimal(*req.ShippingCost)
	}
	if req.UseUnitPrices != nil {
		o.UseUnitPrices = *req.UseUnitPrices
	}
	if req.UnitPriceDecimalPlaces != nil {
		o.UnitPriceDecimalPlaces = *req.UnitPriceDecimalPlaces
	}
	if req.TotalPriceDecimalPlaces != nil {
		o.TotalPriceDecimalPlaces = *req.TotalPriceDecimalPlaces
	}
	return o
}

func resolveDeliveryAddress(override *string, c *inquiries.Customer) *string {
	if override != nil && strings.TrimSpace(*override) != "" {
		return override
	}
	addr := c.BusinessDetails.FormattedAddress()
	if addr == "" {
		return nil
	}
	return &addr
}

// assemblyHeader builds the single customer-visible line of an assembly offer.
func assemblyHeader(o *Offer, inq *inquiries.Inquiry) LineItem {
	name := inq.Name
	if o.AssemblyName != nil && strings.TrimSpace(*o.AssemblyName) != "" {
		name = *o.AssemblyName
	}
	spec := inq.Description
	if o.AssemblyDescription != nil && strings.TrimSpace(*o.AssemblyDescription) != "" {
		spec = o.AssemblyDescription
	}
	qty := "1"
	return LineItem{
		OfferID:          o.ID,
		ItemName:         name,
		Specification:    spec,
		Position:         1,
		BaseQuantity:     &qty,
		IsAssemblyItem:   true,
		PurchasePrice:    inq.PurchasePrice,
		PurchaseCurrency: inq.PurchasePriceCurrency,
		IsEstimated:      inq.IsEstimated,
	}
}

func lineItemFromRequest(offerID int64, req inquiries.RequestedItem, position int) LineItem {
	requestedID := req.ID
	return LineItem{
		OfferID:          offerID,
		RequestedItemID:  &requestedID,
		ItemName:         req.ItemName,
		Material:         req.Material,
		Specification:    req.Specification,
		Weight:           req.Weight,
		Width:            req.Width,
		Height:           req.Height,
		Length:           req.Length,
		Position:         position,
		BaseQuantity:     req.Qty,
		PurchasePrice:    req.PurchasePrice,
		PurchaseCurrency: req.Currency,
		Comment:          req.Comment,
		ExtraNote:        req.ExtraNote,
		IsEstimated:      req.IsEstimated,
	}
}

// revisionOf copies o into an unsaved offer carrying the next revision.
// Rollups are copied as they are; line items are copied separately.
func revisionOf(o *Offer) *Offer {
	rev := *o
	previous := o.OfferNumber
	rev.ID = 0
	rev.OfferNumber = ""
	rev.PreviousOfferNumber = &previous
	rev.Revision = o.Revision + 1
	rev.Status = StatusDraft
	rev.PDFGenerated = false
	rev.PDFDocumentID = nil
	rev.PDFGeneratedAt = nil
	rev.CreatedAt = time.Time{}
	rev.UpdatedAt = time.Time{}
	rev.LineItems = nil
	return &rev
}

// revisionLineItems orders the original's items so that every parent is
// inserted before its children and returns deep copies ready for insertion.
func revisionLineItems(items []LineItem) []LineItem {
	ordered := make([]LineItem, 0, len(items))
	for _, li := range items {
		if li.ParentItemID == nil {
			ordered = append(ordered, li)
		}
	}
	for _, li := range items {
		if li.ParentItemID != nil {
			ordered = append(ordered, li)
		}
	}

	out := make([]LineItem, len(ordered))
	for i, li := range ordered {
		cp := li
		cp.QuantityPrices = copyTiers(li.QuantityPrices)
		cp.UnitPrices = copyTiers(li.UnitPrices)
		out[i] = cp
	}
	return out
}

func copyTiers(tiers []pricing.Tier) []pricing.Tier {
	if tiers == nil {
		return nil
	}
	out := make([]pricing.Tier, len(tiers))
	copy(out, tiers)
	return out
}
