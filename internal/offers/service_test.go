package offers

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradedesk/tradedesk/internal/inquiries"
	"github.com/tradedesk/tradedesk/internal/pricing"
	"github.com/tradedesk/tradedesk/internal/shared"
)

var testNow = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

func testCustomer() *inquiries.Customer {
	return &inquiries.Customer{
		ID:          7,
		CompanyName: "Acme Tools",
		LegalName:   strPtr("Acme Tools GmbH"),
		Email:       strPtr("buy@acme.example"),
		BusinessDetails: &inquiries.BusinessDetails{
			Address:    strPtr("Hauptstr. 1"),
			PostalCode: strPtr("10115"),
			City:       strPtr("Berlin"),
			Country:    strPtr("Germany"),
			VATNumber:  strPtr("DE123456789"),
		},
	}
}

func standaloneInquiry() *inquiries.Inquiry {
	return &inquiries.Inquiry{
		ID:       11,
		Name:     "Fasteners",
		Customer: testCustomer(),
		Requests: []inquiries.RequestedItem{
			{ID: 101, ItemName: "Bolt M8", Material: strPtr("Steel"), Qty: strPtr("5"), PurchasePrice: decimal.NewNullDecimal(dec("4.20")), Currency: strPtr("EUR")},
			{ID: 102, ItemName: "Nut M8", Qty: strPtr("2")},
		},
	}
}

func assemblyInquiry() *inquiries.Inquiry {
	return &inquiries.Inquiry{
		ID:            12,
		Name:          "Gearbox",
		Description:   strPtr("Complete gearbox"),
		IsAssembly:    true,
		PurchasePrice: decimal.NewNullDecimal(dec("800")),
		Customer:      testCustomer(),
		Requests: []inquiries.RequestedItem{
			{ID: 201, ItemName: "Housing", Qty: strPtr("1")},
			{ID: 202, ItemName: "Shaft", Qty: strPtr("2")},
		},
	}
}

type fixture struct {
	svc     *Service
	repo    *memoryRepo
	audit   *auditRecorder
	metrics *metricsRecorder
}

func newFixture(t *testing.T, opts ...func(*ServiceConfig)) *fixture {
	t.Helper()
	repo := newMemoryRepo()
	audit := &auditRecorder{}
	metrics := &metricsRecorder{}
	cfg := ServiceConfig{NumberRetries: 3, Now: func() time.Time { return testNow }, Metrics: metrics}
	for _, opt := range opts {
		opt(&cfg)
	}
	inqs := inquiryStub{11: standaloneInquiry(), 12: assemblyInquiry(), 13: {ID: 13, Name: "Orphan"}}
	svc := NewService(repo, inqs, audit, nil, cfg)
	return &fixture{svc: svc, repo: repo, audit: audit, metrics: metrics}
}

func (f *fixture) create(t *testing.T, inquiryID int64) *Offer {
	t.Helper()
	o, err := f.svc.CreateFromInquiry(context.Background(), inquiryID, CreateOfferRequest{}, "")
	require.NoError(t, err)
	return o
}

func TestCreateFromInquiryStandalone(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, 11)

	assert.Equal(t, "OFF-202403-0001", o.OfferNumber)
	assert.Equal(t, 1, o.Revision)
	assert.Equal(t, StatusDraft, o.Status)
	assert.Equal(t, CurrencyEUR, o.Currency)
	assert.EqualValues(t, 3, o.UnitPriceDecimalPlaces)
	assert.EqualValues(t, 2, o.TotalPriceDecimalPlaces)
	require.NotNil(t, o.TotalsComputedAt)
	assert.Equal(t, []string{"OFF-202403-"}, f.repo.locks)

	assert.Equal(t, "Fasteners", o.InquirySnapshot.Name)
	assert.Equal(t, "Acme Tools", o.CustomerSnapshot.CompanyName)
	assert.Equal(t, "DE123456789", *o.CustomerSnapshot.VATNumber)
	require.NotNil(t, o.DeliveryAddress)
	assert.Equal(t, "Hauptstr. 1\n10115 Berlin\nGermany", *o.DeliveryAddress)

	require.Len(t, o.LineItems, 2)
	for i, li := range o.LineItems {
		assert.Equal(t, i+1, li.Position)
		assert.False(t, li.IsComponent)
		assert.False(t, li.IsAssemblyItem)
		assert.Empty(t, li.QuantityPrices)
		assert.Empty(t, li.UnitPrices)
		assert.True(t, li.LineTotal.IsZero())
		assert.False(t, li.BasePrice.Valid)
	}
	assert.Equal(t, "5", *o.LineItems[0].BaseQuantity)
	assertDecimal(t, "4.20", o.LineItems[0].PurchasePrice.Decimal)
	assert.Equal(t, int64(101), *o.LineItems[0].RequestedItemID)
	assertDecimal(t, "0", o.TotalAmount)

	stored, err := f.svc.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Len(t, stored.LineItems, 2)
	assert.Equal(t, []string{"offer.created"}, f.audit.actions())
	assert.Equal(t, 1, f.metrics.ops["create"])
}

func TestCreateFromInquiryAssembly(t *testing.T) {
	f := newFixture(t)
	o, err := f.svc.CreateFromInquiry(context.Background(), 12, CreateOfferRequest{
		AssemblyName:    strPtr("Gearbox GX-2"),
		DeliveryAddress: strPtr("Dock 4"),
	}, "")
	require.NoError(t, err)

	require.Len(t, o.LineItems, 3)
	header := o.LineItems[0]
	assert.True(t, header.IsAssemblyItem)
	assert.False(t, header.IsComponent)
	assert.Equal(t, 1, header.Position)
	assert.Equal(t, "Gearbox GX-2", header.ItemName)
	assert.Equal(t, "Complete gearbox", *header.Specification)
	assert.Equal(t, "1", *header.BaseQuantity)
	assertDecimal(t, "800", header.PurchasePrice.Decimal)

	for i, li := range o.LineItems[1:] {
		assert.True(t, li.IsComponent)
		assert.Equal(t, i+2, li.Position)
		require.NotNil(t, li.ParentItemID)
		assert.Equal(t, header.ID, *li.ParentItemID)
	}
	assert.Equal(t, "Dock 4", *o.DeliveryAddress)
	assert.Len(t, o.CustomerLines(), 1)
}

func TestCreateFromInquiryNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateFromInquiry(ctx, 99, CreateOfferRequest{}, "")
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.svc.CreateFromInquiry(ctx, 13, CreateOfferRequest{}, "")
	require.ErrorIs(t, err, shared.ErrNotFound)
	assert.Zero(t, f.repo.offerCount())
}

func TestCreateFromInquiryRejectsPricingInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateFromInquiry(context.Background(), 11, CreateOfferRequest{
		DiscountPercentage: decPtr("120"),
		ShippingCost:       decPtr("-1"),
	}, "")
	var verr *shared.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "discount_percentage")
	assert.Contains(t, verr.Fields, "shipping_cost")
}

func TestCreateNumbersAreSequentialPerMonth(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, 11)
	second := f.create(t, 12)
	assert.Equal(t, "OFF-202403-0001", first.OfferNumber)
	assert.Equal(t, "OFF-202403-0002", second.OfferNumber)

	f.svc.cfg.Now = func() time.Time { return testNow.AddDate(0, 1, 0) }
	third := f.create(t, 11)
	assert.Equal(t, "OFF-202404-0001", third.OfferNumber)
}

func TestCreateRetriesNumberConflicts(t *testing.T) {
	f := newFixture(t)
	f.repo.conflicts = 2
	o := f.create(t, 11)
	assert.Equal(t, "OFF-202403-0001", o.OfferNumber)
	assert.Equal(t, 3, f.repo.insertOffers)
	assert.Equal(t, 1, f.repo.offerCount())

	g := newFixture(t, func(cfg *ServiceConfig) { cfg.NumberRetries = 1 })
	g.repo.conflicts = 5
	_, err := g.svc.CreateFromInquiry(context.Background(), 11, CreateOfferRequest{}, "")
	require.ErrorIs(t, err, shared.ErrConflict)
	assert.Equal(t, 2, g.repo.insertOffers)
	assert.Zero(t, g.repo.offerCount())
}

func TestCreateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateFromInquiry(ctx, 11, CreateOfferRequest{}, "req-1")
	require.NoError(t, err)
	again, err := f.svc.CreateFromInquiry(ctx, 11, CreateOfferRequest{}, "req-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.OfferNumber, again.OfferNumber)
	assert.Equal(t, 1, f.repo.offerCount())
}

func TestBasePriceTotalsAndPercentageDiscount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, 11)

	_, err := f.svc.UpdateLineItem(ctx, o.ID, o.LineItems[0].ID, LineItemInput{BasePrice: decPtr("10")})
	require.NoError(t, err)
	updated, err := f.svc.UpdateLineItem(ctx, o.ID, o.LineItems[1].ID, LineItemInput{BasePrice: decPtr("20")})
	require.NoError(t, err)

	assertDecimal(t, "50", updated.LineItems[0].LineTotal)
	assertDecimal(t, "40", updated.LineItems[1].LineTotal)
	assertDecimal(t, "90", updated.Subtotal)
	assertDecimal(t, "17.10", updated.TaxAmount)
	assertDecimal(t, "107.10", updated.TotalAmount)

	discounted, err := f.svc.Update(ctx, o.ID, UpdateOfferRequest{CreateOfferRequest{DiscountPercentage: decPtr("10")}})
	require.NoError(t, err)
	assertDecimal(t, "9", discounted.DiscountAmount)
	assertDecimal(t, "15.39", discounted.TaxAmount)
	assertDecimal(t, "96.39", discounted.TotalAmount)

	stored, err := f.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assertDecimal(t, "96.39", stored.TotalAmount)
	assertDecimal(t, "50", stored.LineItems[0].LineTotal)
}

func TestUpdateWithoutPricingChangeKeepsTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, 11)
	computedAt := *o.TotalsComputedAt

	f.svc.cfg.Now = func() time.Time { return testNow.Add(time.Hour) }
	updated, err := f.svc.Update(ctx, o.ID, UpdateOfferRequest{CreateOfferRequest{Title: strPtr("Fasteners Q2"), PaymentTerms: strPtr("30 days net")}})
	require.NoError(t, err)
	assert.Equal(t, "Fasteners Q2", *updated.Title)
	assert.Equal(t, computedAt, *updated.TotalsComputedAt)
}

func TestPastePricesSingleItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inq := standaloneInquiry()
	inq.Requests = inq.Requests[:1]
	f.svc.inquiries = inquiryStub{11: inq}
	o := f.create(t, 11)

	res, err := f.svc.PastePrices(ctx, o.ID, "Item\tQty\tPrice\n\t1000\t2.50\t5000\t2.00\n")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rows)
	assert.Equal(t, 1, res.Applied)

	li := res.Offer.LineItems[0]
	require.Len(t, li.QuantityPrices, 2)
	active, idx, ok := pricing.Active(li.QuantityPrices)
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, "1000", active.Quantity)
	assertDecimal(t, "2.50", active.Price)
	assertDecimal(t, "2500", active.Total)
	assert.False(t, li.QuantityPrices[1].IsActive)
	assert.Equal(t, "5000", li.QuantityPrices[1].Quantity)

	assertDecimal(t, "2500", li.LineTotal)
	assertDecimal(t, "2500", res.Offer.Subtotal)
	assertDecimal(t, "475", res.Offer.TaxAmount)
	assertDecimal(t, "2975", res.Offer.TotalAmount)
	assert.Contains(t, f.audit.actions(), "offer.prices_pasted")
}

func TestPastePricesSkipsComponentsAndExcessRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, 12)

	text := "Item\tQty\tPrice\nGearbox\t10\t100\nextra\t1\t1\nextra2\t1\t1\n"
	res, err := f.svc.PastePrices(ctx, o.ID, text)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rows)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 2, res.IgnoredRows)

	header := res.Offer.LineItems[0]
	assertDecimal(t, "1000", header.LineTotal)
	for _, li := range res.Offer.LineItems[1:] {
		assert.Empty(t, li.QuantityPrices, "component %s must stay untouched", li.ItemName)
		assert.True(t, li.LineTotal.IsZero())
	}
	assertDecimal(t, "1000", res.Offer.Subtotal)
}

func TestPasteRowWithoutValidPairsLeavesItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, 11)
	_, err := f.svc.PastePrices(ctx, o.ID, "h\nBolt\t100\t1.5\nNut\t10\t3\n")
	require.NoError(t, err)

	res, err := f.svc.PastePrices(ctx, o.ID, "h\nBolt\t100\t0\nNut\t20\t2\n")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.SkippedPairs)

	bolt := res.Offer.LineItems[0]
	require.Len(t, bolt.QuantityPrices, 1)
	assertDecimal(t, "150", bolt.LineTotal)
	assertDecimal(t, "40", res.Offer.LineItems[1].LineTotal)
	assertDecimal(t, "190", res.Offer.Subtotal)
}

func TestAddPriceKeepsExactlyOneActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, 11)
	itemID := o.LineItems[0].ID

	steps := []AddPriceRequest{
		{Quantity: "1000", Price: decPtr("2.5")},
		{Quantity: "500", Price: decPtr("3"), IsActive: true},
		{Quantity: "100", Price: decPtr("4")},
		{Quantity: "5000", Price: decPtr("2"), IsActive: true},
	}
	var last *Offer
	for _, step := range steps {
		var err error
		last, err = f.svc.AddPrice(ctx, o.ID, itemID, step)
		require.NoError(t, err)
		li := last.FindLineItem(itemID)
		assert.Equal(t, 1, pricing.CountActive(li.QuantityPrices))
		assert.True(t, pricing.ActiveTotal(li.QuantityPrices).Equal(li.LineTotal))
	}

	li := last.FindLineItem(itemID)
	quantities := make([]string, len(li.QuantityPrices))
	for i, tier := range li.QuantityPrices {
		quantities[i] = tier.Quantity
	}
	assert.Equal(t, []string{"100", "500", "1000", "5000"}, quantities)
	assert.True(t, li.QuantityPrices[3].IsActive)
	assertDecimal(t, "10000", li.LineTotal)
	assertDecimal(t, "10000", last.Subtotal)
}

func TestAddPriceToInactiveModeLeavesTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, 11)
	itemID := o.LineItems[0].ID

	_, err := f.svc.AddPrice(ctx, o.ID, itemID, AddPriceRequest{Quantity: "10", Price: decPtr("5")})
	require.NoError(t, err)
	unit := pricing.ModeUnit
	res, err := f.svc.AddPrice(ctx, o.ID, itemID, AddPriceRequest{Quantity: "3", Price: decPtr("7"), Mode: &unit})
	require.NoError(t, err)

	li := res.FindLineItem(itemID)
	require.Len(t, li.UnitPrices, 1)
	assert.True(t, li.UnitPrices[0].IsActive)
	assertDecimal(t, "50", li.LineTotal)
}

func TestAddPriceRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, 11)

	_, err := f.svc.AddPrice(ctx, o.ID, o.LineItems[0].ID, AddPriceRequest{Quantity: "abc", Price: decPtr("1")})
	var verr *shared.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "quantity")

	_, err = f.svc.AddPrice(ctx, o.ID, o.LineItems[0].ID, AddPriceRequest{Quantity: "100", IsActive: true})
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "price")

	_, err = f.svc.AddPrice(ctx, o.ID, 9999, AddPriceRequest{Quantity: "1", Price: decPtr("1")})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestSetActivePrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, 11)
	itemID := o.LineItems[0].ID

	_, err := f.svc.SetActivePrice(ctx, o.ID, itemID, 0)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.PastePrices(ctx, o.ID, "h\nBolt\t100\t1.5\t200\t1.2\n")
	require.NoError(t, err)

	res, err := f.svc.SetActivePrice(ctx, o.ID, itemID, 1)
	require.NoError(t, err)
	li := res.FindLineItem(itemID)
	assert.False(t, li.QuantityPrices[0].IsActive)
	assert.True(t, li.QuantityPrices[1].IsActive)
	assertDecimal(t, "240", li.LineTotal)
	assertDecimal(t, "240", res.Subtotal)

	_, err = f.svc.SetActivePrice(ctx, o.ID, itemID, 2)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestSwitchingModeRederivesLineTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, 11)
	bolt, nut := o.LineItems[0].ID, o.LineItems[1].ID
	unit := pricing.ModeUnit

	_, err := f.svc.AddPrice(ctx, o.ID, bolt, AddPriceRequest{Quantity: "1000", Price: decPtr("2.5")})
	require.NoError(t, err)
	_, err = f.svc.AddPrice(ctx, o.ID, bolt, AddPriceRequest{Quantity: "100", Price: decPtr("3"), Mode: &unit})
	require.NoError(t, err)
	_, err = f.svc.AddPrice(ctx, o.ID, nut, AddPriceRequest{Quantity: "10", Price: decPtr("1")})
	require.NoError(t, err)

	on := true
	res, err := f.svc.Update(ctx, o.ID, UpdateOfferRequest{CreateOfferRequest{UseUnitPrices: &on}})
	require.NoError(t, err)
	assertDecimal(t, "300", res.FindLineItem(bolt).LineTotal)
	assertDecimal(t, "10", res.FindLineItem(nut).LineTotal)
	assertDecimal(t, "310", res.Subtotal)

	stored, err := f.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assertDecimal(t, "300", stored.FindLineItem(bolt).LineTotal)
}

func TestUpdateLineItemReplacesTierList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, 11)
	itemID := o.LineItems[0].ID

	tiers := []pricing.Tier{
		{Quantity: "100", Price: dec("2")},
		{Quantity: "50", Price: dec("3"), IsActive: true},
		{Quantity: "10", Price: dec("4"), IsActive: true},
	}
	res, err := f.svc.UpdateLineItem(ctx, o.ID, itemID, LineItemInput{
		ItemName:       strPtr("Bolt M8 zinc"),
		QuantityPrices: &tiers,
	})
	require.NoError(t, err)
	li := res.FindLineItem(itemID)
	assert.Equal(t, "Bolt M8 zinc", li.ItemName)
	require.Len(t, li.QuantityPrices, 3)
	assert.Equal(t, 1, pricing.CountActive(li.QuantityPrices))
	assert.True(t, li.QuantityPrices[1].IsActive)
	assertDecimal(t, "150", li.QuantityPrices[1].Total)
	assertDecimal(t, "150", li.LineTotal)

	bad := []pricing.Tier{{Quantity: "-1", Price: dec("2")}}
	_, err = f.svc.UpdateLineItem(ctx, o.ID, itemID, LineItemInput{QuantityPrices: &bad})
	var verr *shared.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "quantity_prices[0]")

	_, err = f.svc.UpdateLineItem(ctx, o.ID, 9999, LineItemInput{})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestBulkUpdateIsBestEffort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, 11)
	missing := int64(9999)
	boltID := o.LineItems[0].ID

	res, err := f.svc.BulkUpdateLineItems(ctx, o.ID, BulkLineItemsRequest{Items: []BulkLineItemInput{
		{ID: &boltID, LineItemInput: LineItemInput{BasePrice: decPtr("10")}},
		{ID: &missing, LineItemInput: LineItemInput{BasePrice: decPtr("1")}},
		{LineItemInput: LineItemInput{BasePrice: decPtr("1")}},
		{LineItemInput: LineItemInput{ItemName: strPtr("Washer"), BaseQuantity: strPtr("4"), BasePrice: decPtr("0.5")}},
		{ID: &boltID, LineItemInput: LineItemInput{BaseQuantity: strPtr("x")}},
	}})
	require.NoError(t, err)

	require.Len(t, res.Errors, 3)
	assert.Equal(t, 1, res.Errors[0].Index)
	assert.Equal(t, 2, res.Errors[1].Index)
	assert.Equal(t, 4, res.Errors[2].Index)

	require.Len(t, res.Offer.LineItems, 3)
	washer := res.Offer.LineItems[2]
	assert.Equal(t, "Washer", washer.ItemName)
	assert.Equal(t, 3, washer.Position)
	assertDecimal(t, "2", washer.LineTotal)
	assertDecimal(t, "50", res.Offer.LineItems[0].LineTotal)
	assertDecimal(t, "52", res.Offer.Subtotal)
}

func TestRevisionCopiesAndIsolates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, 12)
	headerID := o.LineItems[0].ID
	_, err := f.svc.AddPrice(ctx, o.ID, headerID, AddPriceRequest{Quantity: "2", Price: decPtr("900")})
	require.NoError(t, err)
	_, err = f.svc.SetStatus(ctx, o.ID, StatusSubmitted)
	require.NoError(t, err)
	docID := markRendered(t, f, o.ID)

	original, err := f.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	rev, err := f.svc.CreateRevision(ctx, o.ID)
	require.NoError(t, err)

	assert.NotEqual(t, original.ID, rev.ID)
	assert.Equal(t, "OFF-202403-0002", rev.OfferNumber)
	assert.Equal(t, original.OfferNumber, *rev.PreviousOfferNumber)
	assert.Equal(t, 2, rev.Revision)
	assert.Equal(t, StatusDraft, rev.Status)
	assert.False(t, rev.PDFGenerated)
	assert.Nil(t, rev.PDFDocumentID)
	assert.Nil(t, rev.PDFGeneratedAt)
	assertDecimal(t, original.TotalAmount.String(), rev.TotalAmount)
	assert.Equal(t, original.CustomerSnapshot, rev.CustomerSnapshot)

	require.Len(t, rev.LineItems, len(original.LineItems))
	revHeader := rev.LineItems[0]
	assert.NotEqual(t, headerID, revHeader.ID)
	assert.Equal(t, rev.ID, revHeader.OfferID)
	assert.Equal(t, original.LineItems[0].QuantityPrices, revHeader.QuantityPrices)
	for i, li := range rev.LineItems[1:] {
		assert.Equal(t, original.LineItems[i+1].Position, li.Position)
		require.NotNil(t, li.ParentItemID)
		assert.Equal(t, revHeader.ID, *li.ParentItemID)
	}

	_, err = f.svc.AddPrice(ctx, rev.ID, revHeader.ID, AddPriceRequest{Quantity: "1", Price: decPtr("1000"), IsActive: true})
	require.NoError(t, err)

	again, err := f.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, again.LineItems[0].QuantityPrices, 1)
	assertDecimal(t, "1800", again.LineItems[0].LineTotal)
	assert.Equal(t, StatusSubmitted, again.Status)
	assert.Equal(t, docID, *again.PDFDocumentID)

	revised, err := f.svc.Get(ctx, rev.ID)
	require.NoError(t, err)
	assertDecimal(t, "1000", revised.LineItems[0].LineTotal)
	assert.Contains(t, f.audit.actions(), "offer.revised")
}

func markRendered(t *testing.T, f *fixture, offerID int64) uuid.UUID {
	t.Helper()
	f.svc.WithDocuments(stubRenderer{}, nil)
	doc, err := f.svc.RenderPDF(context.Background(), offerID)
	require.NoError(t, err)
	return doc.ID
}

func TestGetComputesMissingTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.repo.seed(Offer{
		OfferNumber: "OFF-202403-0042",
		Status:      StatusDraft,
		Currency:    CurrencyEUR,
		Revision:    1,
		LineItems: []LineItem{
			{Position: 1, ItemName: "A", BasePrice: decimal.NewNullDecimal(dec("10")), BaseQuantity: strPtr("5")},
			{Position: 2, ItemName: "B", BasePrice: decimal.NewNullDecimal(dec("20")), BaseQuantity: strPtr("2")},
			{Position: 3, ItemName: "C", IsComponent: true, LineTotal: dec("999")},
		},
	})

	o, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, o.TotalsComputedAt)
	assertDecimal(t, "90", o.Subtotal)
	assertDecimal(t, "107.10", o.TotalAmount)

	stored, err := f.repo.GetOffer(ctx, id)
	require.NoError(t, err)
	assert.False(t, stored.NeedsTotals())
	assertDecimal(t, "50", stored.LineItems[0].LineTotal)
	assertDecimal(t, "999", stored.LineItems[2].LineTotal)
}

func TestZeroPricedOfferIsNotRecomputed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, 11)
	before := f.metrics.ops["recalculate"]

	got, err := f.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.TotalAmount.IsZero())
	assert.Equal(t, before, f.metrics.ops["recalculate"])
}

func TestListComputesMissingTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, 11)
	f.repo.seed(Offer{
		OfferNumber: "OFF-202403-0099",
		Status:      StatusSubmitted,
		Currency:    CurrencyEUR,
		LineItems:   []LineItem{{Position: 1, ItemName: "A", BasePrice: decimal.NewNullDecimal(dec("1")), BaseQuantity: strPtr("100")}},
	})

	offers, page, err := f.svc.List(ctx, ListFilter{PerPage: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 1, page.TotalPages)
	require.Len(t, offers, 2)
	assertDecimal(t, "119", offers[0].TotalAmount)

	submitted := StatusSubmitted
	offers, _, err = f.svc.List(ctx, ListFilter{Status: &submitted})
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "OFF-202403-0099", offers[0].OfferNumber)
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, 11)

	_, err := f.svc.SetStatus(ctx, o.ID, Status("Lost"))
	require.ErrorIs(t, err, shared.ErrValidation)

	for _, st := range []Status{StatusAccepted, StatusDraft, StatusCancelled} {
		res, err := f.svc.SetStatus(shared.ContextWithActor(ctx, "sales@tradedesk"), o.ID, st)
		require.NoError(t, err)
		assert.Equal(t, st, res.Status)
	}
	stored, err := f.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)

	last := f.audit.logs[len(f.audit.logs)-1]
	assert.Equal(t, "offer.status_changed", last.Action)
	assert.Equal(t, "sales@tradedesk", last.Actor)
	assert.Equal(t, "Draft", last.Meta["from"])
}

func TestDeleteCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, 11)

	require.NoError(t, f.svc.Delete(ctx, o.ID))
	_, err := f.svc.Get(ctx, o.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
	assert.Empty(t, f.repo.state.items)
	require.ErrorIs(t, f.svc.Delete(ctx, o.ID), shared.ErrNotFound)
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	yesterday := testNow.AddDate(0, 0, -1)
	today := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	expired := f.repo.seed(Offer{OfferNumber: "A", Status: StatusSubmitted, ValidUntil: &yesterday})
	accepted := f.repo.seed(Offer{OfferNumber: "B", Status: StatusAccepted, ValidUntil: &yesterday})
	current := f.repo.seed(Offer{OfferNumber: "C", Status: StatusDraft, ValidUntil: &today})

	n, err := f.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusExpired, f.repo.state.offers[expired].Status)
	assert.Equal(t, StatusAccepted, f.repo.state.offers[accepted].Status)
	assert.Equal(t, StatusDraft, f.repo.state.offers[current].Status)
	assert.Equal(t, []string{"offer.expired"}, f.audit.actions())
	assert.Equal(t, "system", f.audit.logs[0].Actor)
}

func TestStatisticsCachedUntilMutation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t)
	f.svc.cache = NewCache(client, time.Minute)
	ctx := context.Background()
	o := f.create(t, 11)
	_, err := f.svc.UpdateLineItem(ctx, o.ID, o.LineItems[0].ID, LineItemInput{BasePrice: decPtr("10")})
	require.NoError(t, err)

	stats, err := f.svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[StatusDraft])
	assert.Equal(t, 0, stats.ByStatus[StatusAccepted])
	assertDecimal(t, "59.50", stats.TotalValueByStatus[StatusDraft])
	require.Len(t, stats.Recent, 1)
	assert.Equal(t, "Acme Tools", stats.Recent[0].CustomerName)

	_, err = f.svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.repo.statusCalls)

	_, err = f.svc.SetStatus(ctx, o.ID, StatusAccepted)
	require.NoError(t, err)
	stats, err = f.svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.repo.statusCalls)
	assert.Equal(t, 1, stats.ByStatus[StatusAccepted])
	assert.Equal(t, 0, stats.ByStatus[StatusDraft])
}

type stubRenderer struct {
	err error
}

func (r stubRenderer) RenderHTML(ctx context.Context, html string) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	return []byte("%PDF-1.7 " + html[:15]), nil
}

type stubQueue struct {
	ids []int64
}

func (q *stubQueue) EnqueueOfferPDF(ctx context.Context, offerID int64) error {
	q.ids = append(q.ids, offerID)
	return nil
}

func TestRenderAndFetchPDF(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, 11)
	queue := &stubQueue{}
	f.svc.WithDocuments(stubRenderer{}, queue)

	_, err := f.svc.LatestPDF(ctx, o.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)

	require.NoError(t, f.svc.RequestPDF(ctx, o.ID))
	assert.Equal(t, []int64{o.ID}, queue.ids)
	require.ErrorIs(t, f.svc.RequestPDF(ctx, 9999), shared.ErrNotFound)

	doc, err := f.svc.RenderPDF(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "OFF-202403-0001.pdf", doc.FileName)
	assert.Equal(t, "%PDF-1.7 <!DOCTYPE html>", string(doc.Content))

	latest, err := f.svc.LatestPDF(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, latest.ID)

	stored, err := f.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, stored.PDFGenerated)
	require.NotNil(t, stored.PDFGeneratedAt)
	assert.Equal(t, testNow, *stored.PDFGeneratedAt)

	f.svc.WithDocuments(stubRenderer{err: errors.New("gotenberg down")}, queue)
	_, err = f.svc.RenderPDF(ctx, o.ID)
	require.Error(t, err)
	assert.Equal(t, 1, f.metrics.failed["render_pdf"])
}
