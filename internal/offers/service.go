package offers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tradedesk/tradedesk/internal/inquiries"
	"github.com/tradedesk/tradedesk/internal/pricing"
	"github.com/tradedesk/tradedesk/internal/shared"
)

const recentOffersLimit = 5

var hundred = decimal.NewFromInt(100)

// InquiryReader loads the inquiry an offer is created from.
type InquiryReader interface {
	GetInquiry(ctx context.Context, id int64) (*inquiries.Inquiry, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// PDFRenderer converts an HTML document into PDF bytes.
type PDFRenderer interface {
	RenderHTML(ctx context.Context, html string) ([]byte, error)
}

// PDFEnqueuer schedules background rendering of an offer document.
type PDFEnqueuer interface {
	EnqueueOfferPDF(ctx context.Context, offerID int64) error
}

// MetricsPort receives one observation per service operation.
type MetricsPort interface {
	ObserveOfferOperation(operation string, err error)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// TaxRate overrides pricing.DefaultTaxRate when valid.
	TaxRate decimal.NullDecimal
	// NumberRetries bounds how often a colliding offer number is retried.
	NumberRetries int
	Now           func() time.Time
	Logger        *slog.Logger
	Metrics       MetricsPort
}

// Service coordinates offer operations. Every mutation that can move a price
// runs the totals calculator inside the same transaction before returning.
type Service struct {
	repo      Repository
	inquiries InquiryReader
	audit     AuditPort
	cache     *Cache
	renderer  PDFRenderer
	queue     PDFEnqueuer
	cfg       ServiceConfig
	logger    *slog.Logger
	group     singleflight.Group
}

// NewService builds Service.
func NewService(repo Repository, inquiryReader InquiryReader, audit AuditPort, cache *Cache, cfg ServiceConfig) *Service {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NumberRetries < 0 {
		cfg.NumberRetries = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, inquiries: inquiryReader, audit: audit, cache: cache, cfg: cfg, logger: logger}
}

// WithDocuments wires PDF rendering. Either side may be nil in processes that
// only enqueue or only render.
func (s *Service) WithDocuments(renderer PDFRenderer, queue PDFEnqueuer) *Service {
	s.renderer = renderer
	s.queue = queue
	return s
}

func (s *Service) now() time.Time {
	return s.cfg.Now()
}

// CreateFromInquiry snapshots the inquiry and its customer into a new offer,
// builds its line items and computes totals in one transaction. A non-empty
// idemKey makes repeated calls return the offer created first.
func (s *Service) CreateFromInquiry(ctx context.Context, inquiryID int64, req CreateOfferRequest, idemKey string) (offer *Offer, err error) {
	defer func() { s.observe("create", err) }()

	if verr := validatePricingInputs(req.DiscountPercentage, req.DiscountAmount, req.ShippingCost); !verr.Empty() {
		return nil, verr
	}
	if idemKey != "" {
		if existing, err := s.replayIdempotent(ctx, idemKey); err == nil || !errors.Is(err, shared.ErrNotFound) {
			return existing, err
		}
	}

	inq, err := s.inquiries.GetInquiry(ctx, inquiryID)
	if err != nil {
		return nil, fmt.Errorf("load inquiry: %w", err)
	}
	if inq.Customer == nil {
		return nil, fmt.Errorf("customer for inquiry %d: %w", inquiryID, shared.ErrNotFound)
	}

	now := s.now()
	var created *Offer
	err = s.withNumberRetry(ctx, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			o := newOffer(inq, req)
			number, err := s.nextNumber(ctx, tx, now)
			if err != nil {
				return err
			}
			o.OfferNumber = number
			if err := tx.InsertOffer(ctx, o); err != nil {
				return fmt.Errorf("insert offer: %w", err)
			}
			if idemKey != "" {
				if err := tx.ClaimIdempotencyKey(ctx, idemKey, o.ID); err != nil {
					return err
				}
			}
			if err := s.insertInquiryItems(ctx, tx, o, inq); err != nil {
				return err
			}
			if err := s.persistTotals(ctx, tx, o); err != nil {
				return err
			}
			created = o
			return nil
		})
	})
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		return s.replayIdempotent(ctx, idemKey)
	}
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}

	s.record(ctx, "offer.created", created.ID, map[string]any{
		"offer_number": created.OfferNumber,
		"inquiry_id":   inquiryID,
		"line_items":   len(created.LineItems),
	})
	s.invalidate(ctx)
	return created, nil
}

func (s *Service) replayIdempotent(ctx context.Context, key string) (*Offer, error) {
	id, err := s.repo.LookupIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// insertInquiryItems creates the line items of a fresh offer: one assembly
// header followed by hidden components, or one line per requested item.
func (s *Service) insertInquiryItems(ctx context.Context, tx TxRepository, o *Offer, inq *inquiries.Inquiry) error {
	position := 1
	var parentID *int64
	if inq.IsAssembly {
		header := assemblyHeader(o, inq)
		if err := tx.InsertLineItem(ctx, &header); err != nil {
			return fmt.Errorf("insert assembly item: %w", err)
		}
		o.LineItems = append(o.LineItems, header)
		id := header.ID
		parentID = &id
		position++
	}
	for _, req := range inq.Requests {
		li := lineItemFromRequest(o.ID, req, position)
		if parentID != nil {
			li.IsComponent = true
			li.ParentItemID = parentID
		}
		if err := tx.InsertLineItem(ctx, &li); err != nil {
			return fmt.Errorf("insert line item %d: %w", position, err)
		}
		o.LineItems = append(o.LineItems, li)
		position++
	}
	return nil
}

// nextNumber serialises number allocation per month prefix for the rest of
// the transaction.
func (s *Service) nextNumber(ctx context.Context, tx TxRepository, now time.Time) (string, error) {
	prefix := NumberPrefix(now)
	if err := tx.LockNumberPrefix(ctx, prefix); err != nil {
		return "", fmt.Errorf("lock offer numbers: %w", err)
	}
	last, err := tx.LastOfferNumber(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("last offer number: %w", err)
	}
	return NextOfferNumber(now, last)
}

func (s *Service) withNumberRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.NumberRetries; attempt++ {
		err = fn()
		if !errors.Is(err, shared.ErrConflict) {
			return err
		}
		s.logger.WarnContext(ctx, "offer number collision, retrying", slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	return err
}

// Get loads an offer and computes its totals when they were never computed.
func (s *Service) Get(ctx context.Context, id int64) (*Offer, error) {
	o, err := s.repo.GetOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.NeedsTotals() {
		return o, nil
	}
	return s.Recalculate(ctx, id)
}

// List returns a page of offers. Offers whose totals were never computed are
// computed before they are returned.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Offer, shared.Pagination, error) {
	offers, total, err := s.repo.ListOffers(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, fmt.Errorf("list offers: %w", err)
	}
	for i := range offers {
		if !offers[i].NeedsTotals() {
			continue
		}
		o, err := s.Recalculate(ctx, offers[i].ID)
		if err != nil {
			return nil, shared.Pagination{}, err
		}
		offers[i] = *o
	}
	return offers, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// Update patches header fields. The calculator runs when a pricing input
// changed; switching price modes re-derives line totals from the newly
// selected lists first.
func (s *Service) Update(ctx context.Context, id int64, req UpdateOfferRequest) (offer *Offer, err error) {
	defer func() { s.observe("update", err) }()

	if verr := validatePricingInputs(req.DiscountPercentage, req.DiscountAmount, req.ShippingCost); !verr.Empty() {
		return nil, verr
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.GetOffer(ctx, id)
		if err != nil {
			return err
		}
		dirty := applyOfferPatch(o, req)
		if !req.pricingChanged() {
			offer = o
			return tx.UpdateOffer(ctx, o)
		}
		if err := s.persistTotals(ctx, tx, o, dirty...); err != nil {
			return err
		}
		offer = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	return offer, nil
}

// applyOfferPatch copies set fields onto o and returns the line items whose
// totals were re-derived by a mode switch.
func applyOfferPatch(o *Offer, req UpdateOfferRequest) []int64 {
	if req.Title != nil {
		o.Title = req.Title
	}
	if req.Description != nil {
		o.Description = req.Description
	}
	if req.ValidUntil != nil {
		o.ValidUntil = req.ValidUntil
	}
	if req.PaymentTerms != nil {
		o.PaymentTerms = req.PaymentTerms
	}
	if req.DeliveryTerms != nil {
		o.DeliveryTerms = req.DeliveryTerms
	}
	if req.Notes != nil {
		o.Notes = req.Notes
	}
	if req.DeliveryAddress != nil {
		o.DeliveryAddress = req.DeliveryAddress
	}
	if req.AssemblyName != nil {
		o.AssemblyName = req.AssemblyName
	}
	if req.AssemblyDescription != nil {
		o.AssemblyDescription = req.AssemblyDescription
	}
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
	if req.UnitPriceDecimalPlaces != nil {
		o.UnitPriceDecimalPlaces = *req.UnitPriceDecimalPlaces
	}
	if req.TotalPriceDecimalPlaces != nil {
		o.TotalPriceDecimalPlaces = *req.TotalPriceDecimalPlaces
	}

	var dirty []int64
	if req.UseUnitPrices != nil && *req.UseUnitPrices != o.UseUnitPrices {
		o.UseUnitPrices = *req.UseUnitPrices
		mode := o.Mode()
		for i := range o.LineItems {
			li := &o.LineItems[i]
			if li.IsComponent {
				continue
			}
			if tiers := li.Tiers(mode); len(tiers) > 0 {
				li.LineTotal = pricing.ActiveTotal(tiers)
				dirty = append(dirty, li.ID)
			}
		}
	}
	return dirty
}

// Delete removes an offer together with its line items and documents.
func (s *Service) Delete(ctx context.Context, id int64) (err error) {
	defer func() { s.observe("delete", err) }()

	var number string
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.GetOffer(ctx, id)
		if err != nil {
			return err
		}
		number = o.OfferNumber
		return tx.DeleteOffer(ctx, id)
	})
	if err != nil {
		return err
	}
	s.record(ctx, "offer.deleted", id, map[string]any{"offer_number": number})
	s.invalidate(ctx)
	return nil
}

// SetStatus moves the offer to any known status.
func (s *Service) SetStatus(ctx context.Context, id int64, status Status) (offer *Offer, err error) {
	defer func() { s.observe("status", err) }()

	if !status.Valid() {
		return nil, shared.NewValidationError("status", "must be one of "+joinStatuses())
	}
	var previous Status
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.GetOffer(ctx, id)
		if err != nil {
			return err
		}
		previous = o.Status
		if err := tx.UpdateStatus(ctx, id, status); err != nil {
			return err
		}
		o.Status = status
		offer = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, "offer.status_changed", id, map[string]any{"from": string(previous), "to": string(status)})
	s.invalidate(ctx)
	return offer, nil
}

func joinStatuses() string {
	names := make([]string, len(Statuses))
	for i, st := range Statuses {
		names[i] = string(st)
	}
	return strings.Join(names, ", ")
}

// Recalculate runs the totals calculator and stores the result.
func (s *Service) Recalculate(ctx context.Context, id int64) (offer *Offer, err error) {
	defer func() { s.observe("recalculate", err) }()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.GetOffer(ctx, id)
		if err != nil {
			return err
		}
		if err := s.persistTotals(ctx, tx, o); err != nil {
			return err
		}
		offer = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	return offer, nil
}

// CreateRevision copies an offer and all its line items under a new number.
// Copied totals are kept as they are.
func (s *Service) CreateRevision(ctx context.Context, id int64) (offer *Offer, err error) {
	defer func() { s.observe("revision", err) }()

	now := s.now()
	var original string
	err = s.withNumberRetry(ctx, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			src, err := tx.GetOffer(ctx, id)
			if err != nil {
				return err
			}
			original = src.OfferNumber
			rev := revisionOf(src)
			number, err := s.nextNumber(ctx, tx, now)
			if err != nil {
				return err
			}
			rev.OfferNumber = number
			if err := tx.InsertOffer(ctx, rev); err != nil {
				return fmt.Errorf("insert revision: %w", err)
			}

			ids := make(map[int64]int64, len(src.LineItems))
			for _, li := range revisionLineItems(src.LineItems) {
				oldID := li.ID
				li.ID = 0
				li.OfferID = rev.ID
				if li.ParentItemID != nil {
					if newParent, ok := ids[*li.ParentItemID]; ok {
						li.ParentItemID = &newParent
					} else {
						li.ParentItemID = nil
					}
				}
				if err := tx.InsertLineItem(ctx, &li); err != nil {
					return fmt.Errorf("copy line item %d: %w", oldID, err)
				}
				ids[oldID] = li.ID
				rev.LineItems = append(rev.LineItems, li)
			}
			sort.SliceStable(rev.LineItems, func(i, j int) bool {
				return rev.LineItems[i].Position < rev.LineItems[j].Position
			})
			offer = rev
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create revision: %w", err)
	}
	s.record(ctx, "offer.revised", offer.ID, map[string]any{
		"offer_number":          offer.OfferNumber,
		"previous_offer_number": original,
		"revision":              offer.Revision,
	})
	s.invalidate(ctx)
	return offer, nil
}

// UpdateLineItem patches one line item and recomputes the offer.
func (s *Service) UpdateLineItem(ctx context.Context, offerID, itemID int64, input LineItemInput) (offer *Offer, err error) {
	defer func() { s.observe("line_item", err) }()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		li := o.FindLineItem(itemID)
		if li == nil {
			return fmt.Errorf("line item %d: %w", itemID, shared.ErrNotFound)
		}
		updated := *li
		if verr := s.applyLineItemInput(o.Mode(), &updated, input); !verr.Empty() {
			return verr
		}
		if err := tx.UpdateLineItem(ctx, &updated); err != nil {
			return err
		}
		*li = updated
		if err := s.persistTotals(ctx, tx, o); err != nil {
			return err
		}
		offer = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	return offer, nil
}

// BulkUpdateLineItems updates or appends line items best effort: invalid
// entries are reported and skipped, the rest is stored and totals run once.
func (s *Service) BulkUpdateLineItems(ctx context.Context, offerID int64, req BulkLineItemsRequest) (result *BulkResult, err error) {
	defer func() { s.observe("bulk_line_items", err) }()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		res := &BulkResult{}
		for i, item := range req.Items {
			if item.ID == nil {
				li := LineItem{OfferID: o.ID, Position: o.NextPosition()}
				if item.ItemName == nil || strings.TrimSpace(*item.ItemName) == "" {
					res.Errors = append(res.Errors, ItemError{Index: i, Message: "item_name: is required"})
					continue
				}
				if verr := s.applyLineItemInput(o.Mode(), &li, item.LineItemInput); !verr.Empty() {
					res.Errors = append(res.Errors, ItemError{Index: i, Message: verr.Error()})
					continue
				}
				if err := tx.InsertLineItem(ctx, &li); err != nil {
					return fmt.Errorf("append line item: %w", err)
				}
				o.LineItems = append(o.LineItems, li)
				continue
			}

			li := o.FindLineItem(*item.ID)
			if li == nil {
				res.Errors = append(res.Errors, ItemError{Index: i, ItemID: item.ID, Message: "line item not found"})
				continue
			}
			updated := *li
			if verr := s.applyLineItemInput(o.Mode(), &updated, item.LineItemInput); !verr.Empty() {
				res.Errors = append(res.Errors, ItemError{Index: i, ItemID: item.ID, Message: verr.Error()})
				continue
			}
			if err := tx.UpdateLineItem(ctx, &updated); err != nil {
				return fmt.Errorf("update line item %d: %w", updated.ID, err)
			}
			*li = updated
		}
		if err := s.persistTotals(ctx, tx, o); err != nil {
			return err
		}
		res.Offer = o
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	return result, nil
}

// applyLineItemInput copies set fields onto li. Replaced price lists are
// rebuilt so totals and the active flag are computed server side.
func (s *Service) applyLineItemInput(mode pricing.Mode, li *LineItem, in LineItemInput) *shared.ValidationError {
	verr := &shared.ValidationError{}
	if in.ItemName != nil {
		li.ItemName = strings.TrimSpace(*in.ItemName)
	}
	if in.Material != nil {
		li.Material = in.Material
	}
	if in.Specification != nil {
		li.Specification = in.Specification
	}
	if in.Description != nil {
		li.Description = in.Description
	}
	setDimension(verr, "weight", &li.Weight, in.Weight)
	setDimension(verr, "width", &li.Width, in.Width)
	setDimension(verr, "height", &li.Height, in.Height)
	setDimension(verr, "length", &li.Length, in.Length)
	if in.PurchasePrice != nil {
		li.PurchasePrice = decimal.NewNullDecimal(*in.PurchasePrice)
	}
	if in.PurchaseCurrency != nil {
		li.PurchaseCurrency = in.PurchaseCurrency
	}
	if in.Comment != nil {
		li.Comment = in.Comment
	}
	if in.ExtraNote != nil {
		li.ExtraNote = in.ExtraNote
	}
	if in.IsEstimated != nil {
		li.IsEstimated = *in.IsEstimated
	}

	baseChanged := false
	if in.BaseQuantity != nil {
		raw := strings.TrimSpace(*in.BaseQuantity)
		switch qty, ok := pricing.ParseNumber(raw); {
		case raw == "":
			li.BaseQuantity = nil
			baseChanged = true
		case !ok || !qty.IsPositive():
			verr.Add("base_quantity", "must be a positive number")
		default:
			canonical := pricing.CanonicalQuantity(raw)
			li.BaseQuantity = &canonical
			baseChanged = true
		}
	}
	if in.BasePrice != nil {
		if in.BasePrice.IsNegative() {
			verr.Add("base_price", "must not be negative")
		} else {
			li.BasePrice = decimal.NewNullDecimal(*in.BasePrice)
			baseChanged = true
		}
	}

	activeReplaced := false
	now := s.now()
	for _, target := range []struct {
		field string
		mode  pricing.Mode
		input *[]pricing.Tier
	}{
		{"quantity_prices", pricing.ModeQuantity, in.QuantityPrices},
		{"unit_prices", pricing.ModeUnit, in.UnitPrices},
	} {
		if target.input == nil {
			continue
		}
		tiers, ok := rebuildTiers(verr, target.field, target.mode, *target.input, now)
		if !ok {
			continue
		}
		li.SetTiers(target.mode, tiers)
		if target.mode == mode {
			activeReplaced = true
		}
	}
	if !verr.Empty() {
		return verr
	}

	switch {
	case activeReplaced:
		li.LineTotal = pricing.ActiveTotal(li.Tiers(mode))
	case baseChanged:
		li.LineTotal = decimal.Zero
	}
	return nil
}

func setDimension(verr *shared.ValidationError, field string, dst *decimal.NullDecimal, value *decimal.Decimal) {
	if value == nil {
		return
	}
	if value.IsNegative() {
		verr.Add(field, "must not be negative")
		return
	}
	*dst = decimal.NewNullDecimal(*value)
}

func rebuildTiers(verr *shared.ValidationError, field string, mode pricing.Mode, input []pricing.Tier, now time.Time) ([]pricing.Tier, bool) {
	out := make([]pricing.Tier, 0, len(input))
	ok := true
	for i, in := range input {
		if in.PriceMissing() {
			verr.Add(fmt.Sprintf("%s[%d].price", field, i), "is required")
			ok = false
			continue
		}
		tier, err := pricing.NewTier(mode, in.Quantity, in.Price, in.IsActive, now)
		if err != nil {
			verr.Add(fmt.Sprintf("%s[%d]", field, i), err.Error())
			ok = false
			continue
		}
		if !in.CreatedAt.IsZero() {
			tier.CreatedAt = in.CreatedAt
		}
		out = append(out, tier)
	}
	if !ok {
		return nil, false
	}
	return pricing.Normalize(out, mode), true
}

// AddPrice inserts a tier into one of the line item's lists.
func (s *Service) AddPrice(ctx context.Context, offerID, itemID int64, req AddPriceRequest) (offer *Offer, err error) {
	defer func() { s.observe("add_price", err) }()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		li := o.FindLineItem(itemID)
		if li == nil {
			return fmt.Errorf("line item %d: %w", itemID, shared.ErrNotFound)
		}
		mode := o.Mode()
		if req.Mode != nil {
			mode = *req.Mode
		}
		if req.Price == nil {
			return shared.NewValidationError("price", "is required")
		}
		tier, err := pricing.NewTier(mode, string(req.Quantity), *req.Price, req.IsActive, s.now())
		if err != nil {
			return tierValidationError(err)
		}
		updated := *li
		updated.SetTiers(mode, pricing.AddTier(li.Tiers(mode), tier))
		if mode == o.Mode() {
			updated.LineTotal = pricing.ActiveTotal(updated.Tiers(mode))
		}
		if err := tx.UpdateLineItem(ctx, &updated); err != nil {
			return err
		}
		*li = updated
		if err := s.persistTotals(ctx, tx, o); err != nil {
			return err
		}
		offer = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	return offer, nil
}

// SetActivePrice activates the tier at index in the list the offer uses.
func (s *Service) SetActivePrice(ctx context.Context, offerID, itemID int64, index int) (offer *Offer, err error) {
	defer func() { s.observe("set_active_price", err) }()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		li := o.FindLineItem(itemID)
		if li == nil {
			return fmt.Errorf("line item %d: %w", itemID, shared.ErrNotFound)
		}
		mode := o.Mode()
		tiers, err := pricing.SetActive(li.Tiers(mode), index, s.now())
		if err != nil {
			return shared.NewValidationError("index", err.Error())
		}
		updated := *li
		updated.SetTiers(mode, tiers)
		updated.LineTotal = pricing.ActiveTotal(tiers)
		if err := tx.UpdateLineItem(ctx, &updated); err != nil {
			return err
		}
		*li = updated
		if err := s.persistTotals(ctx, tx, o); err != nil {
			return err
		}
		offer = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	return offer, nil
}

func tierValidationError(err error) error {
	switch {
	case errors.Is(err, pricing.ErrInvalidQuantity):
		return shared.NewValidationError("quantity", err.Error())
	case errors.Is(err, pricing.ErrInvalidPrice):
		return shared.NewValidationError("price", err.Error())
	}
	return err
}

// PastePrices applies spreadsheet rows to the customer-visible line items in
// position order. Rows past the last item are ignored and rows without a
// valid pair leave their item untouched.
func (s *Service) PastePrices(ctx context.Context, offerID int64, text string) (result *PasteResult, err error) {
	defer func() { s.observe("paste", err) }()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		mode := o.Mode()
		rows := pricing.ParsePaste(text, mode, s.now())
		targets := o.CustomerLines()
		sort.SliceStable(targets, func(i, j int) bool { return targets[i].Position < targets[j].Position })

		res := &PasteResult{Rows: len(rows)}
		for i, row := range rows {
			if i >= len(targets) {
				res.IgnoredRows++
				continue
			}
			res.SkippedPairs += row.Skipped
			if len(row.Tiers) == 0 {
				res.Unchanged++
				continue
			}
			li := o.FindLineItem(targets[i].ID)
			updated := *li
			updated.SetTiers(mode, row.Tiers)
			updated.LineTotal = pricing.ActiveTotal(row.Tiers)
			if err := tx.UpdateLineItem(ctx, &updated); err != nil {
				return fmt.Errorf("paste into line item %d: %w", updated.ID, err)
			}
			*li = updated
			res.Applied++
		}
		if err := s.persistTotals(ctx, tx, o); err != nil {
			return err
		}
		res.Offer = o
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, "offer.prices_pasted", offerID, map[string]any{
		"rows":          result.Rows,
		"applied":       result.Applied,
		"ignored_rows":  result.IgnoredRows,
		"skipped_pairs": result.SkippedPairs,
	})
	s.invalidate(ctx)
	return result, nil
}

// Statistics summarises the offer book. Results are cached until the next
// mutation; concurrent misses share a single load.
func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	key, err := s.cache.BuildKey(ctx, "statistics")
	if err != nil {
		s.logger.WarnContext(ctx, "offer statistics cache unavailable", slog.Any("error", err))
		return s.loadStatistics(ctx)
	}
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		var stats Statistics
		err := s.cache.FetchJSON(ctx, key, &stats, func(ctx context.Context) (interface{}, error) {
			return s.loadStatistics(ctx)
		})
		return &stats, err
	})
	if err != nil {
		return nil, fmt.Errorf("offer statistics: %w", err)
	}
	return v.(*Statistics), nil
}

func (s *Service) loadStatistics(ctx context.Context) (*Statistics, error) {
	var (
		totals []StatusTotal
		recent []Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		totals, err = s.repo.StatusTotals(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		recent, err = s.repo.RecentOffers(gctx, recentOffersLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := &Statistics{
		ByStatus:           make(map[Status]int, len(Statuses)),
		TotalValueByStatus: make(map[Status]decimal.Decimal, len(Statuses)),
		Recent:             recent,
	}
	for _, st := range Statuses {
		stats.ByStatus[st] = 0
		stats.TotalValueByStatus[st] = decimal.Zero
	}
	for _, t := range totals {
		stats.Total += t.Count
		stats.ByStatus[t.Status] += t.Count
		stats.TotalValueByStatus[t.Status] = stats.TotalValueByStatus[t.Status].Add(t.Value)
	}
	if stats.Recent == nil {
		stats.Recent = []Summary{}
	}
	return stats, nil
}

// RequestPDF schedules rendering of the offer document.
func (s *Service) RequestPDF(ctx context.Context, id int64) error {
	if s.queue == nil {
		return errors.New("offers: pdf rendering not configured")
	}
	if _, err := s.repo.GetOffer(ctx, id); err != nil {
		return err
	}
	return s.queue.EnqueueOfferPDF(ctx, id)
}

// RenderPDF renders the offer document, stores it and marks the offer.
func (s *Service) RenderPDF(ctx context.Context, id int64) (doc *Document, err error) {
	defer func() { s.observe("render_pdf", err) }()

	if s.renderer == nil {
		return nil, errors.New("offers: pdf renderer not configured")
	}
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	html, err := RenderDocument(o, s.now())
	if err != nil {
		return nil, fmt.Errorf("render offer html: %w", err)
	}
	content, err := s.renderer.RenderHTML(ctx, html)
	if err != nil {
		return nil, fmt.Errorf("convert offer pdf: %w", err)
	}

	doc = &Document{
		ID:          uuid.New(),
		OfferID:     o.ID,
		OfferNumber: o.OfferNumber,
		FileName:    o.OfferNumber + ".pdf",
		Content:     content,
	}
	at := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertDocument(ctx, doc); err != nil {
			return fmt.Errorf("store document: %w", err)
		}
		return tx.MarkPDFGenerated(ctx, o.ID, doc.ID, at)
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "offer pdf rendered",
		slog.Int64("offer_id", o.ID),
		slog.String("offer_number", o.OfferNumber),
		slog.Int("bytes", len(content)))
	s.invalidate(ctx)
	return doc, nil
}

// LatestPDF returns the document currently attached to the offer.
func (s *Service) LatestPDF(ctx context.Context, id int64) (*Document, error) {
	return s.repo.LatestDocument(ctx, id)
}

// ExpireOverdue marks offers whose validity ended before today as expired.
func (s *Service) ExpireOverdue(ctx context.Context) (n int, err error) {
	defer func() { s.observe("expire", err) }()

	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	ids, err := s.repo.ExpireOffers(ctx, today)
	if err != nil {
		return 0, fmt.Errorf("expire offers: %w", err)
	}
	for _, id := range ids {
		s.record(shared.ContextWithActor(ctx, "system"), "offer.expired", id, nil)
	}
	if len(ids) > 0 {
		s.invalidate(ctx)
	}
	return len(ids), nil
}

// persistTotals runs the calculator over o and stores the offer plus every
// line whose total changed. extra names lines already changed by the caller.
func (s *Service) persistTotals(ctx context.Context, tx TxRepository, o *Offer, extra ...int64) error {
	dirty := make(map[int64]struct{}, len(extra))
	for _, id := range extra {
		dirty[id] = struct{}{}
	}
	for _, id := range s.applyTotals(o) {
		dirty[id] = struct{}{}
	}
	for i := range o.LineItems {
		li := &o.LineItems[i]
		if _, ok := dirty[li.ID]; !ok {
			continue
		}
		if err := tx.UpdateLineTotal(ctx, li.ID, li.LineTotal); err != nil {
			return fmt.Errorf("store line total %d: %w", li.ID, err)
		}
	}
	if err := tx.UpdateOffer(ctx, o); err != nil {
		return fmt.Errorf("store totals: %w", err)
	}
	return nil
}

// applyTotals updates o in memory and returns the ids of line items whose
// total was newly derived.
func (s *Service) applyTotals(o *Offer) []int64 {
	lines := make([]pricing.Line, len(o.LineItems))
	for i := range o.LineItems {
		lines[i] = o.LineItems[i].PricingLine()
	}
	totals := pricing.Calculate(pricing.Config{
		UseUnitPrices:      o.UseUnitPrices,
		DiscountPercentage: o.DiscountPercentage,
		DiscountAmount:     o.DiscountAmount,
		ShippingCost:       o.ShippingCost,
		TaxRate:            s.cfg.TaxRate,
	}, lines)

	var changed []int64
	for i := range o.LineItems {
		if totals.Changed[i] {
			o.LineItems[i].LineTotal = totals.LineTotals[i]
			changed = append(changed, o.LineItems[i].ID)
		}
	}
	o.Subtotal = totals.Subtotal
	o.DiscountAmount = totals.DiscountAmount
	o.TaxAmount = totals.TaxAmount
	o.TotalAmount = totals.TotalAmount
	at := s.now()
	o.TotalsComputedAt = &at
	return changed
}

func validatePricingInputs(pct, amount, shipping *decimal.Decimal) *shared.ValidationError {
	verr := &shared.ValidationError{}
	if pct != nil && (pct.IsNegative() || pct.GreaterThan(hundred)) {
		verr.Add("discount_percentage", "must be between 0 and 100")
	}
	if amount != nil && amount.IsNegative() {
		verr.Add("discount_amount", "must not be negative")
	}
	if shipping != nil && shipping.IsNegative() {
		verr.Add("shipping_cost", "must not be negative")
	}
	return verr
}

func (s *Service) record(ctx context.Context, action string, offerID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   "offer",
		EntityID: strconv.FormatInt(offerID, 10),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "audit record failed", slog.String("action", action), slog.Int64("offer_id", offerID), slog.Any("error", err))
	}
}

func (s *Service) invalidate(ctx context.Context) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.WarnContext(ctx, "offer cache bump failed", slog.Any("error", err))
	}
}

func (s *Service) observe(operation string, err error) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveOfferOperation(operation, err)
	}
}
