package offers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradedesk/tradedesk/internal/platform/db"
	"github.com/tradedesk/tradedesk/internal/pricing"
	"github.com/tradedesk/tradedesk/internal/shared"
)

const idempotencyModule = "offers"

// Repository covers reads plus transactional access to offers.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOffer(ctx context.Context, id int64) (*Offer, error)
	ListOffers(ctx context.Context, filter ListFilter) ([]Offer, int, error)
	StatusTotals(ctx context.Context) ([]StatusTotal, error)
	RecentOffers(ctx context.Context, limit int) ([]Summary, error)
	LatestDocument(ctx context.Context, offerID int64) (*Document, error)
	LookupIdempotencyKey(ctx context.Context, key string) (int64, error)
	ExpireOffers(ctx context.Context, today time.Time) ([]int64, error)
}

// TxRepository is the write side, only reachable inside WithTx.
type TxRepository interface {
	LockNumberPrefix(ctx context.Context, prefix string) error
	LastOfferNumber(ctx context.Context, prefix string) (string, error)
	ClaimIdempotencyKey(ctx context.Context, key string, offerID int64) error
	GetOffer(ctx context.Context, id int64) (*Offer, error)
	InsertOffer(ctx context.Context, o *Offer) error
	UpdateOffer(ctx context.Context, o *Offer) error
	UpdateStatus(ctx context.Context, id int64, status Status) error
	DeleteOffer(ctx context.Context, id int64) error
	InsertLineItem(ctx context.Context, li *LineItem) error
	UpdateLineItem(ctx context.Context, li *LineItem) error
	UpdateLineTotal(ctx context.Context, id int64, total decimal.Decimal) error
	InsertDocument(ctx context.Context, doc *Document) error
	MarkPDFGenerated(ctx context.Context, offerID int64, documentID uuid.UUID, at time.Time) error
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

type repository struct {
	db   dbtx
	pool *pgxpool.Pool
	tx   pgx.Tx
	idem *shared.IdempotencyStore
}

// NewRepository returns the pgx backed Repository.
func NewRepository(pool *pgxpool.Pool, idem *shared.IdempotencyStore) Repository {
	return &repository{db: pool, pool: pool, idem: idem}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxIsolation(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx, pool: r.pool, tx: tx, idem: r.idem})
	})
}

const offerColumns = `
	o.id, o.offer_number, o.inquiry_id, o.customer_id, o.title, o.description, o.valid_until,
	o.payment_terms, o.delivery_terms, o.notes, o.delivery_address, o.assembly_name, o.assembly_description,
	o.inquiry_snapshot, o.customer_snapshot, o.currency, o.discount_percentage, o.discount_amount,
	o.shipping_cost, o.use_unit_prices, o.unit_price_decimal_places, o.total_price_decimal_places,
	o.subtotal, o.tax_amount, o.total_amount, o.totals_computed_at, o.status, o.revision,
	o.previous_offer_number, o.pdf_generated, o.pdf_document_id, o.pdf_generated_at,
	o.created_at, o.updated_at`

func scanOffer(row pgx.Row) (*Offer, error) {
	var (
		o                      Offer
		inquirySnap, custSnap []byte
	)
	err := row.Scan(
		&o.ID, &o.OfferNumber, &o.InquiryID, &o.CustomerID, &o.Title, &o.Description, &o.ValidUntil,
		&o.PaymentTerms, &o.DeliveryTerms, &o.Notes, &o.DeliveryAddress, &o.AssemblyName, &o.AssemblyDescription,
		&inquirySnap, &custSnap, &o.Currency, &o.DiscountPercentage, &o.DiscountAmount,
		&o.ShippingCost, &o.UseUnitPrices, &o.UnitPriceDecimalPlaces, &o.TotalPriceDecimalPlaces,
		&o.Subtotal, &o.TaxAmount, &o.TotalAmount, &o.TotalsComputedAt, &o.Status, &o.Revision,
		&o.PreviousOfferNumber, &o.PDFGenerated, &o.PDFDocumentID, &o.PDFGeneratedAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(inquirySnap) > 0 {
		if err := json.Unmarshal(inquirySnap, &o.InquirySnapshot); err != nil {
			return nil, fmt.Errorf("decode inquiry snapshot: %w", err)
		}
	}
	if len(custSnap) > 0 {
		if err := json.Unmarshal(custSnap, &o.CustomerSnapshot); err != nil {
			return nil, fmt.Errorf("decode customer snapshot: %w", err)
		}
	}
	return &o, nil
}

func (r *repository) GetOffer(ctx context.Context, id int64) (*Offer, error) {
	o, err := scanOffer(r.db.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers o WHERE o.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("offer %d: %w", id, shared.ErrNotFound)
		}
		return nil, err
	}
	items, err := r.lineItems(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load line items: %w", err)
	}
	o.LineItems = items
	return o, nil
}

func (r *repository) lineItems(ctx context.Context, offerID int64) ([]LineItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, offer_id, requested_item_id, item_name, material, specification, description,
		       weight, width, height, length, position, base_quantity, base_price, line_total,
		       is_assembly_item, is_component, parent_item_id, purchase_price, purchase_currency,
		       comment, extra_note, is_estimated, created_at, updated_at
		FROM offer_line_items
		WHERE offer_id = $1
		ORDER BY position, id
	`, offerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []LineItem
	index := make(map[int64]int)
	for rows.Next() {
		var li LineItem
		if err := rows.Scan(
			&li.ID, &li.OfferID, &li.RequestedItemID, &li.ItemName, &li.Material, &li.Specification, &li.Description,
			&li.Weight, &li.Width, &li.Height, &li.Length, &li.Position, &li.BaseQuantity, &li.BasePrice, &li.LineTotal,
			&li.IsAssemblyItem, &li.IsComponent, &li.ParentItemID, &li.PurchasePrice, &li.PurchaseCurrency,
			&li.Comment, &li.ExtraNote, &li.IsEstimated, &li.CreatedAt, &li.UpdatedAt,
		); err != nil {
			return nil, err
		}
		index[li.ID] = len(items)
		items = append(items, li)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return items, nil
	}

	tierRows, err := r.db.Query(ctx, `
		SELECT p.line_item_id, p.mode, p.quantity, p.price, p.total, p.is_active, p.created_at, p.updated_at
		FROM offer_line_item_prices p
		JOIN offer_line_items li ON li.id = p.line_item_id
		WHERE li.offer_id = $1
		ORDER BY p.line_item_id, p.mode, p.sequence
	`, offerID)
	if err != nil {
		return nil, err
	}
	defer tierRows.Close()
	for tierRows.Next() {
		var (
			itemID int64
			t      pricing.Tier
		)
		if err := tierRows.Scan(&itemID, &t.Mode, &t.Quantity, &t.Price, &t.Total, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		i, ok := index[itemID]
		if !ok {
			continue
		}
		li := &items[i]
		li.SetTiers(t.Mode, append(li.Tiers(t.Mode), t))
	}
	return items, tierRows.Err()
}

func (r *repository) ListOffers(ctx context.Context, filter ListFilter) ([]Offer, int, error) {
	var (
		conditions []string
		args       []interface{}
	)
	argPos := 1
	if filter.InquiryID != nil {
		conditions = append(conditions, fmt.Sprintf("o.inquiry_id = $%d", argPos))
		args = append(args, *filter.InquiryID)
		argPos++
	}
	if filter.CustomerID != nil {
		conditions = append(conditions, fmt.Sprintf("o.customer_id = $%d", argPos))
		args = append(args, *filter.CustomerID)
		argPos++
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("o.status = $%d", argPos))
		args = append(args, string(*filter.Status))
		argPos++
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		conditions = append(conditions, fmt.Sprintf(
			"(o.offer_number ILIKE $%[1]d OR o.title ILIKE $%[1]d OR o.customer_snapshot->>'company_name' ILIKE $%[1]d)", argPos))
		args = append(args, "%"+search+"%")
		argPos++
	}
	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM offers o "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := shared.NewPagination(filter.Page, filter.PerPage, total)
	query := fmt.Sprintf(`SELECT %s FROM offers o %s ORDER BY o.created_at DESC, o.id DESC LIMIT $%d OFFSET $%d`,
		offerColumns, whereClause, argPos, argPos+1)
	args = append(args, page.PerPage, page.Offset())

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var offers []Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, 0, err
		}
		offers = append(offers, *o)
	}
	return offers, total, rows.Err()
}

func (r *repository) StatusTotals(ctx context.Context) ([]StatusTotal, error) {
	rows, err := r.db.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(total_amount), 0)
		FROM offers
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []StatusTotal
	for rows.Next() {
		var st StatusTotal
		if err := rows.Scan(&st.Status, &st.Count, &st.Value); err != nil {
			return nil, err
		}
		totals = append(totals, st)
	}
	return totals, rows.Err()
}

func (r *repository) RecentOffers(ctx context.Context, limit int) ([]Summary, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, offer_number, title, COALESCE(customer_snapshot->>'company_name', ''),
		       status, currency, total_amount, created_at
		FROM offers
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.OfferNumber, &s.Title, &s.CustomerName, &s.Status, &s.Currency, &s.TotalAmount, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repository) LatestDocument(ctx context.Context, offerID int64) (*Document, error) {
	var doc Document
	err := r.db.QueryRow(ctx, `
		SELECT d.id, d.offer_id, d.offer_number, d.file_name, d.content, d.created_at
		FROM offer_documents d
		JOIN offers o ON o.pdf_document_id = d.id
		WHERE o.id = $1
	`, offerID).Scan(&doc.ID, &doc.OfferID, &doc.OfferNumber, &doc.FileName, &doc.Content, &doc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("document for offer %d: %w", offerID, shared.ErrNotFound)
		}
		return nil, err
	}
	return &doc, nil
}

func (r *repository) LookupIdempotencyKey(ctx context.Context, key string) (int64, error) {
	ref, err := r.idem.Lookup(ctx, key, idempotencyModule)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("idempotency key %q: malformed resource %q", key, ref)
	}
	return id, nil
}

func (r *repository) ExpireOffers(ctx context.Context, today time.Time) ([]int64, error) {
	statuses := make([]string, len(expirable))
	for i, s := range expirable {
		statuses[i] = string(s)
	}
	rows, err := r.db.Query(ctx, `
		UPDATE offers SET status = $1, updated_at = NOW()
		WHERE valid_until < $2 AND status = ANY($3)
		RETURNING id
	`, string(StatusExpired), today, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repository) LockNumberPrefix(ctx context.Context, prefix string) error {
	if r.tx == nil {
		return errors.New("offers: number lock requires a transaction")
	}
	return db.AdvisoryXactLock(ctx, r.tx, shared.OfferNumberLockKey(prefix))
}

func (r *repository) LastOfferNumber(ctx context.Context, prefix string) (string, error) {
	var number string
	err := r.db.QueryRow(ctx, `
		SELECT offer_number FROM offers
		WHERE offer_number LIKE $1 || '%'
		ORDER BY length(offer_number) DESC, offer_number DESC
		LIMIT 1
	`, prefix).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return number, err
}

func (r *repository) ClaimIdempotencyKey(ctx context.Context, key string, offerID int64) error {
	return r.idem.Claim(ctx, r.db, key, idempotencyModule, strconv.FormatInt(offerID, 10))
}

func (r *repository) InsertOffer(ctx context.Context, o *Offer) error {
	inquirySnap, err := json.Marshal(o.InquirySnapshot)
	if err != nil {
		return err
	}
	custSnap, err := json.Marshal(o.CustomerSnapshot)
	if err != nil {
		return err
	}
	err = r.db.QueryRow(ctx, `
		INSERT INTO offers (
			offer_number, inquiry_id, customer_id, title, description, valid_until,
			payment_terms, delivery_terms, notes, delivery_address, assembly_name, assembly_description,
			inquiry_snapshot, customer_snapshot, currency, discount_percentage, discount_amount,
			shipping_cost, use_unit_prices, unit_price_decimal_places, total_price_decimal_places,
			subtotal, tax_amount, total_amount, totals_computed_at, status, revision,
			previous_offer_number, pdf_generated, pdf_document_id, pdf_generated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31
		)
		RETURNING id, created_at, updated_at
	`,
		o.OfferNumber, o.InquiryID, o.CustomerID, o.Title, o.Description, o.ValidUntil,
		o.PaymentTerms, o.DeliveryTerms, o.Notes, o.DeliveryAddress, o.AssemblyName, o.AssemblyDescription,
		inquirySnap, custSnap, string(o.Currency), o.DiscountPercentage, o.DiscountAmount,
		o.ShippingCost, o.UseUnitPrices, o.UnitPriceDecimalPlaces, o.TotalPriceDecimalPlaces,
		o.Subtotal, o.TaxAmount, o.TotalAmount, o.TotalsComputedAt, string(o.Status), o.Revision,
		o.PreviousOfferNumber, o.PDFGenerated, o.PDFDocumentID, o.PDFGeneratedAt,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("offer number %s: %w", o.OfferNumber, shared.ErrConflict)
		}
		return err
	}
	return nil
}

func (r *repository) UpdateOffer(ctx context.Context, o *Offer) error {
	err := r.db.QueryRow(ctx, `
		UPDATE offers SET
			title = $2, description = $3, valid_until = $4, payment_terms = $5, delivery_terms = $6,
			notes = $7, delivery_address = $8, assembly_name = $9, assembly_description = $10,
			currency = $11, discount_percentage = $12, discount_amount = $13, shipping_cost = $14,
			use_unit_prices = $15, unit_price_decimal_places = $16, total_price_decimal_places = $17,
			subtotal = $18, tax_amount = $19, total_amount = $20, totals_computed_at = $21,
			status = $22, pdf_generated = $23, pdf_document_id = $24, pdf_generated_at = $25,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`,
		o.ID, o.Title, o.Description, o.ValidUntil, o.PaymentTerms, o.DeliveryTerms,
		o.Notes, o.DeliveryAddress, o.AssemblyName, o.AssemblyDescription,
		string(o.Currency), o.DiscountPercentage, o.DiscountAmount, o.ShippingCost,
		o.UseUnitPrices, o.UnitPriceDecimalPlaces, o.TotalPriceDecimalPlaces,
		o.Subtotal, o.TaxAmount, o.TotalAmount, o.TotalsComputedAt,
		string(o.Status), o.PDFGenerated, o.PDFDocumentID, o.PDFGeneratedAt,
	).Scan(&o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("offer %d: %w", o.ID, shared.ErrNotFound)
	}
	return err
}

func (r *repository) UpdateStatus(ctx context.Context, id int64, status Status) error {
	tag, err := r.db.Exec(ctx, `UPDATE offers SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("offer %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (r *repository) DeleteOffer(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM offers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("offer %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (r *repository) InsertLineItem(ctx context.Context, li *LineItem) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO offer_line_items (
			offer_id, requested_item_id, item_name, material, specification, description,
			weight, width, height, length, position, base_quantity, base_price, line_total,
			is_assembly_item, is_component, parent_item_id, purchase_price, purchase_currency,
			comment, extra_note, is_estimated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		RETURNING id, created_at, updated_at
	`,
		li.OfferID, li.RequestedItemID, li.ItemName, li.Material, li.Specification, li.Description,
		li.Weight, li.Width, li.Height, li.Length, li.Position, li.BaseQuantity, li.BasePrice, li.LineTotal,
		li.IsAssemblyItem, li.IsComponent, li.ParentItemID, li.PurchasePrice, li.PurchaseCurrency,
		li.Comment, li.ExtraNote, li.IsEstimated,
	).Scan(&li.ID, &li.CreatedAt, &li.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("line item position %d: %w", li.Position, shared.ErrConflict)
		}
		return err
	}
	return r.replaceAllTiers(ctx, li)
}

func (r *repository) UpdateLineItem(ctx context.Context, li *LineItem) error {
	err := r.db.QueryRow(ctx, `
		UPDATE offer_line_items SET
			item_name = $2, material = $3, specification = $4, description = $5,
			weight = $6, width = $7, height = $8, length = $9, base_quantity = $10, base_price = $11,
			line_total = $12, purchase_price = $13, purchase_currency = $14, comment = $15,
			extra_note = $16, is_estimated = $17, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`,
		li.ID, li.ItemName, li.Material, li.Specification, li.Description,
		li.Weight, li.Width, li.Height, li.Length, li.BaseQuantity, li.BasePrice,
		li.LineTotal, li.PurchasePrice, li.PurchaseCurrency, li.Comment,
		li.ExtraNote, li.IsEstimated,
	).Scan(&li.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("line item %d: %w", li.ID, shared.ErrNotFound)
		}
		return err
	}
	return r.replaceAllTiers(ctx, li)
}

func (r *repository) UpdateLineTotal(ctx context.Context, id int64, total decimal.Decimal) error {
	tag, err := r.db.Exec(ctx, `UPDATE offer_line_items SET line_total = $2, updated_at = NOW() WHERE id = $1`, id, total)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("line item %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (r *repository) replaceAllTiers(ctx context.Context, li *LineItem) error {
	if err := r.replaceTiers(ctx, li.ID, pricing.ModeQuantity, li.QuantityPrices); err != nil {
		return err
	}
	return r.replaceTiers(ctx, li.ID, pricing.ModeUnit, li.UnitPrices)
}

// replaceTiers rewrites the stored list for (line item, mode) in list order.
func (r *repository) replaceTiers(ctx context.Context, lineItemID int64, mode pricing.Mode, tiers []pricing.Tier) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM offer_line_item_prices WHERE line_item_id = $1 AND mode = $2`, lineItemID, string(mode)); err != nil {
		return fmt.Errorf("clear %s prices: %w", mode, err)
	}
	for seq, t := range tiers {
		created, updated := t.CreatedAt, t.UpdatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if updated.IsZero() {
			updated = created
		}
		if _, err := r.db.Exec(ctx, `
			INSERT INTO offer_line_item_prices (line_item_id, mode, sequence, quantity, price, total, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, lineItemID, string(mode), seq, t.Quantity, t.Price, t.Total, t.IsActive, created, updated); err != nil {
			return fmt.Errorf("insert %s price: %w", mode, err)
		}
	}
	return nil
}

func (r *repository) InsertDocument(ctx context.Context, doc *Document) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO offer_documents (id, offer_id, offer_number, file_name, content)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, doc.ID, doc.OfferID, doc.OfferNumber, doc.FileName, doc.Content).Scan(&doc.CreatedAt)
}

func (r *repository) MarkPDFGenerated(ctx context.Context, offerID int64, documentID uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE offers SET pdf_generated = TRUE, pdf_document_id = $2, pdf_generated_at = $3, updated_at = NOW()
		WHERE id = $1
	`, offerID, documentID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("offer %d: %w", offerID, shared.ErrNotFound)
	}
	return nil
}
