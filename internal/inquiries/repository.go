package inquiries

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tradedesk/tradedesk/internal/shared"
)

// Repository loads inquiries with their requested items and customer.
type Repository interface {
	GetInquiry(ctx context.Context, id int64) (*Inquiry, error)
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

type repository struct {
	db dbtx
}

// NewRepository returns a pgx backed Repository.
func NewRepository(db dbtx) Repository {
	return &repository{db: db}
}

func (r *repository) GetInquiry(ctx context.Context, id int64) (*Inquiry, error) {
	var inq Inquiry
	err := r.db.QueryRow(ctx, `
		SELECT id, name, description, is_assembly, is_estimated,
		       purchase_price, purchase_price_currency, customer_id
		FROM inquiries
		WHERE id = $1
	`, id).Scan(
		&inq.ID, &inq.Name, &inq.Description, &inq.IsAssembly, &inq.IsEstimated,
		&inq.PurchasePrice, &inq.PurchasePriceCurrency, &inq.CustomerID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("inquiry %d: %w", id, shared.ErrNotFound)
		}
		return nil, err
	}

	items, err := r.requestedItems(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load requested items: %w", err)
	}
	inq.Requests = items

	if inq.CustomerID != nil {
		customer, err := r.customer(ctx, *inq.CustomerID)
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("load customer: %w", err)
		}
		inq.Customer = customer
	}
	return &inq, nil
}

func (r *repository) requestedItems(ctx context.Context, inquiryID int64) ([]RequestedItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, item_name, material, specification, weight, width, height, length,
		       qty, purchase_price, currency, comment, extra_note, is_estimated
		FROM requested_items
		WHERE inquiry_id = $1
		ORDER BY id
	`, inquiryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []RequestedItem
	for rows.Next() {
		var it RequestedItem
		if err := rows.Scan(
			&it.ID, &it.ItemName, &it.Material, &it.Specification,
			&it.Weight, &it.Width, &it.Height, &it.Length,
			&it.Qty, &it.PurchasePrice, &it.Currency, &it.Comment, &it.ExtraNote, &it.IsEstimated,
		); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *repository) customer(ctx context.Context, id int64) (*Customer, error) {
	var (
		c       Customer
		details BusinessDetails
		hasBD   bool
	)
	err := r.db.QueryRow(ctx, `
		SELECT c.id, c.company_name, c.legal_name, c.email, c.phone,
		       bd.customer_id IS NOT NULL, bd.address, bd.postal_code, bd.city, bd.state, bd.country, bd.vat_number
		FROM customers c
		LEFT JOIN business_details bd ON bd.customer_id = c.id
		WHERE c.id = $1
	`, id).Scan(
		&c.ID, &c.CompanyName, &c.LegalName, &c.Email, &c.Phone,
		&hasBD, &details.Address, &details.PostalCode, &details.City, &details.State, &details.Country, &details.VATNumber,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	if hasBD {
		c.BusinessDetails = &details
	}
	return &c, nil
}
