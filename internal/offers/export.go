package offers

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/tradedesk/tradedesk/internal/pricing"
)

var exportHeader = []string{"Position", "Item", "Material", "Specification", "Quantity", "Unit price", "Total"}

type exportRow struct {
	position      int
	name          string
	material      string
	specification string
	quantity      string
	unitPrice     decimal.Decimal
	total         decimal.Decimal
}

type exportSummary struct {
	label  string
	amount decimal.Decimal
}

func exportRows(o *Offer) []exportRow {
	mode := o.Mode()
	lines := o.CustomerLines()
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Position < lines[j].Position })
	rows := make([]exportRow, 0, len(lines))
	for i := range lines {
		li := &lines[i]
		qty, price := li.DisplayPricing(mode)
		rows = append(rows, exportRow{
			position:      li.Position,
			name:          li.ItemName,
			material:      deref(li.Material),
			specification: deref(li.Specification),
			quantity:      qty,
			unitPrice:     price,
			total:         li.LineTotal,
		})
	}
	return rows
}

func exportSummaries(o *Offer) []exportSummary {
	shipping := decimal.Zero
	if o.ShippingCost.Valid {
		shipping = o.ShippingCost.Decimal
	}
	return []exportSummary{
		{"Subtotal", o.Subtotal},
		{"Discount", o.DiscountAmount},
		{"Shipping", shipping},
		{"Tax", o.TaxAmount},
		{"Total", o.TotalAmount},
	}
}

// WriteCSV writes the customer-visible rows of o followed by the rollups.
// Fields are separated by semicolons.
func WriteCSV(w io.Writer, o *Offer) error {
	writer := csv.NewWriter(w)
	writer.Comma = ';'
	defer writer.Flush()

	if err := writer.Write(exportHeader); err != nil {
		return err
	}
	for _, row := range exportRows(o) {
		if err := writer.Write([]string{
			strconv.Itoa(row.position),
			row.name,
			row.material,
			row.specification,
			row.quantity,
			pricing.FormatFixed(row.unitPrice, o.UnitPriceDecimalPlaces),
			pricing.FormatFixed(row.total, o.TotalPriceDecimalPlaces),
		}); err != nil {
			return err
		}
	}
	for _, sum := range exportSummaries(o) {
		if err := writer.Write([]string{"", sum.label, "", "", "", "", pricing.FormatFixed(sum.amount, o.TotalPriceDecimalPlaces)}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

const xlsxSheet = "Offer"

// WriteXLSX writes o as a workbook with a header block and the same rows as
// WriteCSV. Amounts are numeric cells formatted to the offer's places.
func WriteXLSX(w io.Writer, o *Offer, now time.Time) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", xlsxSheet); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	unitFmt := numberFormat(o.UnitPriceDecimalPlaces)
	totalFmt := numberFormat(o.TotalPriceDecimalPlaces)
	unitStyle, err := f.NewStyle(&excelize.Style{CustomNumFmt: &unitFmt})
	if err != nil {
		return err
	}
	totalStyle, err := f.NewStyle(&excelize.Style{CustomNumFmt: &totalFmt})
	if err != nil {
		return err
	}

	fmtr := newAmountFormatter(o.Currency)
	header := [][]interface{}{
		{"Offer", o.OfferNumber},
		{"Customer", o.CustomerSnapshot.DisplayName()},
		{"Date", now.Format("2006-01-02")},
		{"Currency", string(o.Currency)},
		{"Total", fmtr.Amount(o.TotalAmount, o.TotalPriceDecimalPlaces) + " " + string(o.Currency)},
	}
	for i, values := range header {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(xlsxSheet, cell, &values); err != nil {
			return err
		}
	}
	if err := f.SetCellStyle(xlsxSheet, "A1", fmt.Sprintf("A%d", len(header)), bold); err != nil {
		return err
	}

	row := len(header) + 2
	headerCells := make([]interface{}, len(exportHeader))
	for i, h := range exportHeader {
		headerCells[i] = h
	}
	cell, _ := excelize.CoordinatesToCellName(1, row)
	if err := f.SetSheetRow(xlsxSheet, cell, &headerCells); err != nil {
		return err
	}
	last, _ := excelize.CoordinatesToCellName(len(exportHeader), row)
	if err := f.SetCellStyle(xlsxSheet, cell, last, bold); err != nil {
		return err
	}

	for _, r := range exportRows(o) {
		row++
		values := []interface{}{r.position, r.name, r.material, r.specification, r.quantity,
			r.unitPrice.InexactFloat64(), r.total.InexactFloat64()}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(xlsxSheet, cell, &values); err != nil {
			return err
		}
		if err := f.SetCellStyle(xlsxSheet, fmt.Sprintf("F%d", row), fmt.Sprintf("F%d", row), unitStyle); err != nil {
			return err
		}
		if err := f.SetCellStyle(xlsxSheet, fmt.Sprintf("G%d", row), fmt.Sprintf("G%d", row), totalStyle); err != nil {
			return err
		}
	}

	row++
	for _, sum := range exportSummaries(o) {
		row++
		if err := f.SetCellValue(xlsxSheet, fmt.Sprintf("B%d", row), sum.label); err != nil {
			return err
		}
		if err := f.SetCellValue(xlsxSheet, fmt.Sprintf("G%d", row), sum.amount.InexactFloat64()); err != nil {
			return err
		}
		if err := f.SetCellStyle(xlsxSheet, fmt.Sprintf("G%d", row), fmt.Sprintf("G%d", row), totalStyle); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(xlsxSheet, "B", "D", 28); err != nil {
		return err
	}
	return f.Write(w)
}

func numberFormat(places int32) string {
	if places <= 0 {
		return "#,##0"
	}
	format := "#,##0."
	for i := int32(0); i < places; i++ {
		format += "0"
	}
	return format
}

// ExportCSV writes the offer as CSV.
func (s *Service) ExportCSV(ctx context.Context, id int64, w io.Writer) (*Offer, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return o, WriteCSV(w, o)
}

// ExportXLSX writes the offer as an Excel workbook.
func (s *Service) ExportXLSX(ctx context.Context, id int64, w io.Writer) (*Offer, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return o, WriteXLSX(w, o, s.now())
}
