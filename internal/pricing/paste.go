package pricing

import (
	"strings"
	"time"
)

// PasteRow is one data row of spreadsheet text copied into an offer. Tiers
// holds the valid (quantity, price) pairs in column order; the first one is
// active. Rows without a valid pair carry no tiers and leave the target line
// item untouched.
type PasteRow struct {
	Name    string
	Tiers   []Tier
	Skipped int
}

// ParsePaste splits tab-separated text into rows. The first row is a header
// and is discarded. Column 0 is the item name; the remaining columns are read
// in (quantity, price) pairs. Pairs whose price is not a positive number, or
// whose quantity is not a positive number, are skipped.
func ParsePaste(text string, mode Mode, now time.Time) []PasteRow {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	if len(lines) <= 1 {
		return nil
	}
	lines = lines[1:]
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}

	rows := make([]PasteRow, 0, len(lines))
	for _, line := range lines {
		cols := strings.Split(line, "\t")
		row := PasteRow{Name: strings.TrimSpace(cols[0])}
		for i := 1; i+1 < len(cols); i += 2 {
			tier, ok := pasteTier(mode, cols[i], cols[i+1], len(row.Tiers) == 0, now)
			if !ok {
				row.Skipped++
				continue
			}
			row.Tiers = append(row.Tiers, tier)
		}
		rows = append(rows, row)
	}
	return rows
}

func pasteTier(mode Mode, quantityCell, priceCell string, active bool, now time.Time) (Tier, bool) {
	price, ok := ParseNumber(priceCell)
	if !ok || !price.IsPositive() {
		return Tier{}, false
	}
	tier, err := NewTier(mode, quantityCell, price, active, now)
	if err != nil {
		return Tier{}, false
	}
	return tier, true
}
