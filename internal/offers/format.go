package offers

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/tradedesk/tradedesk/internal/pricing"
)

// currencyLocale picks the number conventions customers of a currency expect.
var currencyLocale = map[Currency]language.Tag{
	CurrencyEUR: language.German,
	CurrencyUSD: language.AmericanEnglish,
	CurrencyHKD: language.MustParse("zh-HK"),
	CurrencyRMB: language.SimplifiedChinese,
}

// amountFormatter renders amounts with locale grouping and fixed places.
type amountFormatter struct {
	tag     language.Tag
	printer *message.Printer
}

func newAmountFormatter(c Currency) amountFormatter {
	tag, ok := currencyLocale[c]
	if !ok {
		tag = language.German
	}
	return amountFormatter{tag: tag, printer: message.NewPrinter(tag)}
}

// Amount rounds d half away from zero to places and formats it.
func (f amountFormatter) Amount(d decimal.Decimal, places int32) string {
	rounded := d.Round(places)
	return f.printer.Sprint(number.Decimal(rounded.InexactFloat64(), number.Scale(int(places))))
}

// Quantity formats a stored quantity string without forcing decimals.
func (f amountFormatter) Quantity(raw string) string {
	qty, ok := pricing.ParseNumber(raw)
	if !ok {
		return strings.TrimSpace(raw)
	}
	places := -qty.Exponent()
	if places < 0 {
		places = 0
	}
	return f.printer.Sprint(number.Decimal(qty.InexactFloat64(), number.Scale(int(places))))
}
