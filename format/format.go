// Package format renders quote values for display the way an Australian reader
// expects them: AUD currency, en-AU digit grouping and signed percentages.
package format

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.MustParse("en-AU"))

var (
	thousand = decimal.NewFromInt(1_000)
	million  = decimal.NewFromInt(1_000_000)
	billion  = decimal.NewFromInt(1_000_000_000)
)

// Currency formats v as AUD with two decimals: $1,234.50 or -$3.20.
func Currency(v float64) string {
	d := decimal.NewFromFloat(v).Round(2)
	s := "$" + grouped(d.Abs().StringFixed(2))
	if d.IsNegative() {
		return "-" + s
	}
	return s
}

// Number formats v with digit grouping and at most three decimals: 1,234,567.125.
func Number(v float64) string {
	d := decimal.NewFromFloat(v).Round(3)
	s := grouped(d.Abs().String())
	if d.IsNegative() {
		return "-" + s
	}
	return s
}

// MarketValue abbreviates large values: $1.23B, $4.50M, $7.00K. Values under a
// thousand are formatted as Currency.
func MarketValue(v float64) string {
	d := decimal.NewFromFloat(v)
	switch {
	case d.GreaterThanOrEqual(billion):
		return "$" + d.Div(billion).StringFixed(2) + "B"
	case d.GreaterThanOrEqual(million):
		return "$" + d.Div(million).StringFixed(2) + "M"
	case d.GreaterThanOrEqual(thousand):
		return "$" + d.Div(thousand).StringFixed(2) + "K"
	}
	return Currency(v)
}

// Percentage formats v as a signed percentage: +1.25% or -0.40%.
func Percentage(v float64) string {
	s := decimal.NewFromFloat(v).StringFixed(2) + "%"
	if v >= 0 {
		return "+" + s
	}
	return s
}

// Ratio formats v with two decimals.
func Ratio(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

// PercentFromHigh formats the distance below the 52 week high: 12.50%.
func PercentFromHigh(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2) + "%"
}

// grouped adds digit grouping to the integer part of an unsigned decimal string.
func grouped(s string) string {
	intPart, frac, hasFrac := strings.Cut(s, ".")
	n, err := decimal.NewFromString(intPart)
	if err != nil {
		return s
	}
	out := printer.Sprintf("%d", n.IntPart())
	if hasFrac {
		out += "." + frac
	}
	return out
}
