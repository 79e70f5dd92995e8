// Package stocks holds the popular ASX stocks offered for search and the trending list.
package stocks

import "strings"

// Stock is a listed company.
type Stock struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
}

// Popular are the stocks offered by search, most prominent first.
var Popular = []Stock{
	{Ticker: "CBA", Name: "Commonwealth Bank of Australia"},
	{Ticker: "BHP", Name: "BHP Group"},
	{Ticker: "NAB", Name: "National Australia Bank"},
	{Ticker: "WBC", Name: "Westpac Banking Corporation"},
	{Ticker: "WES", Name: "Wesfarmers"},
	{Ticker: "CSL", Name: "CSL"},
	{Ticker: "ANZ", Name: "Australia and New Zealand Banking Group"},
	{Ticker: "MQG", Name: "Macquarie Group"},
	{Ticker: "GMG", Name: "Goodman Group"},
	{Ticker: "FMG", Name: "Fortescue Metals Group"},
	{Ticker: "TLS", Name: "Telstra Corporation"},
	{Ticker: "WDS", Name: "Woodside Energy Group"},
	{Ticker: "TCL", Name: "Transurban Group"},
	{Ticker: "RIO", Name: "RIO Tinto"},
	{Ticker: "ALL", Name: "Aristocrat Leisure"},
	{Ticker: "SIG", Name: "Sigma Healthcare"},
	{Ticker: "BXB", Name: "Brambles"},
	{Ticker: "WOW", Name: "Woolworths Group"},
	{Ticker: "COL", Name: "Coles Group"},
	{Ticker: "WTC", Name: "Wisetech Global"},
}

// DefaultTrending is how many popular stocks make up the trending list.
const DefaultTrending = 6

// Trending returns the tickers of the first n popular stocks.
func Trending(n int) []string {
	if n < 0 {
		n = 0
	}
	if n > len(Popular) {
		n = len(Popular)
	}
	out := make([]string, 0, n)
	for _, s := range Popular[:n] {
		out = append(out, s.Ticker)
	}
	return out
}

// Search returns the popular stocks whose ticker or name contains q, ignoring
// case. An empty q returns them all.
func Search(q string) []Stock {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return append([]Stock{}, Popular...)
	}

	out := []Stock{}
	for _, s := range Popular {
		if strings.Contains(strings.ToLower(s.Ticker), q) || strings.Contains(strings.ToLower(s.Name), q) {
			out = append(out, s)
		}
	}
	return out
}

// Name returns the name of a popular stock, or "" if t is not one.
func Name(t string) string {
	for _, s := range Popular {
		if s.Ticker == t {
			return s.Name
		}
	}
	return ""
}
