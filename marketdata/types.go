// Package marketdata is the client for the market data API that serves ASX
// quotes and company information.
package marketdata

// Quote is the price block of a QuoteData.
type Quote struct {
	// MarketValue is the market capitalisation.
	MarketValue float64 `json:"mkt_value"`
	// Last is the last traded price.
	Last float64 `json:"cf_last"`
	Open float64 `json:"cf_open"`
	Low  float64 `json:"cf_low"`
	High float64 `json:"cf_high"`
	// Close is the previous close.
	Close  float64 `json:"cf_close"`
	Volume float64 `json:"cf_volume"`
	// NetChange is the change in price since the previous close.
	NetChange float64 `json:"cf_netchng"`
	// PctChange is NetChange as a percentage.
	PctChange float64 `json:"pctchng"`
	// YearHigh and YearLow are the 52 week high and low.
	YearHigh float64 `json:"yrhigh"`
	YearLow  float64 `json:"yrlow"`
	// PERatio is the price to earnings ratio.
	PERatio float64 `json:"peratio"`
	// EPS is earnings per share.
	EPS float64 `json:"earnings"`
}

// PercentFromHigh is how far Last sits below the 52 week high, as a percentage.
// It returns 0 if YearHigh is not set.
func (q Quote) PercentFromHigh() float64 {
	if q.YearHigh == 0 {
		return 0
	}
	return (q.YearHigh - q.Last) / q.YearHigh * 100
}

// QuoteData is the response of the quotes endpoint. Treat it as immutable once
// returned from a Client.
type QuoteData struct {
	Symbol string `json:"symbol"`
	Quote  Quote  `json:"quote"`
}

// CompanyData is the response of the company information endpoint.
type CompanyData struct {
	Ticker      string `json:"ticker"`
	CompanyInfo string `json:"company_info"`
}

// Result is a single ticker's outcome from FetchMany. Exactly one of Data or Err
// is set.
type Result struct {
	Ticker string
	Data   *QuoteData
	Err    error
}
