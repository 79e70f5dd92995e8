// Package yahoo provides a marketdata.Fetcher backed by Yahoo Finance quotes.
// It is a fallback for when no market data API key is available; only the
// price fields Yahoo returns are populated.
package yahoo

import (
	"context"
	"fmt"

	"github.com/doneland/yquotes"
	"github.com/golang/glog"

	"github.com/johnsiilver/asxwatch/marketdata"
	"github.com/johnsiilver/asxwatch/ticker"
)

// suffix is Yahoo's exchange suffix for ASX listings.
const suffix = ".AX"

type price struct {
	last, open, prevClose float64
}

// Fetcher implements marketdata.Fetcher.
type Fetcher struct {
	lookup func(symbol string) (price, error)
}

// New is the constructor for Fetcher.
func New() *Fetcher {
	return &Fetcher{lookup: lookup}
}

func lookup(symbol string) (price, error) {
	s, err := yquotes.NewStock(symbol, false)
	if err != nil {
		return price{}, err
	}
	return price{last: s.Price.Last, open: s.Price.Open, prevClose: s.Price.PreviousClose}, nil
}

// FetchQuote implements marketdata.Fetcher. yquotes has no context support, so a
// cancelled ctx only stops us waiting for the answer.
func (f *Fetcher) FetchQuote(ctx context.Context, t string) (*marketdata.QuoteData, error) {
	t = ticker.Canonical(t)

	type answer struct {
		p   price
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		p, err := f.lookup(t + suffix)
		ch <- answer{p, err}
	}()

	var a answer
	select {
	case <-ctx.Done():
		return nil, &marketdata.APIError{Kind: marketdata.KindTransient, Message: "Failed to fetch quote data. Please try again later"}
	case a = <-ch:
	}

	if a.err != nil {
		glog.Errorf("problem retrieving yahoo quote for %s: %s", t, a.err)
		return nil, &marketdata.APIError{Kind: marketdata.KindTransient, Message: "Failed to fetch quote data. Please try again later"}
	}
	// Yahoo answers unknown symbols with an empty quote rather than an error.
	if a.p.last == 0 {
		return nil, &marketdata.APIError{Status: 404, Kind: marketdata.KindNotFound, Message: fmt.Sprintf("Quote data for ticker '%s' not found", t)}
	}
	return toQuote(t, a.p), nil
}

func toQuote(sym string, p price) *marketdata.QuoteData {
	qd := &marketdata.QuoteData{
		Symbol: sym,
		Quote: marketdata.Quote{
			Last:  p.last,
			Open:  p.open,
			Close: p.prevClose,
		},
	}
	if p.prevClose != 0 {
		qd.Quote.NetChange = p.last - p.prevClose
		qd.Quote.PctChange = qd.Quote.NetChange / p.prevClose * 100
	}
	return qd
}
