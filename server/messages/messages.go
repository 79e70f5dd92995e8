// Package messages holds the client/server messages that are sent on the wire in JSON format.
package messages

import (
	"fmt"
	"time"

	"github.com/johnsiilver/asxwatch/marketdata"
	"github.com/johnsiilver/asxwatch/state/data"
	"github.com/johnsiilver/asxwatch/stocks"
)

// ClientMsgType is the type of message being sent from a stream client.
type ClientMsgType int

const (
	// CMUnknown indicates that the message type is unknown. This means the code did not set
	// the Type.
	CMUnknown ClientMsgType = 0
	// CMWatch asks for Tickers to be watched.
	CMWatch ClientMsgType = 1
	// CMUnwatch asks for Tickers to be removed from the watch set.
	CMUnwatch ClientMsgType = 2
	// CMDisplay says the first of Tickers is now in the primary view. No tickers clears it.
	CMDisplay ClientMsgType = 3
)

// Client represents a message from a stream client.
type Client struct {
	// Type is the type of message.
	Type ClientMsgType `json:"type"`
	// Tickers are the tickers the message is about.
	Tickers []string `json:"tickers,omitempty"`
}

// Validate validates that the message is valid.
func (m Client) Validate() error {
	switch m.Type {
	case CMUnknown:
		return fmt.Errorf("client did not set the message type")
	case CMWatch, CMUnwatch:
		if len(m.Tickers) == 0 {
			return fmt.Errorf("client sent a message without tickers")
		}
	case CMDisplay:
		if len(m.Tickers) > 1 {
			return fmt.Errorf("only one ticker can be displayed")
		}
	default:
		return fmt.Errorf("unknown message type %d", m.Type)
	}
	return nil
}

// ServerMsgType indicates the type of message being sent from the server.
type ServerMsgType int

const (
	// SMUnknown indicates that the message type is unknown.
	SMUnknown ServerMsgType = 0
	// SMError indicates that the server had some type of error.
	SMError ServerMsgType = 1
	// SMSnapshot carries the whole watch set.
	SMSnapshot ServerMsgType = 2
)

// Server is a message sent to stream clients.
type Server struct {
	// Type is the type of message we are sending.
	Type ServerMsgType `json:"type"`
	// Version is the watch set version the snapshot was taken at.
	Version uint64 `json:"version,omitempty"`
	// Entries are the watched tickers in watch order.
	Entries []Entry `json:"entries,omitempty"`
	// Displayed is the ticker in the primary view.
	Displayed string `json:"displayed,omitempty"`
	// Error is set for SMError messages and carries the batch error in snapshots.
	Error string `json:"error,omitempty"`
}

// Entry is the wire form of a watched ticker.
type Entry struct {
	Ticker string `json:"ticker"`
	// Name is set for popular stocks.
	Name       string                `json:"name,omitempty"`
	Quote      *marketdata.QuoteData `json:"quote"`
	Error      string                `json:"error,omitempty"`
	ErrorKind  string                `json:"error_kind,omitempty"`
	Loading    bool                  `json:"loading"`
	Fetching   bool                  `json:"fetching"`
	LastAccess time.Time             `json:"last_access"`
	FetchedAt  *time.Time            `json:"fetched_at,omitempty"`
}

// FromEntry converts a data.Entry to its wire form.
func FromEntry(e data.Entry) Entry {
	out := Entry{
		Ticker:     e.Ticker,
		Name:       stocks.Name(e.Ticker),
		Quote:      e.Quote,
		Loading:    e.Loading,
		Fetching:   e.Fetching,
		LastAccess: e.LastAccess,
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
		out.ErrorKind = marketdata.KindOf(e.Err).String()
	}
	if !e.FetchedAt.IsZero() {
		t := e.FetchedAt
		out.FetchedAt = &t
	}
	return out
}

// Snapshot builds an SMSnapshot from a version of the watch set.
func Snapshot(version uint64, st data.State) Server {
	m := Server{
		Type:      SMSnapshot,
		Version:   version,
		Entries:   make([]Entry, 0, len(st.Order)),
		Displayed: st.Displayed,
	}
	for _, t := range st.Order {
		m.Entries = append(m.Entries, FromEntry(st.Entries[t]))
	}
	if st.BatchErr != nil {
		m.Error = st.BatchErr.Error()
	}
	return m
}

// Error builds an SMError.
func Error(err error) Server {
	return Server{Type: SMError, Error: err.Error()}
}
