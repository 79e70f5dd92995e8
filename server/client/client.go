/*
Package client provides a client for the watch-set stream served at /api/stream.

Usage is simple:

	c, err := client.New("ws://localhost:8080/api/stream")
	if err != nil {
		// Do something
	}
	defer c.Close()

	if err := c.Watch("CBA", "BHP"); err != nil {
		// Do something
	}

	for snap := range c.Snapshots {
		for _, e := range snap.Entries {
			fmt.Println(e.Ticker, e.Quote)
		}
	}
*/
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/johnsiilver/asxwatch/server/messages"
)

// Stream is a connection to a watch-set stream.
type Stream struct {
	conn *websocket.Conn

	mu   sync.Mutex
	dead atomic.Bool

	// Snapshots receives the watch set on connect and after every change. If the
	// reader falls behind, older snapshots are dropped. Closed when the connection dies.
	Snapshots chan messages.Server
	// Errors receives errors the server reports about messages this client sent.
	Errors chan error
}

// New dials a stream at url, such as "ws://localhost:8080/api/stream".
func New(url string) (*Stream, error) {
	d := websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		EnableCompression: true,
	}
	conn, resp, err := d.Dial(url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("problem connecting to server: %s status: %s", resp.Status, err)
		}
		return nil, fmt.Errorf("problem connecting to server: %s", err)
	}

	s := &Stream{
		conn:      conn,
		Snapshots: make(chan messages.Server, 10),
		Errors:    make(chan error, 10),
	}
	go s.serverReceiver()
	return s, nil
}

func (s *Stream) serverReceiver() {
	defer close(s.Snapshots)

	for {
		sm := messages.Server{}
		if err := s.conn.ReadJSON(&sm); err != nil {
			if !s.dead.Swap(true) {
				glog.Errorf("problem reading message from server, killing the client connection: %s", err)
			}
			return
		}

		switch sm.Type {
		case messages.SMError:
			select {
			case s.Errors <- errors.New(sm.Error):
			default:
				glog.Errorf("dropping server error, Errors is full: %s", sm.Error)
			}
		case messages.SMSnapshot:
			s.deliver(sm)
		default:
			glog.Infof("dropping message of type %v, I don't understand the type", sm.Type)
		}
	}
}

// deliver sends sm on Snapshots, making room by dropping the oldest snapshot.
func (s *Stream) deliver(sm messages.Server) {
	for {
		select {
		case s.Snapshots <- sm:
			return
		default:
		}
		select {
		case <-s.Snapshots:
		default:
		}
	}
}

func (s *Stream) send(m messages.Client) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if s.dead.Load() {
		return fmt.Errorf("this client's connection is dead")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.WriteJSON(m); err != nil {
		s.dead.Store(true)
		return fmt.Errorf("connection to server is broken, this client is dead: %s", err)
	}
	return nil
}

// Watch adds tickers to the watch set.
func (s *Stream) Watch(tickers ...string) error {
	return s.send(messages.Client{Type: messages.CMWatch, Tickers: tickers})
}

// Unwatch removes tickers from the watch set.
func (s *Stream) Unwatch(tickers ...string) error {
	return s.send(messages.Client{Type: messages.CMUnwatch, Tickers: tickers})
}

// Display puts t in the primary view. An empty t clears it.
func (s *Stream) Display(t string) error {
	m := messages.Client{Type: messages.CMDisplay}
	if t != "" {
		m.Tickers = []string{t}
	}
	return s.send(m)
}

// WaitFor returns the first snapshot that cond is true for.
func (s *Stream) WaitFor(ctx context.Context, cond func(messages.Server) bool) (messages.Server, error) {
	for {
		select {
		case <-ctx.Done():
			return messages.Server{}, ctx.Err()
		case sm, ok := <-s.Snapshots:
			if !ok {
				return messages.Server{}, fmt.Errorf("connection closed")
			}
			if cond(sm) {
				return sm, nil
			}
		}
	}
}

// Close closes the connection.
func (s *Stream) Close() error {
	s.dead.Store(true)
	return s.conn.Close()
}
