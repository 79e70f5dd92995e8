package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/johnsiilver/asxwatch/server/messages"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// stream upgrades to a websocket. The client receives a snapshot of the watch set
// on connect and after every change, and may send messages.Client to change it.
func (s *Server) stream(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		glog.Errorf("error upgrading stream connection: %s", err)
		return
	}
	defer ws.Close()
	conn := &streamConn{Conn: ws}

	sigCh, cancel, err := s.m.Subscribe()
	if err != nil {
		conn.sendError(err)
		return
	}
	defer cancel()

	st := s.m.State()
	if err := conn.write(messages.Snapshot(st.Version, st.Data)); err != nil {
		glog.Errorf("stream %s: %s", conn.RemoteAddr(), err)
		return
	}

	done := make(chan struct{})
	wg := &sync.WaitGroup{}
	wg.Add(2)

	go s.clientReceiver(wg, conn, done)
	go func() {
		defer wg.Done()
		lastVersion := st.Version
		for {
			select {
			case <-done:
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if sig.State.Version <= lastVersion {
					continue
				}
				lastVersion = sig.State.Version
				if err := conn.write(messages.Snapshot(sig.State.Version, sig.State.Data)); err != nil {
					glog.Errorf("stream %s: %s", conn.RemoteAddr(), err)
					conn.Close()
					return
				}
			}
		}
	}()

	wg.Wait()
}

// clientReceiver processes messages sent by a stream client until the connection
// ends, then closes done.
func (s *Server) clientReceiver(wg *sync.WaitGroup, conn *streamConn, done chan struct{}) {
	defer wg.Done()
	defer close(done)

	for {
		m := messages.Client{}
		if err := conn.ReadJSON(&m); err != nil {
			glog.V(1).Infof("stream client %s terminated its connection: %s", conn.RemoteAddr(), err)
			return
		}
		if err := m.Validate(); err != nil {
			if err := conn.sendError(err); err != nil {
				return
			}
			continue
		}

		switch m.Type {
		case messages.CMWatch:
			s.m.Watch(m.Tickers...)
		case messages.CMUnwatch:
			s.m.Unwatch(m.Tickers...)
		case messages.CMDisplay:
			t := ""
			if len(m.Tickers) == 1 {
				t = m.Tickers[0]
				s.m.Watch(t)
			}
			s.m.SetCurrentlyDisplayed(t)
		}
	}
}

// streamConn is a websocket connection that allows concurrent writers.
type streamConn struct {
	*websocket.Conn

	wmu sync.Mutex
}

func (c *streamConn) sendError(err error) error {
	glog.Error(err)
	return c.write(messages.Error(err))
}

// write writes a message to the websocket.
func (c *streamConn) write(msg messages.Server) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	defer c.SetWriteDeadline(time.Time{})
	c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.WriteJSON(msg); err != nil {
		return fmt.Errorf("problem writing msg: %s", err)
	}
	return nil
}
