package network

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luca-patrignani/quick-decision/identity"
)

const (
	writeTimeout   = 10 * time.Second
	pongWait       = 30 * time.Second
	pingInterval   = 15 * time.Second
	maxFrameSize   = 64 * 1024
	sendBufferSize = 64
)

var (
	errLinkClosed      = errors.New("link closed")
	errSendBufferFull  = errors.New("send buffer full")
	errNotConnected    = errors.New("not connected to any peer")
	errUnknownReceiver = errors.New("peer is not connected")
)

// link is an established websocket connection to another device.
type link struct {
	peer      identity.Peer
	conn      *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func newLink(peer identity.Peer, conn *websocket.Conn, logger *slog.Logger) *link {
	return &link{
		peer:   peer,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
		logger: logger.With("peer", peer.Name),
	}
}

// enqueue hands a frame to the write pump without blocking.
func (l *link) enqueue(f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case <-l.closed:
		return errLinkClosed
	default:
	}
	select {
	case l.send <- b:
		return nil
	case <-l.closed:
		return errLinkClosed
	default:
		return errSendBufferFull
	}
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.Close()
	})
}

func (l *link) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		l.close()
	}()
	for {
		select {
		case b := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				l.logger.Debug("link write failed", "error", err)
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.logger.Debug("link ping failed", "error", err)
				return
			}
		case <-l.closed:
			l.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return
		}
	}
}

// readPump delivers every well formed frame to handle until the connection
// fails or is closed.
func (l *link) readPump(handle func(frame)) {
	defer l.close()
	l.conn.SetReadLimit(maxFrameSize)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, b, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Debug("link closed unexpectedly", "error", err)
			}
			return
		}
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		var f frame
		if err := json.Unmarshal(b, &f); err != nil {
			l.logger.Debug("dropping undecodable frame", "error", err)
			continue
		}
		handle(f)
	}
}
