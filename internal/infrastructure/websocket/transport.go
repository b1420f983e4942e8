package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"buyme-realtime/internal/domain"
	"buyme-realtime/pkg/logger"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Transport is the websocket implementation of domain.Transport. It only
// dials, reads and writes; reconnection policy belongs to the connection
// manager.
type Transport struct {
	url    string
	header http.Header
	log    logger.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewTransport(url string, log logger.Logger) *Transport {
	return &Transport{url: url, log: log}
}

func (t *Transport) Dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.mu.Unlock()

	t.log.Debug("Websocket dialed", "url", t.url)
	return nil
}

func (t *Transport) Send(ctx context.Context, msg *domain.OutboundMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return websocket.ErrCloseSent
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(msg)
}

func (t *Transport) Receive(ctx context.Context) (*domain.Event, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil, websocket.ErrCloseSent
	}

	var event domain.Event
	if err := conn.ReadJSON(&event); err != nil {
		return nil, err
	}
	return &event, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := t.conn.Close()
	t.conn = nil
	return err
}
