package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/domain"
)

type wsResult struct {
	resp domain.WSResponse
	err  error
}

// WSTransport — одно долгоживущее соединение, по которому идут параллельные
// команды {cmd_id, route, data}. Ответы сопоставляются с ожидающими по cmd_id.
// При обрыве все ожидающие получают ошибку (без повтора), переподключение
// планируется через reconnectDelay.
type WSTransport struct {
	url            string
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	logger         *zap.Logger

	writeMu sync.Mutex // websocket.Conn допускает одного писателя

	mu        sync.Mutex
	conn      *websocket.Conn
	nextID    uint64
	pending   map[uint64]chan wsResult
	retryAt   time.Time
	closed    bool
	dialing   chan struct{}
	reconnect *time.Timer
}

// NewWSTransport принимает http(s) адрес API; путь /ws добавляется сам.
func NewWSTransport(baseURL string, reconnectDelay, dialTimeout time.Duration, logger *zap.Logger) *WSTransport {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &WSTransport{
		url:            u + "/ws",
		reconnectDelay: reconnectDelay,
		dialTimeout:    dialTimeout,
		logger:         logger.Named("ws-transport"),
		pending:        make(map[uint64]chan wsResult),
	}
}

func (t *WSTransport) QueryStatus(ctx context.Context, req domain.StatusRequest) (*bool, error) {
	raw, err := t.Call(ctx, RouteStatus, req)
	if err != nil {
		return nil, err
	}
	var resp domain.StatusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return resp.Status, nil
}

func (t *WSTransport) FetchConfig(ctx context.Context) (domain.GateConfig, error) {
	raw, err := t.Call(ctx, RouteConfig, struct{}{})
	if err != nil {
		return domain.GateConfig{}, err
	}
	return decodeConfig(raw)
}

// Call отправляет команду и ждет ответ с тем же cmd_id или отмены ctx.
func (t *WSTransport) Call(ctx context.Context, route string, data any) (json.RawMessage, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	conn, err := t.connection(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan wsResult, 1)
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return nil, ErrConnClosed
	}
	t.nextID++
	id := t.nextID
	t.pending[id] = ch
	t.mu.Unlock()

	t.writeMu.Lock()
	err = wsjson.Write(ctx, conn, domain.WSRequest{CmdID: id, Route: route, Data: payload})
	t.writeMu.Unlock()
	if err != nil {
		t.drop(id)
		t.connLost(conn, err)
		return nil, fmt.Errorf("send %s: %w", route, err)
	}

	select {
	case <-ctx.Done():
		t.drop(id)
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != nil {
			return nil, fmt.Errorf("%s: backend error %d: %s", route, res.resp.Error.Code, res.resp.Error.Message)
		}
		return res.resp.Result, nil
	}
}

// Pending — число команд, ожидающих ответа.
func (t *WSTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *WSTransport) drop(id uint64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// connection возвращает текущее соединение или дозванивается. До истечения
// паузы после обрыва новых попыток нет: вызывающий сразу получает ErrNotConnected.
func (t *WSTransport) connection(ctx context.Context) (*websocket.Conn, error) {
	for {
		t.mu.Lock()
		switch {
		case t.closed:
			t.mu.Unlock()
			return nil, ErrConnClosed
		case t.conn != nil:
			conn := t.conn
			t.mu.Unlock()
			return conn, nil
		case time.Now().Before(t.retryAt):
			t.mu.Unlock()
			return nil, ErrNotConnected
		case t.dialing != nil:
			wait := t.dialing
			t.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		done := make(chan struct{})
		t.dialing = done
		t.mu.Unlock()

		conn, err := t.dial()

		t.mu.Lock()
		t.dialing = nil
		close(done)
		if err != nil {
			t.retryAt = time.Now().Add(t.reconnectDelay)
			t.mu.Unlock()
			t.logger.Warn("websocket dial failed", zap.String("url", t.url), zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		if t.closed {
			t.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return nil, ErrConnClosed
		}
		t.conn = conn
		t.nextID = 0
		t.mu.Unlock()

		t.logger.Info("websocket connection opened", zap.String("url", t.url))
		go t.readLoop(conn)
		return conn, nil
	}
}

func (t *WSTransport) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPClient: &http.Client{Timeout: t.dialTimeout},
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		var resp domain.WSResponse
		if err := wsjson.Read(context.Background(), conn, &resp); err != nil {
			t.connLost(conn, err)
			return
		}
		t.mu.Lock()
		ch, ok := t.pending[resp.CmdID]
		delete(t.pending, resp.CmdID)
		t.mu.Unlock()
		if !ok {
			// ответ на команду, чей вызывающий уже ушел по таймауту
			continue
		}
		ch <- wsResult{resp: resp}
	}
}

// connLost: все ожидающие получают ошибку, переподключение: через reconnectDelay.
func (t *WSTransport) connLost(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	pending := t.pending
	t.pending = make(map[uint64]chan wsResult)
	t.retryAt = time.Now().Add(t.reconnectDelay)
	closed := t.closed
	if !closed {
		t.reconnect = time.AfterFunc(t.reconnectDelay, t.redial)
	}
	t.mu.Unlock()

	_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
	for _, ch := range pending {
		ch <- wsResult{err: fmt.Errorf("%w: %v", ErrConnClosed, cause)}
	}
	if !closed {
		t.logger.Warn("websocket closed, reconnect scheduled",
			zap.Duration("delay", t.reconnectDelay),
			zap.Int("dropped", len(pending)),
			zap.Error(cause))
	}
}

func (t *WSTransport) redial() {
	ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout)
	defer cancel()
	if _, err := t.connection(ctx); err != nil {
		t.logger.Debug("scheduled reconnect failed", zap.Error(err))
	}
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	if t.reconnect != nil {
		t.reconnect.Stop()
	}
	t.mu.Unlock()

	if conn != nil {
		t.connLost(conn, ErrConnClosed)
	}
	return nil
}
