package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/metrics"
	"github.com/xela07ax/lms/internal/service"
)

const wsWriteTimeout = 5 * time.Second

// wsRoute обрабатывает data команды и возвращает result.
type wsRoute func(ctx context.Context, data json.RawMessage) (any, error)

// WSHandler: один долгоживущий канал на шлюз. Команды {cmd_id, route, data}
// обрабатываются параллельно, ответы приходят в любом порядке с тем же cmd_id.
// Маршруты сопоставляются точно, по таблице.
type WSHandler struct {
	routes  map[string]wsRoute
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewWSHandler(links *service.LinkService, config ConfigProvider, m *metrics.Metrics, logger *zap.Logger) *WSHandler {
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	h := &WSHandler{metrics: m, logger: logger.Named("ws")}
	h.routes = map[string]wsRoute{
		"/config": func(context.Context, json.RawMessage) (any, error) {
			return config.Get(), nil
		},
		"/links/status": func(ctx context.Context, data json.RawMessage) (any, error) {
			var req domain.StatusRequest
			if err := unmarshalData(data, &req); err != nil {
				return nil, err
			}
			st, err := links.GetStatus(ctx, service.StatusQuery{
				Mode:   req.Mode,
				Domain: req.Domain,
				Page:   DecodeURLParam(req.Page),
				URL:    DecodeURLParam(req.URL),
			})
			if err != nil {
				return nil, err
			}
			return domain.StatusResponse{Status: st}, nil
		},
		"/links/statuses": func(ctx context.Context, data json.RawMessage) (any, error) {
			var req domain.StatusRequest
			if err := unmarshalData(data, &req); err != nil {
				return nil, err
			}
			st, err := links.GetStatuses(ctx, req.Mode, req.Domain, DecodeURLParam(req.Page))
			if err != nil {
				return nil, err
			}
			return domain.StatusesResponse{Success: true, Statuses: st}, nil
		},
	}
	return h
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: data is required", domain.ErrInvalidArgument)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

// ServeHTTP: GET /ws
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// origin не ограничиваем, как и CORS остального API
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	reply := func(resp domain.WSResponse) {
		writeMu.Lock()
		defer writeMu.Unlock()
		wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer wcancel()
		if err := wsjson.Write(wctx, conn, resp); err != nil && ctx.Err() == nil {
			h.logger.Warn("websocket write failed", zap.Uint64("cmd_id", resp.CmdID), zap.Error(err))
		}
	}

	h.logger.Debug("gate connected", zap.String("remote", r.RemoteAddr))
	for {
		var req domain.WSRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				h.logger.Info("gate disconnected", zap.String("remote", r.RemoteAddr), zap.Error(err))
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply(h.dispatch(ctx, req))
		}()
	}

	cancel()
	wg.Wait()
	_ = conn.Close(websocket.StatusNormalClosure, "closed")
}

func (h *WSHandler) dispatch(ctx context.Context, req domain.WSRequest) domain.WSResponse {
	start := time.Now()
	resp := domain.WSResponse{CmdID: req.CmdID}

	route, ok := h.routes[req.Route]
	if !ok {
		resp.Error = &domain.WireError{Code: http.StatusNotFound, Message: "unknown route " + strconv.Quote(req.Route)}
		h.observe("unknown", http.StatusNotFound, start)
		return resp
	}

	result, err := route(ctx, req.Data)
	if err == nil {
		resp.Result, err = json.Marshal(result)
	}
	if err != nil {
		code := statusFor(err)
		resp.Error = &domain.WireError{Code: code, Message: err.Error()}
		h.observe(req.Route, code, start)
		return resp
	}
	h.observe(req.Route, http.StatusOK, start)
	return resp
}

func (h *WSHandler) observe(route string, code int, start time.Time) {
	h.metrics.RequestDuration.WithLabelValues("ws "+route, strconv.Itoa(code)).Observe(time.Since(start).Seconds())
}
