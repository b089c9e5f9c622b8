package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/gate"
)

const eventWriteTimeout = 5 * time.Second

// controlHandler принимает {type, ua?, url?}. Без ua берется User-Agent запроса.
func controlHandler(session *gate.Session, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg gate.ControlMessage
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&msg); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid control message"})
			return
		}
		if msg.UA == "" {
			msg.UA = r.UserAgent()
		}

		result, err := session.Handle(msg)
		switch {
		case errors.Is(err, gate.ErrUnknownMessage), errors.Is(err, domain.ErrInvalidArgument):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		case err != nil:
			logger.Error("control message failed", zap.String("type", msg.Type), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"mode":    session.Mode(),
			"result":  result,
		})
	}
}

// eventsHandler транслирует сообщения хаба (reload, reregister, active-tab)
// подписанной странице по WebSocket.
func eventsHandler(hub *gate.Hub, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			logger.Warn("events websocket accept failed", zap.Error(err))
			return
		}
		defer conn.CloseNow()

		events := hub.Subscribe(32)
		defer hub.Unsubscribe(events)

		// входящие кадры не нужны, CloseRead отменит ctx при закрытии со стороны страницы
		ctx := conn.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-events:
				if !ok {
					return
				}
				wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
				err := wsjson.Write(wctx, conn, msg)
				cancel()
				if err != nil {
					logger.Debug("events subscriber gone", zap.Error(err))
					return
				}
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
